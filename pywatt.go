// Package pywatt is the convenience facade over the SDK: a module author
// imports this one package, supplies a Router and a state builder, and
// calls Serve. Everything here is a thin re-export of the bootstrap
// package's explicit plumbing; programs that need finer control (custom
// routing matrices, their own secret client, injected stdio) use bootstrap
// directly.
package pywatt

import (
	"context"
	"net/http"
	"os"

	"github.com/pywatt/pywatt-sdk-go/bootstrap"
	"github.com/pywatt/pywatt-sdk-go/ipcproto"
)

// AppState is the send-side handle passed to OnReady.
type AppState = bootstrap.AppState

// Options configures Serve.
type Options = bootstrap.Options

// StateBuilder builds the module's own state from the InitBlob and initial
// secrets.
type StateBuilder = bootstrap.StateBuilder

// Endpoint is one announced HTTP route.
type Endpoint = ipcproto.Endpoint

// Serve runs the module until shutdown and returns the process exit code
// error, if any.
func Serve(ctx context.Context, opts Options, build StateBuilder) error {
	return bootstrap.Serve(ctx, opts, build)
}

// Main is the simplest entry point: serve with the given router and
// endpoints, then exit with the appropriate process exit code.
func Main(router http.Handler, endpoints ...Endpoint) {
	opts := Options{Router: router, Endpoints: endpoints}
	err := Serve(context.Background(), opts, func(ctx context.Context, init *ipcproto.InitBlob, secrets []ipcproto.SecretMessage) (interface{}, error) {
		return nil, nil
	})
	os.Exit(bootstrap.ExitCode(err))
}
