// pywatt-echo-module is a minimal module exercising the SDK end to end: it
// announces /health and /echo, serves both over the transport bridge, and
// echoes routed module-to-module messages back to their sender.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/log"

	"github.com/pywatt/pywatt-sdk-go/bootstrap"
	"github.com/pywatt/pywatt-sdk-go/ipcproto"
	"github.com/pywatt/pywatt-sdk-go/routing"
	"github.com/pywatt/pywatt-sdk-go/wire"
)

func router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Write(body)
	})
	return mux
}

func main() {
	opts := bootstrap.Options{
		Router: router(),
		Endpoints: []ipcproto.Endpoint{
			{Path: "/health", Methods: []string{"GET"}},
			{Path: "/echo", Methods: []string{"POST"}},
		},
		OnReady: func(ctx context.Context, app *bootstrap.AppState) {
			// Echo routed messages from a known peer back to it. The peer
			// id comes from the InitBlob env so a deployment can wire two
			// echo modules at each other.
			peer := app.Init().Env["ECHO_PEER_MODULE_ID"]
			if peer == "" {
				return
			}
			app.OnModuleMessage(peer, func(ctx context.Context, msg ipcproto.RoutedModuleMessage) {
				reply, err := wire.NewEncodedMessage(wire.FormatJSON, msg.Payload)
				if err != nil {
					log.Errorf("echo: %v", err)
					return
				}
				meta := routing.Metadata{Priority: routing.PriorityNormal}
				if err := app.SendMessage(ctx, peer, meta, reply); err != nil {
					log.Errorf("echo reply to %s failed: %v", peer, err)
				}
			})
		},
	}

	err := bootstrap.Serve(context.Background(), opts, func(ctx context.Context, init *ipcproto.InitBlob, secrets []ipcproto.SecretMessage) (interface{}, error) {
		log.Infof("echo module %s ready", init.ModuleID)
		return nil, nil
	})
	if err != nil {
		log.Errorf("module exited: %v", err)
	}
	os.Exit(bootstrap.ExitCode(err))
}
