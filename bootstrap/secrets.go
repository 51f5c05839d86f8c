package bootstrap

import (
	"context"

	"github.com/pywatt/pywatt-sdk-go/ipcproto"
)

// SecretSink is the boundary to the module's secret subsystem. The dispatch
// loop forwards Secret and Rotated messages here and knows nothing else
// about secret storage or rotation mechanics.
type SecretSink interface {
	OnSecret(ipcproto.SecretMessage)
	OnRotated(ipcproto.RotatedMessage)
}

// SecretClient fetches the module's initial secrets during bootstrap,
// before user state is built. The transport for that fetch (orchestrator
// HTTP API, env, vault sidecar) is the implementation's business.
type SecretClient interface {
	FetchInitial(ctx context.Context, names []string) ([]ipcproto.SecretMessage, error)
}

// discardSecrets is the default sink for modules that take no secrets.
type discardSecrets struct{}

func (discardSecrets) OnSecret(ipcproto.SecretMessage)   {}
func (discardSecrets) OnRotated(ipcproto.RotatedMessage) {}

// noSecrets is the default client: no initial secrets.
type noSecrets struct{}

func (noSecrets) FetchInitial(context.Context, []string) ([]ipcproto.SecretMessage, error) {
	return nil, nil
}
