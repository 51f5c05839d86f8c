package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pywatt/pywatt-sdk-go/failover"
	"github.com/pywatt/pywatt-sdk-go/internal/lifecycle"
	"github.com/pywatt/pywatt-sdk-go/ipcproto"
	"github.com/pywatt/pywatt-sdk-go/metrics"
	"github.com/pywatt/pywatt-sdk-go/negotiation"
	"github.com/pywatt/pywatt-sdk-go/queue"
	"github.com/pywatt/pywatt-sdk-go/routing"
	"github.com/pywatt/pywatt-sdk-go/transport"
	"github.com/pywatt/pywatt-sdk-go/wire"
)

// MessageHandler consumes one routed module-to-module message from a given
// source module.
type MessageHandler func(ctx context.Context, msg ipcproto.RoutedModuleMessage)

// AppState is the send-side handle user code holds: it owns the outbound
// path (smart router -> failover executor -> channel), the request
// multiplexer, the per-channel metrics, and the registries for inbound
// routed messages and announced endpoints. The receive side belongs to the
// dispatch loop; the two share this struct but never each other's
// goroutines.
type AppState struct {
	worker lifecycle.Worker
	log    *log.Logger

	init       *ipcproto.InitBlob
	lineWriter *ipcproto.LineWriter
	negotiator *negotiation.Negotiator
	secretSink SecretSink
	httpRouter http.Handler

	router    *routing.Router
	mux       *queue.Multiplexer
	sendQueue *queue.PriorityQueue
	alerts    *metrics.AlertManager
	slaConfig metrics.SLAConfig
	exporter  *metrics.Exporter

	mu        sync.Mutex
	channels  map[transport.ChannelType]transport.Channel
	executors map[transport.ChannelType]*failover.Executor
	chMetrics map[transport.ChannelType]*metrics.ChannelMetrics
	handlers  map[string]MessageHandler
	endpoints []ipcproto.Endpoint

	userState interface{}
}

// Init returns the InitBlob the orchestrator provided.
func (a *AppState) Init() *ipcproto.InitBlob { return a.init }

// ModuleID returns this module's orchestrator-assigned identifier.
func (a *AppState) ModuleID() string { return a.init.ModuleID }

// UserState returns whatever the caller's state builder produced.
func (a *AppState) UserState() interface{} { return a.userState }

// Negotiator exposes the port negotiation singleton.
func (a *AppState) Negotiator() *negotiation.Negotiator { return a.negotiator }

// Router exposes the smart router, e.g. for UpdateMatrix.
func (a *AppState) Router() *routing.Router { return a.router }

// Alerts exposes the alert stream.
func (a *AppState) Alerts() <-chan metrics.Alert { return a.alerts.Alerts }

// registerChannel wires a connected channel into the send path: failover
// executor, metrics record, and health tracking.
func (a *AppState) registerChannel(ch transport.Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ct := ch.Type()
	a.channels[ct] = ch
	a.executors[ct] = &failover.Executor{
		Breaker: failover.NewCircuitBreaker(failover.BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          10 * time.Second,
			WindowSize:       time.Minute,
			MinimumRequests:  5,
		}),
		Retry: failover.NewRetry(failover.RetryConfig{
			Base:         50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			JitterFactor: 0.2,
			MaxAttempts:  3,
		}),
	}
	a.chMetrics[ct] = metrics.NewChannelMetrics()
	a.chMetrics[ct].SetConnected(ch.State() == transport.StateConnected)
}

// Channel returns the live channel of the given type, if registered.
func (a *AppState) Channel(ct transport.ChannelType) (transport.Channel, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[ct]
	return ch, ok
}

// Metrics returns the rolling metrics for a channel type.
func (a *AppState) Metrics(ct transport.ChannelType) (*metrics.ChannelMetrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.chMetrics[ct]
	return m, ok
}

// SLAStatus evaluates the named channel against the configured SLA and
// feeds any violations to the alert manager.
func (a *AppState) SLAStatus(ct transport.ChannelType) (metrics.SLAStatus, bool) {
	m, ok := a.Metrics(ct)
	if !ok {
		return metrics.SLAStatus{}, false
	}
	status := metrics.EvaluateSLA(m, a.slaConfig)
	a.alerts.Evaluate(ct.String(), status)
	return status, true
}

// channelStates snapshots which channels are currently connected, for the
// router's viability check.
func (a *AppState) channelStates() []routing.ChannelState {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make([]routing.ChannelState, 0, len(a.channels))
	for ct, ch := range a.channels {
		states = append(states, routing.ChannelState{
			Type:      ct,
			Connected: ch.State() == transport.StateConnected,
		})
	}
	return states
}

// SendMessage routes msg to target and sends it through the chosen
// channel's failover executor, falling back to the decision's fallback
// channel if the primary path is exhausted. Outcomes feed the router's
// adaptive weights and the channel metrics.
func (a *AppState) SendMessage(ctx context.Context, target string, meta routing.Metadata, msg wire.EncodedMessage) error {
	decision, err := a.router.Decide(meta, target, msg.Len(), a.channelStates())
	if err != nil {
		return err
	}

	err = a.sendVia(ctx, decision.Primary, msg)
	if err == nil {
		return nil
	}
	if decision.Fallback != nil {
		a.log.Warnf("primary channel %s failed (%v), trying fallback %s", decision.Primary, err, *decision.Fallback)
		if fbErr := a.sendVia(ctx, *decision.Fallback, msg); fbErr == nil {
			return nil
		}
	}
	return err
}

// sendVia pushes one message through a single channel's executor,
// recording the outcome everywhere it is consumed.
func (a *AppState) sendVia(ctx context.Context, ct transport.ChannelType, msg wire.EncodedMessage) error {
	a.mu.Lock()
	ch, chOK := a.channels[ct]
	exec, execOK := a.executors[ct]
	chm := a.chMetrics[ct]
	a.mu.Unlock()
	if !chOK || !execOK {
		return fmt.Errorf("bootstrap: channel %s not registered", ct)
	}

	start := time.Now()
	err := exec.Execute(ctx, func(ctx context.Context) error {
		if ch.State() != transport.StateConnected && !ch.IsServerAccepted() {
			if connErr := ch.Connect(ctx); connErr != nil {
				return connErr
			}
		}
		return ch.Send(ctx, msg)
	})
	latency := time.Since(start)

	success := err == nil
	a.router.RecordOutcome(ct, latency, success, msg.Len())
	if chm != nil {
		chm.RecordSend(latency, msg.Len(), success)
		chm.SetConnected(ch.State() == transport.StateConnected)
	}
	if a.exporter != nil {
		a.exporter.ObserveSend(ct.String(), latency, msg.Len(), success)
	}
	return err
}

// EnqueueMessage stages a message on the outbound priority queue; the send
// worker drains it in priority order through SendMessage.
func (a *AppState) EnqueueMessage(ctx context.Context, target string, priority queue.Priority, msg wire.EncodedMessage) error {
	err := a.sendQueue.Enqueue(ctx, queue.Item{Msg: msg, Target: target, Priority: priority})
	if err == nil && a.exporter != nil {
		a.exporter.SetQueueDepth("outbound", int64(a.sendQueue.Len()))
	}
	return err
}

// sendWorker drains the priority queue for the life of the module.
func (a *AppState) sendWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.worker.HaltCh()
		cancel()
	}()

	for {
		item, err := a.sendQueue.Dequeue(ctx)
		if err != nil {
			return
		}
		if a.exporter != nil {
			a.exporter.SetQueueDepth("outbound", int64(a.sendQueue.Len()))
		}
		meta := routing.Metadata{Priority: routing.Priority(item.Priority)}
		sendCtx, sendCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := a.SendMessage(sendCtx, item.Target, meta, item.Msg); err != nil {
			a.log.Warnf("queued send to %q failed: %v", item.Target, err)
		}
		sendCancel()
	}
}

// OnModuleMessage registers (or, with a nil handler, removes) the handler
// for routed messages from sourceModuleID.
func (a *AppState) OnModuleMessage(sourceModuleID string, handler MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if handler == nil {
		delete(a.handlers, sourceModuleID)
		return
	}
	a.handlers[sourceModuleID] = handler
}

func (a *AppState) handlerFor(sourceModuleID string) (MessageHandler, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handlers[sourceModuleID]
	return h, ok
}

// RegisterEndpoint adds an endpoint to the module's endpoint list. Serve
// sends its single announcement from Options.Endpoints before the AppState
// reaches any caller, so endpoints added here are recorded but not
// announced.
func (a *AppState) RegisterEndpoint(path string, methods []string, auth string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.endpoints = append(a.endpoints, ipcproto.Endpoint{Path: path, Methods: methods, Auth: auth})
}

func (a *AppState) announcedEndpoints() []ipcproto.Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ipcproto.Endpoint, len(a.endpoints))
	copy(out, a.endpoints)
	return out
}

// SendToModule relays payload to another module through the orchestrator
// and waits for the routed response.
func (a *AppState) SendToModule(ctx context.Context, targetModuleID string, payload []byte, meta routing.Metadata) ([]byte, error) {
	resp, err := a.mux.SendRequest(ctx, func(requestID string) error {
		// This envelope is sent over a channel and never read back by our
		// own decode path (the response arrives as a separate, always-JSON
		// RoutedModuleResponse), so it is free to use the denser CBOR
		// encoding rather than the JSON the stdout line protocol mandates.
		body, err := ipcproto.MarshalCBOR(ipcproto.OpRouteToModule, ipcproto.RouteToModule{
			TargetModuleID: targetModuleID,
			RequestID:      requestID,
			Payload:        payload,
			NeedsResponse:  true,
		})
		if err != nil {
			return err
		}
		msg, err := wire.NewEncodedMessage(wire.FormatCBOR, body)
		if err != nil {
			return err
		}
		return a.SendMessage(ctx, targetModuleID, meta, msg)
	})
	if err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

// sendToOrchestrator puts one tagged message on the preferred connected
// channel, falling back to the stdout line protocol when no channel is up.
func (a *AppState) sendToOrchestrator(ctx context.Context, op string, v interface{}) error {
	body, err := ipcproto.Marshal(op, v)
	if err != nil {
		return err
	}

	states := a.channelStates()
	for _, s := range states {
		if !s.Connected {
			continue
		}
		msg, err := wire.NewEncodedMessage(wire.FormatJSON, body)
		if err != nil {
			return err
		}
		if err := a.sendVia(ctx, s.Type, msg); err == nil {
			return nil
		}
	}
	return a.lineWriter.Send(op, v)
}

// RegisterServiceProvider advertises a named capability and waits for the
// orchestrator's accept/reject.
func (a *AppState) RegisterServiceProvider(ctx context.Context, name string, capabilities []string) error {
	resp, err := a.mux.SendRequest(ctx, func(requestID string) error {
		return a.sendToOrchestrator(ctx, ipcproto.OpRegisterServiceProvider, ipcproto.RegisterServiceProvider{
			RequestID:    requestID,
			Name:         name,
			Capabilities: capabilities,
		})
	})
	if err != nil {
		return err
	}
	var r ipcproto.RegisterServiceProviderResponse
	if err := resp.Decode(&r); err != nil {
		return err
	}
	if !r.Accepted {
		return fmt.Errorf("bootstrap: provider registration rejected: %s", r.Error)
	}
	return nil
}

// DiscoverServiceProviders queries the orchestrator for modules offering a
// capability.
func (a *AppState) DiscoverServiceProviders(ctx context.Context, capability string) ([]ipcproto.ServiceProviderInfo, error) {
	resp, err := a.mux.SendRequest(ctx, func(requestID string) error {
		return a.sendToOrchestrator(ctx, ipcproto.OpDiscoverServiceProviders, ipcproto.DiscoverServiceProviders{
			RequestID:  requestID,
			Capability: capability,
		})
	})
	if err != nil {
		return nil, err
	}
	var r ipcproto.DiscoverServiceProvidersResponse
	if err := resp.Decode(&r); err != nil {
		return nil, err
	}
	return r.Providers, nil
}

// CallService issues a service RPC against a provider module.
func (a *AppState) CallService(ctx context.Context, targetModuleID, operation string, payload []byte) ([]byte, error) {
	resp, err := a.mux.SendRequest(ctx, func(requestID string) error {
		return a.sendToOrchestrator(ctx, ipcproto.OpServiceRequest, ipcproto.ServiceRequest{
			RequestID:      requestID,
			TargetModuleID: targetModuleID,
			Operation:      operation,
			Payload:        payload,
		})
	})
	if err != nil {
		return nil, err
	}
	var r ipcproto.ServiceResponse
	if err := resp.Decode(&r); err != nil {
		return nil, err
	}
	if r.Error != "" {
		return nil, fmt.Errorf("bootstrap: service call failed: %s", r.Error)
	}
	return r.Payload, nil
}

// InvokeServiceOperation fires a capability-scoped operation and waits for
// its confirmation.
func (a *AppState) InvokeServiceOperation(ctx context.Context, operation string, args map[string]string) (string, error) {
	resp, err := a.mux.SendRequest(ctx, func(requestID string) error {
		return a.sendToOrchestrator(ctx, ipcproto.OpServiceOperation, ipcproto.ServiceOperation{
			RequestID: requestID,
			Operation: operation,
			Args:      args,
		})
	})
	if err != nil {
		return "", err
	}
	var r ipcproto.ServiceOperationResult
	if err := resp.Decode(&r); err != nil {
		return "", err
	}
	if r.Error != "" {
		return "", fmt.Errorf("bootstrap: service operation failed: %s", r.Error)
	}
	return r.Result, nil
}

// Shutdown asks every loop owned by the module to stop.
func (a *AppState) Shutdown() {
	a.worker.Halt()
}
