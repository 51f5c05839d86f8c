package bootstrap

import (
	"context"
	"errors"

	"github.com/pywatt/pywatt-sdk-go/httpbridge"
	"github.com/pywatt/pywatt-sdk-go/ipcproto"
	"github.com/pywatt/pywatt-sdk-go/transport"
	"github.com/pywatt/pywatt-sdk-go/wire"
)

// receiveLoop exclusively consumes inbound frames from one channel,
// decoding each into the tagged union and dispatching it. It is the
// module-side mirror of cborplugin's incomingConn.worker: a decode loop
// feeding a processCommand switch. Framing errors terminate this loop only;
// other channels keep running.
func (a *AppState) receiveLoop(ch transport.Channel) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.worker.HaltCh()
		cancel()
	}()

	for {
		if a.worker.IsHalted() {
			return
		}
		msg, err := ch.Receive(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			var closed *transport.ClosedError
			if errors.As(err, &closed) && ch.IsServerAccepted() {
				a.log.Infof("%s channel closed by peer", ch.Type())
				return
			}
			// Client-initiated channels get one reconnect pass per the
			// channel's own policy; if that fails the loop ends.
			if !ch.IsServerAccepted() {
				if connErr := ch.Connect(ctx); connErr == nil {
					continue
				}
			}
			a.log.Warnf("%s receive loop terminating: %v", ch.Type(), err)
			return
		}

		if m, ok := a.Metrics(ch.Type()); ok {
			m.RecordReceive(msg.Len())
		}
		if a.exporter != nil {
			a.exporter.ObserveReceive(ch.Type().String())
		}

		in, err := ipcproto.UnmarshalInbound(msg.Bytes())
		if err != nil {
			a.log.Errorf("%s channel: undecodable frame, terminating inbound loop: %v", ch.Type(), err)
			return
		}
		a.dispatch(ctx, ch, in)
	}
}

// reply sends a tagged message back toward the orchestrator: on the
// channel the triggering message arrived on, or on the stdout line
// protocol when it arrived via stdin.
func (a *AppState) reply(ctx context.Context, ch transport.Channel, op string, v interface{}) {
	if ch == nil {
		if err := a.lineWriter.Send(op, v); err != nil {
			a.log.Warnf("line-protocol reply %s failed: %v", op, err)
		}
		return
	}
	body, err := ipcproto.Marshal(op, v)
	if err != nil {
		a.log.Errorf("encoding %s reply: %v", op, err)
		return
	}
	msg, err := wire.NewEncodedMessage(wire.FormatJSON, body)
	if err != nil {
		a.log.Errorf("framing %s reply: %v", op, err)
		return
	}
	if err := ch.Send(ctx, msg); err != nil {
		a.log.Warnf("%s reply on %s channel failed: %v", op, ch.Type(), err)
	}
}

// dispatch routes one inbound message to its consumer. ch is nil for
// messages that arrived on the stdin line protocol.
func (a *AppState) dispatch(ctx context.Context, ch transport.Channel, in *ipcproto.Inbound) {
	switch {
	case in.Heartbeat != nil:
		a.reply(ctx, ch, ipcproto.OpHeartbeatAck, ipcproto.HeartbeatAck{Seq: in.Heartbeat.Seq})

	case in.Shutdown != nil:
		a.log.Infof("shutdown requested: %s", in.Shutdown.Reason)
		a.worker.Halt()

	case in.RoutedModuleResponse != nil:
		resp := in.RoutedModuleResponse
		payload, err := wire.NewEncodedMessage(wire.FormatJSON, resp.Payload)
		if err != nil {
			a.log.Errorf("routed response %s: %v", resp.RequestID, err)
			return
		}
		a.mux.HandleResponse(resp.RequestID, payload)

	case in.RoutedModuleMessage != nil:
		msg := *in.RoutedModuleMessage
		handler, ok := a.handlerFor(msg.SourceModuleID)
		if !ok {
			a.log.Infof("no handler for messages from module %q, discarding", msg.SourceModuleID)
			return
		}
		a.worker.Go(func() { handler(ctx, msg) })

	case in.HTTPRequest != nil:
		req := in.HTTPRequest
		a.worker.Go(func() {
			resp := httpbridge.Serve(ctx, a.httpRouter, req)
			a.reply(ctx, ch, ipcproto.OpHTTPResponse, resp)
		})

	case in.Secret != nil:
		a.secretSink.OnSecret(*in.Secret)

	case in.Rotated != nil:
		a.secretSink.OnRotated(*in.Rotated)
		a.reply(ctx, nil, ipcproto.OpRotationAck, ipcproto.RotationAck{Generation: in.Rotated.Generation})

	case in.PortResponse != nil:
		if !a.negotiator.Deliver(*in.PortResponse) {
			a.log.Debugf("port response %s had no waiting negotiation", in.PortResponse.RequestID)
		}

	case in.RegisterServiceProviderResponse != nil:
		a.resolveMux(in.RegisterServiceProviderResponse.RequestID, in.RegisterServiceProviderResponse)

	case in.DiscoverServiceProvidersResponse != nil:
		a.resolveMux(in.DiscoverServiceProvidersResponse.RequestID, in.DiscoverServiceProvidersResponse)

	case in.ServiceResponse != nil:
		a.resolveMux(in.ServiceResponse.RequestID, in.ServiceResponse)

	case in.ServiceOperationResult != nil:
		a.resolveMux(in.ServiceOperationResult.RequestID, in.ServiceOperationResult)

	case in.Init != nil:
		// A second init line is a protocol violation; keep the first.
		a.log.Warn("ignoring unexpected init message after bootstrap")

	default:
		a.log.Warnf("unhandled inbound op %q", in.Op)
	}
}

// resolveMux re-encodes a typed response and resolves the pending request
// slot it correlates with.
func (a *AppState) resolveMux(requestID string, v interface{}) {
	msg, err := wire.EncodeJSON(v)
	if err != nil {
		a.log.Errorf("encoding response for request %s: %v", requestID, err)
		return
	}
	a.mux.HandleResponse(requestID, msg)
}

// stdinLoop reads the orchestrator's line protocol until stdin closes,
// which is itself a shutdown signal.
func (a *AppState) stdinLoop(reader *ipcproto.LineReader) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.worker.HaltCh()
		cancel()
	}()

	for {
		if a.worker.IsHalted() {
			return
		}
		in, err := reader.Next()
		if err != nil {
			var invalid *ipcproto.InvalidMessageError
			if errors.As(err, &invalid) {
				a.log.Warnf("skipping malformed line: %v", invalid)
				continue
			}
			a.log.Infof("stdin closed, shutting down: %v", err)
			a.worker.Halt()
			return
		}
		a.dispatch(ctx, nil, in)
	}
}
