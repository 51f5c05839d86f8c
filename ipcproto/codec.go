package ipcproto

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/pywatt/pywatt-sdk-go/negotiation"
)

// InvalidMessageError reports a line that is not valid protocol JSON or
// carries an unknown op tag.
type InvalidMessageError struct {
	Op  string
	Err error
}

func (e *InvalidMessageError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("ipcproto: invalid message op %q: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ipcproto: invalid message: %v", e.Err)
}
func (e *InvalidMessageError) Unwrap() error { return e.Err }

// Inbound is the union of orchestrator-to-module messages: exactly one
// variant pointer is non-nil after a successful Unmarshal.
type Inbound struct {
	Op string

	Init                             *InitBlob
	Secret                           *SecretMessage
	Rotated                          *RotatedMessage
	Shutdown                         *Shutdown
	HTTPRequest                      *HTTPRequest
	PortResponse                     *negotiation.PortResponse
	RoutedModuleMessage              *RoutedModuleMessage
	RoutedModuleResponse             *RoutedModuleResponse
	Heartbeat                        *Heartbeat
	RegisterServiceProviderResponse  *RegisterServiceProviderResponse
	DiscoverServiceProvidersResponse *DiscoverServiceProvidersResponse
	ServiceResponse                  *ServiceResponse
	ServiceOperationResult           *ServiceOperationResult
}

// UnmarshalInbound decodes one line (or one framed payload) of the tagged
// union.
func UnmarshalInbound(data []byte) (*Inbound, error) {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &InvalidMessageError{Err: err}
	}

	in := &Inbound{Op: probe.Op}
	var target interface{}
	switch probe.Op {
	case OpInit:
		in.Init = new(InitBlob)
		target = in.Init
	case OpSecret:
		in.Secret = new(SecretMessage)
		target = in.Secret
	case OpRotated:
		in.Rotated = new(RotatedMessage)
		target = in.Rotated
	case OpShutdown:
		in.Shutdown = new(Shutdown)
		target = in.Shutdown
	case OpHTTPRequest:
		in.HTTPRequest = new(HTTPRequest)
		target = in.HTTPRequest
	case OpPortResponse:
		in.PortResponse = new(negotiation.PortResponse)
		target = in.PortResponse
	case OpRoutedModuleMessage:
		in.RoutedModuleMessage = new(RoutedModuleMessage)
		target = in.RoutedModuleMessage
	case OpRoutedModuleResponse:
		in.RoutedModuleResponse = new(RoutedModuleResponse)
		target = in.RoutedModuleResponse
	case OpHeartbeat:
		in.Heartbeat = new(Heartbeat)
		target = in.Heartbeat
	case OpRegisterServiceProviderResponse:
		in.RegisterServiceProviderResponse = new(RegisterServiceProviderResponse)
		target = in.RegisterServiceProviderResponse
	case OpDiscoverServiceProvidersResponse:
		in.DiscoverServiceProvidersResponse = new(DiscoverServiceProvidersResponse)
		target = in.DiscoverServiceProvidersResponse
	case OpServiceResponse:
		in.ServiceResponse = new(ServiceResponse)
		target = in.ServiceResponse
	case OpServiceOperationResult:
		in.ServiceOperationResult = new(ServiceOperationResult)
		target = in.ServiceOperationResult
	default:
		return nil, &InvalidMessageError{Op: probe.Op, Err: fmt.Errorf("unknown inbound op")}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, &InvalidMessageError{Op: probe.Op, Err: err}
	}
	return in, nil
}

// Marshal serializes v as one tagged protocol object: v's own fields plus
// the "op" tag spliced into the front of the object. v must marshal to a
// JSON object.
func Marshal(op string, v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ipcproto: marshal %s: %w", op, err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("ipcproto: marshal %s: message must be a JSON object", op)
	}
	tag, _ := json.Marshal(op)
	out := make([]byte, 0, len(body)+len(tag)+6)
	out = append(out, '{')
	out = append(out, `"op":`...)
	out = append(out, tag...)
	if string(body) != "{}" {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// MarshalCBOR serializes v the same way Marshal does but as a CBOR map with
// an "op" key, for payloads that never cross the stdout line protocol (the
// line protocol mandates JSON) and so are free to use a denser encoding —
// routed module-to-module messages sent over a channel, in particular.
func MarshalCBOR(op string, v interface{}) ([]byte, error) {
	body, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ipcproto: cbor marshal %s: %w", op, err)
	}
	fields := map[string]interface{}{}
	if err := cbor.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("ipcproto: cbor marshal %s: %w", op, err)
	}
	fields["op"] = op
	out, err := cbor.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("ipcproto: cbor marshal %s: %w", op, err)
	}
	return out, nil
}
