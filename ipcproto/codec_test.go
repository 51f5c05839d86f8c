package ipcproto

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/pywatt/pywatt-sdk-go/negotiation"
)

func TestMarshalInjectsOpTag(t *testing.T) {
	line, err := Marshal(OpHeartbeatAck, HeartbeatAck{Seq: 7})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &m))
	require.Equal(t, "heartbeat_ack", m["op"])
	require.Equal(t, float64(7), m["seq"])
}

func TestMarshalEmptyBody(t *testing.T) {
	line, err := Marshal(OpShutdown, Shutdown{})
	require.NoError(t, err)
	require.JSONEq(t, `{"op":"shutdown"}`, string(line))
}

func TestUnmarshalInboundVariants(t *testing.T) {
	in, err := UnmarshalInbound([]byte(`{"op":"heartbeat","seq":3}`))
	require.NoError(t, err)
	require.Equal(t, OpHeartbeat, in.Op)
	require.NotNil(t, in.Heartbeat)
	require.Equal(t, uint64(3), in.Heartbeat.Seq)

	in, err = UnmarshalInbound([]byte(`{"op":"init","orchestrator_api":"http://127.0.0.1:9900","module_id":"m1","listen":{"tcp":"127.0.0.1:9901"},"tcp_channel":{"address":"127.0.0.1:9902","required":true}}`))
	require.NoError(t, err)
	require.NotNil(t, in.Init)
	require.Equal(t, "m1", in.Init.ModuleID)
	require.Equal(t, "127.0.0.1:9901", in.Init.Listen.Tcp)
	require.False(t, in.Init.Listen.IsUnix())
	require.True(t, in.Init.TCPChannel.Required)

	in, err = UnmarshalInbound([]byte(`{"op":"port_response","request_id":"abc","success":true,"port":9911}`))
	require.NoError(t, err)
	require.NotNil(t, in.PortResponse)
	require.Equal(t, negotiation.PortResponse{RequestID: "abc", Success: true, Port: 9911}, *in.PortResponse)

	in, err = UnmarshalInbound([]byte(`{"op":"routed_module_message","source_module_id":"m2","original_request_id":"rid","payload":"aGk="}`))
	require.NoError(t, err)
	require.NotNil(t, in.RoutedModuleMessage)
	require.Equal(t, []byte("hi"), in.RoutedModuleMessage.Payload)
}

func TestUnmarshalInboundRejectsUnknownOp(t *testing.T) {
	_, err := UnmarshalInbound([]byte(`{"op":"launch_missiles"}`))
	var invalid *InvalidMessageError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "launch_missiles", invalid.Op)
}

func TestMarshalRoundTripThroughUnmarshal(t *testing.T) {
	req := HTTPRequest{
		RequestID: "r-1",
		Method:    "POST",
		URI:       "/things",
		Headers:   map[string][]string{"Content-Type": {"application/json"}},
		Body:      []byte(`{"k":"v"}`),
	}
	line, err := Marshal(OpHTTPRequest, req)
	require.NoError(t, err)

	in, err := UnmarshalInbound(line)
	require.NoError(t, err)
	require.NotNil(t, in.HTTPRequest)
	require.Equal(t, req, *in.HTTPRequest)
}

func TestLineReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLineWriter(&buf)
	require.NoError(t, lw.Send(OpHeartbeat, Heartbeat{Seq: 1}))
	require.NoError(t, lw.Send(OpShutdown, Shutdown{Reason: "done"}))

	lr := NewLineReader(&buf)
	first, err := lr.Next()
	require.NoError(t, err)
	require.NotNil(t, first.Heartbeat)

	second, err := lr.Next()
	require.NoError(t, err)
	require.NotNil(t, second.Shutdown)
	require.Equal(t, "done", second.Shutdown.Reason)

	_, err = lr.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestMarshalCBORInjectsOpTag(t *testing.T) {
	line, err := MarshalCBOR(OpRouteToModule, RouteToModule{
		TargetModuleID: "m2",
		RequestID:      "r-1",
		Payload:        []byte("hi"),
		NeedsResponse:  true,
	})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, cbor.Unmarshal(line, &m))
	require.Equal(t, "route_to_module", m["op"])
	require.Equal(t, "m2", m["target_module_id"])
	require.Equal(t, []byte("hi"), m["payload"])
}

func TestLineReaderSkipsBlankLines(t *testing.T) {
	lr := NewLineReader(bytes.NewBufferString("\n\n{\"op\":\"heartbeat\"}\n"))
	in, err := lr.Next()
	require.NoError(t, err)
	require.NotNil(t, in.Heartbeat)
}
