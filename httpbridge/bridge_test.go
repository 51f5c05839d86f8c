package httpbridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pywatt/pywatt-sdk-go/ipcproto"
)

func healthRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})
	mux.HandleFunc("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	})
	return mux
}

func TestHealthEndpointOverTransport(t *testing.T) {
	resp := Serve(context.Background(), healthRouter(), &ipcproto.HTTPRequest{
		RequestID: "R-health",
		Method:    "GET",
		URI:       "/health",
	})
	require.Equal(t, "R-health", resp.RequestID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Headers["Content-Type"], "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	require.Equal(t, "healthy", body["status"])
}

func TestBodyAndHeadersPassThrough(t *testing.T) {
	resp := Serve(context.Background(), healthRouter(), &ipcproto.HTTPRequest{
		RequestID: "R-echo",
		Method:    "POST",
		URI:       "/echo",
		Headers:   map[string][]string{"X-Test": {"yes"}},
		Body:      []byte("round trip"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []byte("round trip"), resp.Body)
}

func TestHandlerPanicBecomes500WithRequestID(t *testing.T) {
	resp := Serve(context.Background(), healthRouter(), &ipcproto.HTTPRequest{
		RequestID: "R-panic",
		Method:    "GET",
		URI:       "/panic",
	})
	require.Equal(t, "R-panic", resp.RequestID)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Empty(t, resp.Body)
}

func TestNotFoundPassesThrough(t *testing.T) {
	resp := Serve(context.Background(), healthRouter(), &ipcproto.HTTPRequest{
		RequestID: "R-404",
		Method:    "GET",
		URI:       "/missing",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
