// Package httpbridge adapts HTTP requests proxied over a transport channel
// (ipcproto.HTTPRequest) to the module's net/http Router and converts the
// handler's output back into an ipcproto.HTTPResponse. The dispatcher
// always invokes the caller-supplied Router; the SDK fabricates no
// endpoints of its own, so a module that wants /health registers it on its
// Router like any other route.
package httpbridge

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/pywatt/pywatt-sdk-go/ipcproto"
)

// ToHTTPRequest converts a proxied request into a net/http request bound to
// ctx.
func ToHTTPRequest(ctx context.Context, req *ipcproto.HTTPRequest) (*http.Request, error) {
	var body bytes.Reader
	if len(req.Body) > 0 {
		body.Reset(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URI, &body)
	if err != nil {
		return nil, fmt.Errorf("httpbridge: building request %s: %w", req.RequestID, err)
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	return httpReq, nil
}

// responseCapture implements http.ResponseWriter, buffering what the
// handler writes so it can be shipped back over the channel as one message.
type responseCapture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseCapture() *responseCapture {
	return &responseCapture{header: make(http.Header), status: http.StatusOK}
}

func (r *responseCapture) Header() http.Header { return r.header }

func (r *responseCapture) WriteHeader(status int) { r.status = status }

func (r *responseCapture) Write(p []byte) (int, error) { return r.body.Write(p) }

// Serve runs one proxied request through router and returns the response to
// put back on the channel. The request_id is echoed unchanged. A handler
// panic or malformed request becomes a 500 carrying the original id, never
// a dropped response.
func Serve(ctx context.Context, router http.Handler, req *ipcproto.HTTPRequest) *ipcproto.HTTPResponse {
	resp := &ipcproto.HTTPResponse{RequestID: req.RequestID}

	httpReq, err := ToHTTPRequest(ctx, req)
	if err != nil {
		log.WithPrefix("httpbridge").Errorf("bad proxied request %s: %v", req.RequestID, err)
		resp.StatusCode = http.StatusInternalServerError
		return resp
	}

	capture := newResponseCapture()
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithPrefix("httpbridge").Errorf("handler panic on %s %s: %v", req.Method, req.URI, r)
				capture.status = http.StatusInternalServerError
				capture.body.Reset()
			}
		}()
		router.ServeHTTP(capture, httpReq)
	}()

	resp.StatusCode = capture.status
	if len(capture.header) > 0 {
		resp.Headers = map[string][]string(capture.header)
	}
	if capture.body.Len() > 0 {
		resp.Body = capture.body.Bytes()
	}
	return resp
}
