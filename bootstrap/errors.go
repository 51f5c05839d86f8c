package bootstrap

import (
	"fmt"

	"github.com/pywatt/pywatt-sdk-go/transport"
)

// InitFailedError reports that the InitBlob could not be read or parsed.
type InitFailedError struct {
	Err error
}

func (e *InitFailedError) Error() string { return fmt.Sprintf("bootstrap: init failed: %v", e.Err) }
func (e *InitFailedError) Unwrap() error { return e.Err }

// RequiredChannelFailedError is fatal: a channel the orchestrator marked
// required could not be connected.
type RequiredChannelFailedError struct {
	ChannelType transport.ChannelType
	Err         error
}

func (e *RequiredChannelFailedError) Error() string {
	return fmt.Sprintf("bootstrap: required %s channel failed: %v", e.ChannelType, e.Err)
}
func (e *RequiredChannelFailedError) Unwrap() error { return e.Err }

// NoChannelsAvailableError reports that channels were advertised but none
// could be connected.
type NoChannelsAvailableError struct{}

func (*NoChannelsAvailableError) Error() string { return "bootstrap: no channels available" }

// Exit codes for the process boundary: non-zero on handshake or
// required-channel failure, zero on a clean shutdown signal.
const (
	ExitOK             = 0
	ExitInitFailed     = 1
	ExitChannelFailed  = 2
	ExitDispatchFailed = 3
)

// ExitCode maps a Serve error to the module process's exit code.
func ExitCode(err error) int {
	switch err.(type) {
	case nil:
		return ExitOK
	case *InitFailedError:
		return ExitInitFailed
	case *RequiredChannelFailedError, *NoChannelsAvailableError:
		return ExitChannelFailed
	default:
		return ExitDispatchFailed
	}
}
