// Package negotiation implements the stdout/stdin port-negotiation protocol
// a module uses to ask the orchestrator for a listening port, plus the
// circuit breaker that protects it under sustained failure. The request/
// response correlation and single-shot reply channel are modeled on
// client2/connection.go's getConsensus, which sends a packet and blocks on a
// dedicated reply channel keyed by the outstanding request.
package negotiation

import "time"

// Reserved protocol constants.
const (
	// NegotiationPort is carried over from the original deployment's
	// TCP-based negotiation fallback; the stdio line protocol used here
	// does not dial it, but bootstrap configurations may still surface it
	// for parity with orchestrators that expect the field.
	NegotiationPort = 9998

	InitialTimeout = 3 * time.Second
	MaxTimeout     = 10 * time.Second
	MaxRetries     = 3

	CircuitBreakerThreshold = 5
	CircuitBreakerResetSecs = 60

	FallbackPortRangeStart = 10000
	FallbackPortRangeEnd   = 11000
)

// AutoAssigned is the wildcard request_id the orchestrator may reply with
// when it does not echo the caller's id back.
const AutoAssigned = "auto-assigned"

// PortRequest asks the orchestrator to allocate a listening port.
type PortRequest struct {
	RequestID    string `json:"request_id"`
	SpecificPort *int   `json:"specific_port,omitempty"`
}

// PortResponse is the orchestrator's reply to a PortRequest.
type PortResponse struct {
	RequestID    string `json:"request_id"`
	Success      bool   `json:"success"`
	Port         int    `json:"port"`
	ErrorMessage string `json:"error_message,omitempty"`
}
