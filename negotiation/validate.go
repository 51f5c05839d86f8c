package negotiation

import (
	"fmt"
	"net"
)

// ValidateAddress rejects unspecified addresses (0.0.0.0, ::), broadcast
// addresses, and port 0, per the boundary check the protocol requires before
// a negotiated port is ever handed to a listener.
func ValidateAddress(host string, port int) error {
	if port == 0 {
		return fmt.Errorf("negotiation: port 0 is not a valid listen port")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Hostnames (e.g. "localhost") are not addresses this check applies
		// to; only literal IPs are validated.
		return nil
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("negotiation: unspecified address %s is not a valid listen address", host)
	}
	if isIPv4Broadcast(ip) {
		return fmt.Errorf("negotiation: broadcast address %s is not a valid listen address", host)
	}
	return nil
}

func isIPv4Broadcast(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[0] == 255 && v4[1] == 255 && v4[2] == 255 && v4[3] == 255
}
