package submit

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// DefaultTimeout bounds a single submission when none is configured.
const DefaultTimeout = 10 * time.Second

// isConnectivity reports whether err means the downstream could not be reached.
func isConnectivity(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// classifyTransport marks connectivity failures as Unavailable and leaves
// other errors unclassified.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if isConnectivity(err) {
		return Unavailable(err)
	}
	return err
}
