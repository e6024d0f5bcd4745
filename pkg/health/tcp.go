package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker probes the co-located application instance by attempting a
// raw TCP connection, for processes that expose no HTTP endpoint to check
// against. The agent registers one against Config.HealthCheckTCPAddr when
// it is set.
type TCPChecker struct {
	// Address is the host:port to connect to, e.g. "localhost:6379".
	Address string

	// Timeout caps the connection attempt.
	Timeout time.Duration
}

// NewTCPChecker builds a connection probe against address with a
// 5-second timeout.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

// WithTimeout replaces the connection timeout.
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

// Check attempts one connection and closes it immediately on success.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return unhealthyResult(start, fmt.Sprintf("connection failed: %v", err))
	}
	_ = conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type.
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
