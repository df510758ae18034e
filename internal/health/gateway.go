package health

import (
	"context"
	"errors"
)

// ErrGatewayDisconnected is returned when the signaling connection is down.
var ErrGatewayDisconnected = errors.New("gateway connection is down")

// ConnectionReporter reports whether a signaling connection is established.
type ConnectionReporter interface {
	IsConnected() bool
}

// GatewayChecker implements health checking for the signaling gateway
// connection.
type GatewayChecker struct {
	conn ConnectionReporter
}

// NewGatewayChecker creates a new gateway health checker.
func NewGatewayChecker(conn ConnectionReporter) *GatewayChecker {
	return &GatewayChecker{conn: conn}
}

// HealthCheck reports an error while the gateway connection is down.
// The transport reconnects on its own, so a transient failure here
// clears once the connection is re-established.
func (g *GatewayChecker) HealthCheck(ctx context.Context) error {
	if g.conn == nil {
		return errors.New("gateway connection not configured")
	}
	if !g.conn.IsConnected() {
		return ErrGatewayDisconnected
	}
	return nil
}
