package mcp

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// SocketDialer connects to an MCP server listening on a stream socket, such as a TCP
// port or a unix domain socket.
type SocketDialer struct {
	Network string
	Address string

	Framing Framing
	// Timeout bounds connection establishment when the dial context has no deadline.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewSocket returns a SocketDialer for address on network ("tcp", "unix", ...).
func NewSocket(network, address string) *SocketDialer {
	return &SocketDialer{
		Network: network,
		Address: address,
	}
}

// Dial opens the socket.
func (d *SocketDialer) Dial(ctx context.Context) (Transport, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	network := d.Network
	if network == "" {
		network = "tcp"
	}

	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, network, d.Address)
	if err != nil {
		return nil, &ConnectionError{Target: network + "://" + d.Address, Err: err}
	}

	logger.Info("socket connected",
		slog.String("network", network),
		slog.String("remote", conn.RemoteAddr().String()),
	)

	return NewStreamTransport(conn, conn,
		WithFraming(d.Framing),
		WithStreamLogger(logger.With(slog.String("address", d.Address))),
	), nil
}
