// Package transport defines the point-to-point link contract the connection
// manager consumes. Implementations live in subpackages.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrPeerUnavailable means the signaling layer does not know the peer.
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrNetwork covers dial failures and dropped links.
	ErrNetwork = errors.New("network error")
	// ErrServer is a signaling endpoint failure.
	ErrServer = errors.New("signaling server error")
	// ErrIDTaken is returned by Register when another node holds the identity.
	ErrIDTaken = errors.New("identity unavailable")
	// ErrSignalLost is reported through Handler.SignalLost.
	ErrSignalLost = errors.New("signaling connection lost")
	ErrNotRegistered = errors.New("transport not registered")
	ErrClosed        = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Retryable reports whether err is a network or server class failure that
// warrants backoff and fallback rather than surfacing to the caller.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServer) || errors.Is(err, ErrSignalLost)
}

// Endpoint names a signaling service. Direct endpoints have no service: the
// node self-assigns its identity and peers are dialled from a static book.
type Endpoint struct {
	Name   string
	Addr   string
	Direct bool
}

// Sender is the part of a live session the distribution engine needs.
type Sender interface {
	PeerID() string
	Send(payload []byte) error
}

type Conn interface {
	Sender
	// ID is a per-connection handle, distinct across reconnects to one peer.
	ID() string
	// Receive blocks until a payload arrives, the connection closes or ctx ends.
	Receive(ctx context.Context) ([]byte, error)
	Open() bool
	Close() error
}

// Handler receives transport-level events. Calls may arrive on any goroutine.
type Handler interface {
	Incoming(c Conn)
	SignalLost(err error)
}

type Transport interface {
	// Register announces the node on ep. An empty id asks the endpoint to
	// assign one; the effective id is returned.
	Register(ctx context.Context, ep Endpoint, id string) (string, error)
	// Reconnect re-establishes signaling on the current endpoint keeping the id.
	Reconnect(ctx context.Context) error
	Connect(ctx context.Context, peerID string) (Conn, error)
	Online() bool
	SetHandler(h Handler)
	Close() error
}
