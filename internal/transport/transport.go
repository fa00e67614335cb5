// Package transport provides the inferwire channel abstraction and its two
// implementations: a buffered TCP byte-stream transport and a tag-matched
// transport over a NATS messaging fabric.
package transport

import (
	"errors"
	"time"

	"inferwire/internal/wire"
)

// Handler receives decoded frames. It is only ever invoked from within
// Progress, on the calling goroutine, and never while a transport lock is held.
type Handler func(wire.Message)

// Options configures either role of either transport.
type Options struct {
	ListenHost string
	// ListenPort -1 selects an ephemeral port; 0 means the default.
	ListenPort int
	ServerHost string
	ServerPort int

	// FabricURL is the NATS URL for the tag-matched transport.
	FabricURL string
	// Channel names the tag namespace on the fabric. Both sides must agree.
	Channel string

	// MaxPollEvents caps how many messages one Progress call delivers.
	MaxPollEvents int

	// DialTimeout bounds client connection establishment.
	DialTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ListenHost == "" {
		o.ListenHost = "0.0.0.0"
	}
	if o.ListenPort == 0 {
		o.ListenPort = 9199
	}
	if o.ServerHost == "" {
		o.ServerHost = "127.0.0.1"
	}
	if o.ServerPort == 0 {
		o.ServerPort = 9199
	}
	if o.Channel == "" {
		o.Channel = "inferwire"
	}
	if o.MaxPollEvents <= 0 {
		o.MaxPollEvents = 256
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	return o
}

// Transport is an abstract message channel. A transport instance is driven by
// whichever goroutine calls Progress; Send may be called concurrently from
// other goroutines.
type Transport interface {
	// StartServer binds the listening side and installs the frame handler.
	StartServer(opts Options, h Handler) error
	// StartClient establishes a connection to the server and installs the
	// frame handler.
	StartClient(opts Options, h Handler) error
	// Send frames payload and queues or transmits it toward the peer. For the
	// server role the target is the single currently-registered peer.
	Send(reqID uint64, t wire.MsgType, payload []byte) error
	// Progress waits up to timeout for inbound frames and delivers them to the
	// handler on the calling goroutine.
	Progress(timeout time.Duration) error
	// Close tears the transport down and discards all connection state.
	Close() error
}

var (
	ErrClosed       = errors.New("transport: closed")
	ErrNoPeer       = errors.New("transport: no connected peer")
	ErrNotStarted   = errors.New("transport: not started")
	ErrAlreadyStart = errors.New("transport: already started")
)
