package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"inferwire/internal/wire"
)

type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateClosed
)

// StreamTransport carries frames over connection-oriented byte streams (TCP).
//
// The Go runtime's network poller plays the role of the readiness reactor:
// each connection has a read loop reassembling frames from partial reads and a
// write loop flushing the buffered outbound bytes from their offset. Decoded
// frames travel through a single delivery channel and are handed to the
// handler only inside Progress, so the handler always runs on the goroutine
// driving the transport.
//
// A server instance tracks a single current peer: Send in the server role
// targets whichever connection registered most recently. Send may be called
// from a different goroutine than Progress; all connection and buffer state is
// mutated only under the owning locks.
type StreamTransport struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	opts    Options
	handler Handler
	server  bool
	started bool
	closed  bool
	ln      net.Listener
	peer    *streamConn
	conns   map[*streamConn]struct{}

	inbox chan wire.Message
	done  chan struct{}
	wg    sync.WaitGroup
}

type streamConn struct {
	t *StreamTransport
	c net.Conn

	mu    sync.Mutex
	flush *sync.Cond
	state connState
	tx    []byte
	txOff int

	// rx is touched only by this connection's read loop.
	rx []byte
}

// NewStream creates an unstarted stream transport.
func NewStream(log *zap.SugaredLogger) *StreamTransport {
	return &StreamTransport{
		log:   log,
		conns: make(map[*streamConn]struct{}),
		done:  make(chan struct{}),
	}
}

func (t *StreamTransport) StartServer(opts Options, h Handler) error {
	opts = opts.withDefaults()
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStart
	}
	t.opts = opts
	t.handler = h
	t.server = true
	t.started = true
	t.inbox = make(chan wire.Message, opts.MaxPollEvents)
	t.mu.Unlock()

	port := opts.ListenPort
	if port < 0 {
		port = 0
	}
	addr := fmt.Sprintf("%s:%d", opts.ListenHost, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	t.log.Infow("stream transport listening", "addr", ln.Addr().String())

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

func (t *StreamTransport) StartClient(opts Options, h Handler) error {
	opts = opts.withDefaults()
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStart
	}
	t.opts = opts
	t.handler = h
	t.server = false
	t.started = true
	t.inbox = make(chan wire.Message, opts.MaxPollEvents)
	t.mu.Unlock()

	addr := net.JoinHostPort(opts.ServerHost, strconv.Itoa(opts.ServerPort))
	c, err := net.DialTimeout("tcp", addr, opts.DialTimeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	t.register(c)
	t.log.Infow("stream transport connected", "addr", addr)
	return nil
}

// Addr returns the bound listen address, for servers started on port 0.
func (t *StreamTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *StreamTransport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-t.done:
			default:
				if !errors.Is(err, net.ErrClosed) {
					t.log.Warnw("accept failed", "error", err)
				}
			}
			return
		}
		t.log.Infow("peer connected", "remote", c.RemoteAddr().String())
		t.register(c)
	}
}

// register wires a fresh connection into the transport and starts its loops.
// The newest connection becomes the tracked peer for server-role sends.
func (t *StreamTransport) register(c net.Conn) {
	sc := &streamConn{t: t, c: c, state: stateConnected}
	sc.flush = sync.NewCond(&sc.mu)

	t.mu.Lock()
	t.conns[sc] = struct{}{}
	t.peer = sc
	t.mu.Unlock()

	t.wg.Add(2)
	go sc.readLoop()
	go sc.writeLoop()
}

// drop closes a connection and discards its state. If it was the tracked
// peer, that reference is cleared.
func (t *StreamTransport) drop(sc *streamConn, reason error) {
	sc.mu.Lock()
	if sc.state == stateClosed {
		sc.mu.Unlock()
		return
	}
	sc.state = stateClosed
	sc.flush.Broadcast()
	sc.mu.Unlock()
	_ = sc.c.Close()

	t.mu.Lock()
	delete(t.conns, sc)
	if t.peer == sc {
		t.peer = nil
	}
	t.mu.Unlock()

	if reason != nil && reason != io.EOF && !errors.Is(reason, net.ErrClosed) {
		t.log.Warnw("connection dropped", "remote", sc.c.RemoteAddr().String(), "error", reason)
		return
	}
	t.log.Infow("connection closed", "remote", sc.c.RemoteAddr().String())
}

func (sc *streamConn) readLoop() {
	t := sc.t
	defer t.wg.Done()
	scratch := make([]byte, 8192)
	for {
		n, err := sc.c.Read(scratch)
		if n > 0 {
			sc.rx = append(sc.rx, scratch[:n]...)
			for {
				msg, adv, derr := wire.Decode(sc.rx)
				if derr != nil {
					// Protocol violation: fatal to this connection only.
					t.drop(sc, derr)
					return
				}
				if adv == 0 {
					break // partial frame, wait for more bytes
				}
				sc.rx = append(sc.rx[:0], sc.rx[adv:]...)
				select {
				case t.inbox <- msg:
				case <-t.done:
					return
				}
			}
		}
		if err != nil {
			t.drop(sc, err)
			return
		}
	}
}

func (sc *streamConn) writeLoop() {
	t := sc.t
	defer t.wg.Done()
	var buf []byte
	for {
		sc.mu.Lock()
		for sc.txOff >= len(sc.tx) && sc.state != stateClosed {
			sc.flush.Wait()
		}
		if sc.state == stateClosed {
			sc.mu.Unlock()
			return
		}
		buf = append(buf[:0], sc.tx[sc.txOff:]...)
		sc.mu.Unlock()

		n, err := sc.c.Write(buf)

		sc.mu.Lock()
		sc.txOff += n
		if sc.txOff >= len(sc.tx) {
			sc.tx = sc.tx[:0]
			sc.txOff = 0
		}
		sc.mu.Unlock()
		if err != nil {
			t.drop(sc, err)
			return
		}
	}
}

func (t *StreamTransport) Send(reqID uint64, mt wire.MsgType, payload []byte) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrNotStarted
	}
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	sc := t.peer
	t.mu.Unlock()
	if sc == nil {
		return ErrNoPeer
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state == stateClosed {
		return ErrNoPeer
	}
	wasEmpty := sc.txOff >= len(sc.tx)
	sc.tx = wire.AppendFrame(sc.tx, reqID, mt, payload)
	if wasEmpty {
		sc.flush.Signal()
	}
	return nil
}

func (t *StreamTransport) Progress(timeout time.Duration) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrNotStarted
	}
	h := t.handler
	max := t.opts.MaxPollEvents
	t.mu.Unlock()

	delivered := 0
	for delivered < max {
		select {
		case msg := <-t.inbox:
			h(msg)
			delivered++
			continue
		case <-t.done:
			return ErrClosed
		default:
		}
		break
	}
	if delivered > 0 || timeout <= 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-t.inbox:
		h(msg)
		delivered++
		for delivered < max {
			select {
			case more := <-t.inbox:
				h(more)
				delivered++
				continue
			default:
			}
			break
		}
	case <-timer.C:
	case <-t.done:
		return ErrClosed
	}
	return nil
}

func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	ln := t.ln
	conns := make([]*streamConn, 0, len(t.conns))
	for sc := range t.conns {
		conns = append(conns, sc)
	}
	t.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, sc := range conns {
		t.drop(sc, nil)
	}
	t.wg.Wait()
	return nil
}
