package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"inferwire/internal/wire"
)

// Direction tags. The fabric matches messages to receivers by tag, not by
// connection identity; requests and responses travel on separate tags.
const (
	TagReq  uint64 = 0x1F570001
	TagResp uint64 = 0x1F570002
)

const tagFlushTimeout = 5 * time.Second

func tagSubject(channel string, tag uint64) string {
	return fmt.Sprintf("%s.%016x", channel, tag)
}

// TagTransport carries frames over an asynchronous message fabric (NATS),
// matched by direction tag instead of per-connection stream framing.
//
// Send publishes the frame on its tag and then drives the fabric's flush
// engine until the operation is on the wire, so it is synchronous from the
// caller's point of view. Progress drains every already-matched message for
// this role's receive tag, copying each into a reusable buffer grown (never
// shrunk) to the largest message seen, and blocks on the fabric only when
// idle, bounded by the timeout.
//
// One endpoint per instance: a server assumes a single logical client per
// channel, since the response tag carries no peer identity. The fabric is
// assumed to preserve per-tag publish order.
type TagTransport struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	opts    Options
	handler Handler
	server  bool
	started bool
	closed  bool
	nc      *nats.Conn
	sub     *nats.Subscription
	rxBuf   []byte
}

// NewTag creates an unstarted tag-matched transport.
func NewTag(log *zap.SugaredLogger) *TagTransport {
	return &TagTransport{log: log}
}

func (t *TagTransport) StartServer(opts Options, h Handler) error {
	return t.start(opts, h, true)
}

func (t *TagTransport) StartClient(opts Options, h Handler) error {
	return t.start(opts, h, false)
}

func (t *TagTransport) start(opts Options, h Handler, server bool) error {
	opts = opts.withDefaults()
	url := opts.FabricURL
	if url == "" {
		url = nats.DefaultURL
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStart
	}

	role := "client"
	recvTag := TagResp
	if server {
		role = "server"
		recvTag = TagReq
	}

	nc, err := nats.Connect(url,
		nats.Name("inferwire-"+role),
		nats.Timeout(opts.DialTimeout),
	)
	if err != nil {
		return fmt.Errorf("fabric connect %s: %w", url, err)
	}
	sub, err := nc.SubscribeSync(tagSubject(opts.Channel, recvTag))
	if err != nil {
		nc.Close()
		return fmt.Errorf("fabric subscribe: %w", err)
	}
	// Inbound volume is unbounded by design; only outbound credit throttles.
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		nc.Close()
		return fmt.Errorf("fabric pending limits: %w", err)
	}

	t.opts = opts
	t.handler = h
	t.server = server
	t.started = true
	t.nc = nc
	t.sub = sub
	t.log.Infow("tag transport started", "role", role, "fabric", url, "channel", opts.Channel)
	return nil
}

func (t *TagTransport) Send(reqID uint64, mt wire.MsgType, payload []byte) error {
	frame := wire.EncodeFrame(reqID, mt, payload)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return ErrNotStarted
	}
	if t.closed {
		return ErrClosed
	}
	// The role decides the direction: clients publish on the request tag,
	// servers on the response tag.
	tag := TagReq
	if t.server {
		tag = TagResp
	}
	if err := t.nc.Publish(tagSubject(t.opts.Channel, tag), frame); err != nil {
		return fmt.Errorf("fabric send: %w", err)
	}
	// Block until the fabric has completed the operation.
	if err := t.nc.FlushTimeout(tagFlushTimeout); err != nil {
		return fmt.Errorf("fabric flush: %w", err)
	}
	return nil
}

func (t *TagTransport) Progress(timeout time.Duration) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrNotStarted
	}
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	h := t.handler
	sub := t.sub
	max := t.opts.MaxPollEvents

	// Drain everything the fabric has already matched for our tag.
	var msgs []wire.Message
	for len(msgs) < max {
		pending, _, err := sub.Pending()
		if err != nil {
			t.mu.Unlock()
			return t.mapSubErr(err)
		}
		if pending == 0 {
			break
		}
		m, err := sub.NextMsg(time.Millisecond)
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				break
			}
			t.mu.Unlock()
			return t.mapSubErr(err)
		}
		if msg, ok := t.decodeLocked(m.Data); ok {
			msgs = append(msgs, msg)
		}
	}
	t.mu.Unlock()

	// Handler runs strictly outside the lock: it may call Send.
	for _, m := range msgs {
		h(m)
	}
	if len(msgs) > 0 || timeout <= 0 {
		return nil
	}

	// Idle: wait on the fabric wakeup for the next match, bounded by timeout.
	m, err := sub.NextMsg(timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil
		}
		return t.mapSubErr(err)
	}

	t.mu.Lock()
	msg, ok := t.decodeLocked(m.Data)
	t.mu.Unlock()
	if ok {
		h(msg)
	}
	return nil
}

// decodeLocked validates one matched message. The fabric already consumed the
// message, so every malformed shape (runt, magic/version mismatch, oversized
// or truncated payload) is drained and discarded without delivery; the
// endpoint stays alive. Caller holds t.mu.
func (t *TagTransport) decodeLocked(data []byte) (wire.Message, bool) {
	if len(data) < wire.HeaderSize {
		t.log.Warnw("discarding runt tagged message", "bytes", len(data))
		return wire.Message{}, false
	}
	if len(data) > len(t.rxBuf) {
		t.rxBuf = make([]byte, len(data))
	}
	n := copy(t.rxBuf, data)
	msg, adv, err := wire.Decode(t.rxBuf[:n])
	if err != nil {
		t.log.Warnw("discarding malformed tagged message", "bytes", len(data), "error", err)
		return wire.Message{}, false
	}
	if adv == 0 {
		t.log.Warnw("discarding truncated tagged message", "bytes", len(data))
		return wire.Message{}, false
	}
	return msg, true
}

func (t *TagTransport) mapSubErr(err error) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return ErrClosed
	}
	return fmt.Errorf("fabric progress: %w", err)
}

// teardownLocked releases the fabric endpoint. Caller holds t.mu.
func (t *TagTransport) teardownLocked() {
	if t.closed {
		return
	}
	t.closed = true
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	if t.nc != nil {
		t.nc.Close()
	}
}

func (t *TagTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardownLocked()
	return nil
}
