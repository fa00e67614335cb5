// Package client implements the inferwire client correlation layer: request
// ID generation, response demultiplexing, and latency measurement.
package client

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"inferwire/internal/transport"
	"inferwire/internal/wire"
)

// ErrTimeout is returned when a request's completion marker did not arrive
// within the caller's deadline.
var ErrTimeout = errors.New("client: timed out waiting for completion")

const defaultPollInterval = 50 * time.Millisecond

// Client supports exactly one outstanding request at a time; there is no
// pipelining. It is single-threaded: Do drives the transport and every frame
// is delivered on Do's goroutine, so no locking is needed here. Request IDs
// are unique within this process's lifetime only.
type Client struct {
	tr  transport.Transport
	log *zap.SugaredLogger

	// OnChunk, when set, is invoked for every chunk of the outstanding
	// request as it arrives, before completion.
	OnChunk func(chunk string)

	// PollInterval bounds each Progress call inside Do. Zero means 50ms.
	PollInterval time.Duration

	nextID uint64

	// State of the outstanding request.
	cur      uint64
	text     strings.Builder
	done     bool
	doneInfo wire.Done
	errText  string
}

// Result is the outcome of one completed request.
type Result struct {
	// Text is the concatenation of every received chunk payload.
	Text string
	// Tokens and ServerElapsedUs come from the RESP_DONE payload.
	Tokens          uint32
	ServerElapsedUs uint64
	// Latency is measured from send to RESP_DONE arrival.
	Latency time.Duration
	// ErrText is the RESP_ERR payload when the server reported a failure.
	ErrText string
}

// Failed reports whether the server sent a RESP_ERR for this request.
func (r Result) Failed() bool { return r.ErrText != "" }

// Dial starts the transport in the client role and returns a correlation
// layer bound to it.
func Dial(tr transport.Transport, opts transport.Options, log *zap.SugaredLogger) (*Client, error) {
	c := &Client{
		tr:  tr,
		log: log,
		// Seed from the clock so ids differ across process restarts.
		nextID: uint64(time.Now().UnixMicro()),
	}
	if err := tr.StartClient(opts, c.onMessage); err != nil {
		return nil, err
	}
	return c, nil
}

// Do sends one inference request and blocks, polling the transport, until the
// terminal RESP_DONE arrives or timeout elapses. A RESP_ERR records the
// failure but the wait still ends on RESP_DONE, which is the authoritative
// end-of-stream marker.
func (c *Client) Do(prompt string, maxTokens, creditBytes uint32, timeout time.Duration) (Result, error) {
	c.nextID++
	id := c.nextID
	c.text.Reset()
	c.done = false
	c.errText = ""
	c.doneInfo = wire.Done{}
	c.cur = id

	poll := c.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	sentAt := time.Now()
	if err := c.tr.Send(id, wire.ReqInfer, wire.EncodeInferRequest(maxTokens, creditBytes, prompt)); err != nil {
		return Result{}, err
	}

	deadline := sentAt.Add(timeout)
	for !c.done {
		if timeout > 0 && !time.Now().Before(deadline) {
			return Result{}, ErrTimeout
		}
		wait := poll
		if timeout > 0 {
			if rem := time.Until(deadline); rem < wait {
				wait = rem
			}
		}
		if err := c.tr.Progress(wait); err != nil {
			return Result{}, err
		}
	}

	return Result{
		Text:            c.text.String(),
		Tokens:          c.doneInfo.Tokens,
		ServerElapsedUs: c.doneInfo.ElapsedUs,
		Latency:         time.Since(sentAt),
		ErrText:         c.errText,
	}, nil
}

// onMessage demultiplexes inbound frames. Frames for any request other than
// the outstanding one are stale leftovers from an abandoned request and are
// discarded.
func (c *Client) onMessage(msg wire.Message) {
	if msg.ReqID != c.cur {
		c.log.Debugw("discarding stale frame", "req_id", msg.ReqID, "type", msg.Type.String())
		return
	}
	switch msg.Type {
	case wire.RespChunk:
		c.text.Write(msg.Payload)
		if c.OnChunk != nil {
			c.OnChunk(string(msg.Payload))
		}
	case wire.RespErr:
		c.errText = string(msg.Payload)
		c.log.Warnw("server reported error", "req_id", msg.ReqID, "error", c.errText)
	case wire.RespDone:
		d, err := wire.ParseDone(msg.Payload)
		if err != nil {
			c.log.Warnw("malformed done payload", "req_id", msg.ReqID, "error", err)
		}
		c.doneInfo = d
		c.done = true
	}
}

// Close tears down the underlying transport.
func (c *Client) Close() error { return c.tr.Close() }
