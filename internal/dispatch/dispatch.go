// Package dispatch bridges inbound frames, the inference worker, and
// credit-based output throttling on the server side.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"inferwire/internal/backend"
	"inferwire/internal/metrics"
	"inferwire/internal/usage"
	"inferwire/internal/wire"
)

// Sender is the slice of the transport the dispatcher needs to emit response
// frames. Send must be safe to call from the worker goroutine while another
// goroutine drives the transport.
type Sender interface {
	Send(reqID uint64, t wire.MsgType, payload []byte) error
}

// Config tunes dispatcher defaults.
type Config struct {
	// DefaultMaxTokens replaces a zero max_tokens in a request. Zero means 128.
	DefaultMaxTokens uint32
	// DefaultCreditBytes replaces a zero credit_bytes. Zero means 256 KiB.
	DefaultCreditBytes uint32
	// BackendLabel names the backend in metrics and usage entries.
	BackendLabel string
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxTokens == 0 {
		c.DefaultMaxTokens = 128
	}
	if c.DefaultCreditBytes == 0 {
		c.DefaultCreditBytes = 256 << 10
	}
	if c.BackendLabel == "" {
		c.BackendLabel = "unknown"
	}
	return c
}

// Dispatcher owns a backend, a transport sender, a FIFO work queue, and one
// worker goroutine. The queue is the sole cross-thread handoff between the
// network context and the worker; the whole server processes one request at a
// time, in arrival order.
type Dispatcher struct {
	backend backend.Backend
	sender  Sender
	rec     *usage.Recorder
	log     *zap.SugaredLogger
	cfg     Config

	mu    sync.Mutex
	cond  *sync.Cond
	queue []backend.InferRequest
	stop  bool
	wg    sync.WaitGroup
}

func New(b backend.Backend, s Sender, rec *usage.Recorder, log *zap.SugaredLogger, cfg Config) *Dispatcher {
	d := &Dispatcher{
		backend: b,
		sender:  s,
		rec:     rec,
		log:     log,
		cfg:     cfg.withDefaults(),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.workerLoop()
}

// Stop asks the worker to exit once it finishes the item it already popped.
// Queued-but-unprocessed items are abandoned.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stop = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

// OnIncoming is the transport handler. Anything but REQ_INFER is ignored. A
// payload shorter than its declared prompt length is dropped without a
// response; the drop is logged and counted.
func (d *Dispatcher) OnIncoming(msg wire.Message) {
	if msg.Type != wire.ReqInfer {
		return
	}
	maxTokens, credit, prompt, err := wire.ParseInferRequest(msg.Payload)
	if err != nil {
		metrics.MalformedRequests.Inc()
		d.log.Warnw("dropping malformed inference request",
			"req_id", msg.ReqID, "payload_bytes", len(msg.Payload), "error", err)
		return
	}
	if maxTokens == 0 {
		maxTokens = d.cfg.DefaultMaxTokens
	}
	if credit == 0 {
		credit = d.cfg.DefaultCreditBytes
	}
	req := backend.InferRequest{
		ReqID:       msg.ReqID,
		MaxTokens:   maxTokens,
		CreditBytes: credit,
		Prompt:      prompt,
	}

	d.mu.Lock()
	d.queue = append(d.queue, req)
	metrics.QueueDepth.Set(float64(len(d.queue)))
	d.mu.Unlock()
	d.cond.Signal()
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for !d.stop && len(d.queue) == 0 {
			d.cond.Wait()
		}
		if d.stop {
			d.mu.Unlock()
			return
		}
		req := d.queue[0]
		d.queue = d.queue[1:]
		metrics.QueueDepth.Set(float64(len(d.queue)))
		d.mu.Unlock()

		d.handle(req)
	}
}

// handle runs one request end to end: stream chunks subject to credit, report
// a failure with one RESP_ERR, and always finish with exactly one RESP_DONE.
func (d *Dispatcher) handle(req backend.InferRequest) {
	start := time.Now()
	d.log.Infow("processing inference request",
		"req_id", req.ReqID, "prompt_bytes", len(req.Prompt),
		"max_tokens", req.MaxTokens, "credit_bytes", req.CreditBytes)

	var sentBytes uint64
	var droppedChunks int
	emit := func(chunk string) {
		if sentBytes+uint64(len(chunk)) > uint64(req.CreditBytes) {
			// Advisory backpressure: over-budget chunks are dropped, not
			// buffered or retried.
			droppedChunks++
			metrics.CreditDropped.Inc()
			return
		}
		if err := d.sender.Send(req.ReqID, wire.RespChunk, []byte(chunk)); err != nil {
			d.log.Warnw("failed to send chunk", "req_id", req.ReqID, "error", err)
			return
		}
		sentBytes += uint64(len(chunk))
		metrics.ChunksSent.Inc()
		metrics.BytesStreamed.Add(float64(len(chunk)))
	}

	res, err := d.backend.InferStream(context.Background(), req, emit)

	status := "success"
	if err != nil {
		status = "error"
		errText := res.Err
		if errText == "" {
			errText = err.Error()
		}
		d.log.Warnw("inference failed", "req_id", req.ReqID, "error", errText)
		if serr := d.sender.Send(req.ReqID, wire.RespErr, []byte(errText)); serr != nil {
			d.log.Warnw("failed to send error frame", "req_id", req.ReqID, "error", serr)
		}
	}

	elapsed := res.ElapsedUs
	if elapsed == 0 {
		elapsed = uint64(time.Since(start).Microseconds())
	}
	if serr := d.sender.Send(req.ReqID, wire.RespDone, wire.EncodeDone(res.Tokens, elapsed)); serr != nil {
		d.log.Warnw("failed to send done frame", "req_id", req.ReqID, "error", serr)
	}

	metrics.RequestDuration.WithLabelValues(d.cfg.BackendLabel).Observe(time.Since(start).Seconds())
	metrics.RequestCount.WithLabelValues(d.cfg.BackendLabel, status).Inc()
	metrics.CompletionTokens.WithLabelValues(d.cfg.BackendLabel).Add(float64(res.Tokens))

	go d.rec.Record(usage.Entry{
		ReqID:     req.ReqID,
		Status:    status,
		Tokens:    res.Tokens,
		Bytes:     sentBytes,
		ElapsedUs: elapsed,
		At:        time.Now(),
	})

	d.log.Infow("inference request finished",
		"req_id", req.ReqID, "status", status, "tokens", res.Tokens,
		"sent_bytes", sentBytes, "dropped_chunks", droppedChunks,
		"duration", time.Since(start).String())
}
