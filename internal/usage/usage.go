// Package usage records per-request inference outcomes to redis so operators
// can inspect recent traffic without scraping logs. Recording happens off the
// request path and is best-effort: failures are logged and dropped.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	recentKey    = "inferwire:usage:recent"
	recentKeep   = 1000
	tokensKey    = "inferwire:usage:tokens_total"
	bytesKey     = "inferwire:usage:bytes_total"
	requestsKey  = "inferwire:usage:requests_total"
	recordWindow = 5 * time.Second
)

// Entry is one completed request.
type Entry struct {
	ReqID     uint64    `json:"req_id"`
	Status    string    `json:"status"`
	Tokens    uint32    `json:"tokens"`
	Bytes     uint64    `json:"bytes"`
	ElapsedUs uint64    `json:"elapsed_us"`
	At        time.Time `json:"at"`
}

// Recorder writes usage entries to redis. A nil *Recorder is valid and
// records nothing, so callers never branch on whether usage is configured.
type Recorder struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

// New connects to redis at addr and verifies the connection.
func New(addr string, log *zap.SugaredLogger) (*Recorder, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("usage: redis ping: %w", err)
	}
	return &Recorder{rdb: rdb, log: log}, nil
}

// Record persists one entry. Safe to call on a nil receiver and safe to call
// from the dispatcher's worker goroutine; intended usage is `go rec.Record(e)`.
func (r *Recorder) Record(e Entry) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordWindow)
	defer cancel()

	raw, err := json.Marshal(e)
	if err != nil {
		r.log.Warnw("failed to encode usage entry", "error", err)
		return
	}

	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, recentKey, raw)
	pipe.LTrim(ctx, recentKey, 0, recentKeep-1)
	pipe.IncrBy(ctx, tokensKey, int64(e.Tokens))
	pipe.IncrBy(ctx, bytesKey, int64(e.Bytes))
	pipe.Incr(ctx, requestsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warnw("failed to record usage entry", "error", err, "req_id", e.ReqID)
	}
}

// Close releases the redis connection.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	if err := r.rdb.Close(); err != nil {
		r.log.Warnw("failed to close usage redis client", "error", err)
	}
}
