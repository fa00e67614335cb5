package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LlamaOptions configures the llama-server HTTP bridge.
type LlamaOptions struct {
	// BaseURL of the llama-server instance, e.g. http://127.0.0.1:8080.
	BaseURL string
	// Endpoint tried first; /v1/completions is the fallback.
	Endpoint string
	// ChunkBytes is how the full completion text is re-chunked into streamed
	// chunks. Zero means 4096.
	ChunkBytes     int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

func (o LlamaOptions) withDefaults() LlamaOptions {
	if o.BaseURL == "" {
		o.BaseURL = "http://127.0.0.1:8080"
	}
	if o.Endpoint == "" {
		o.Endpoint = "/completion"
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = 4096
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Minute
	}
	return o
}

// LlamaServer bridges inference requests to an external llama-server over
// HTTP. The request/response schema is private to this backend; the core only
// sees the full text plus re-chunked emissions.
//
// Tried in order:
//
//	POST {base}{endpoint}       {"prompt": ..., "n_predict": N, "stream": false}
//	POST {base}/v1/completions  {"model": "", "prompt": ..., "max_tokens": N, "stream": false}
type LlamaServer struct {
	opts   LlamaOptions
	client *http.Client
	log    *zap.SugaredLogger
}

func NewLlamaServer(opts LlamaOptions, log *zap.SugaredLogger) *LlamaServer {
	opts = opts.withDefaults()
	tr := &http.Transport{
		Dial: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).Dial,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		DisableKeepAlives:   false,
	}
	return &LlamaServer{
		opts:   opts,
		client: &http.Client{Transport: tr, Timeout: opts.RequestTimeout},
		log:    log,
	}
}

func (l *LlamaServer) Init() error { return nil }

// LoadModel is a no-op: llama-server already has the model loaded.
func (l *LlamaServer) LoadModel(string, int, int) error { return nil }

func (l *LlamaServer) InferStream(ctx context.Context, req InferRequest, emit func(chunk string)) (InferResult, error) {
	start := time.Now()

	text, err := l.complete(ctx, l.opts.Endpoint, map[string]any{
		"prompt":    req.Prompt,
		"n_predict": req.MaxTokens,
		"stream":    false,
	})
	if err != nil {
		l.log.Warnw("primary completion endpoint failed, trying fallback",
			"endpoint", l.opts.Endpoint, "error", err)
		var ferr error
		text, ferr = l.complete(ctx, "/v1/completions", map[string]any{
			"model":      "",
			"prompt":     req.Prompt,
			"max_tokens": req.MaxTokens,
			"stream":     false,
		})
		if ferr != nil {
			joined := errors.Join(err, ferr)
			return InferResult{Err: joined.Error()}, joined
		}
	}

	// Re-chunk the full completion to mimic streaming toward the client.
	if emit != nil {
		for i := 0; i < len(text); i += l.opts.ChunkBytes {
			end := i + l.opts.ChunkBytes
			if end > len(text) {
				end = len(text)
			}
			emit(text[i:end])
		}
	}

	return InferResult{
		Tokens:    0, // unknown without server-provided metadata
		ElapsedUs: uint64(time.Since(start).Microseconds()),
		Text:      text,
	}, nil
}

func (l *LlamaServer) complete(ctx context.Context, endpoint string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding completion request: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, l.opts.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building completion request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")

	res, err := l.client.Do(r)
	if err != nil {
		return "", fmt.Errorf("llama-server request: %w", err)
	}
	defer func() {
		if cerr := res.Body.Close(); cerr != nil {
			l.log.Warnw("failed to close llama-server response body", "error", cerr)
		}
	}()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("reading llama-server response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet := raw
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return "", fmt.Errorf("llama-server status=%d body=%s", res.StatusCode, snippet)
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decoding llama-server response: %w", err)
	}
	return extractCompletion(parsed)
}

// extractCompletion pulls the completion text out of the common response
// shapes: llama.cpp classic fields first, then OpenAI-style choices[0].text.
func extractCompletion(m map[string]any) (string, error) {
	for _, key := range []string{"content", "response", "completion", "text"} {
		if s, ok := stringField(m, key); ok {
			return s, nil
		}
	}
	if choices, ok := m["choices"].([]any); ok {
		if first := firstMap(choices); first != nil {
			if s, ok := stringField(first, "text"); ok {
				return s, nil
			}
		}
	}
	return "", errors.New("could not parse completion text from response (unexpected schema)")
}

func stringField(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func firstMap(arr []any) map[string]any {
	if len(arr) > 0 {
		if m, ok := arr[0].(map[string]any); ok {
			return m
		}
	}
	return nil
}
