// Package backend defines the inference backend contract and its two
// implementations: a deterministic synthetic generator and an HTTP bridge to
// an external llama-server completion endpoint.
package backend

import "context"

// InferRequest is one inference job as parsed by the dispatcher.
type InferRequest struct {
	ReqID       uint64
	MaxTokens   uint32
	CreditBytes uint32
	Prompt      string
}

// InferResult is produced exactly once per request.
type InferResult struct {
	// Tokens is the generated token count, 0 when the backend cannot know it.
	Tokens uint32
	// ElapsedUs is the backend-measured inference duration in microseconds.
	ElapsedUs uint64
	// Text is the full output, the concatenation of everything emitted.
	Text string
	// Err holds the backend error text when the call failed.
	Err string
}

// Backend is implemented by inference engines. InferStream is a blocking call
// that may invoke emit zero or more times before returning; emitted chunks are
// streamed to the client subject to credit, while Text carries the full output.
type Backend interface {
	Init() error
	// LoadModel prepares a local model. Backends that host no model may no-op.
	LoadModel(path string, ctxSize, threads int) error
	InferStream(ctx context.Context, req InferRequest, emit func(chunk string)) (InferResult, error)
}
