package backend

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// syntheticVocab is the word pool the generator draws from. Deterministic:
// the same prompt and max_tokens always produce the same output.
var syntheticVocab = []string{
	"stream", "token", "latency", "credit", "frame", "tensor", "prompt",
	"decode", "sample", "batch", "cache", "logit", "fabric", "worker",
}

// Synthetic is a deterministic token generator used for benchmarking and
// tests. It emits MaxTokens pseudo-tokens derived from the prompt, grouped
// into chunks of TokensPerChunk.
type Synthetic struct {
	// TokensPerChunk controls how many tokens each emitted chunk carries.
	// Zero means 4.
	TokensPerChunk int
	// TokenDelay, when non-zero, sleeps between chunks to mimic generation
	// latency.
	TokenDelay time.Duration
}

func (s *Synthetic) Init() error { return nil }

func (s *Synthetic) LoadModel(string, int, int) error { return nil }

func (s *Synthetic) InferStream(ctx context.Context, req InferRequest, emit func(chunk string)) (InferResult, error) {
	start := time.Now()
	perChunk := s.TokensPerChunk
	if perChunk <= 0 {
		perChunk = 4
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Prompt))
	seed := h.Sum64()

	var full strings.Builder
	var chunk strings.Builder
	for i := uint32(0); i < req.MaxTokens; i++ {
		if err := ctx.Err(); err != nil {
			return InferResult{Err: err.Error()}, err
		}
		word := syntheticVocab[(seed+uint64(i))%uint64(len(syntheticVocab))]
		tok := fmt.Sprintf("%s%d ", word, i)
		chunk.WriteString(tok)
		full.WriteString(tok)

		if (i+1)%uint32(perChunk) == 0 || i+1 == req.MaxTokens {
			if emit != nil {
				emit(chunk.String())
			}
			chunk.Reset()
			if s.TokenDelay > 0 {
				time.Sleep(s.TokenDelay)
			}
		}
	}

	return InferResult{
		Tokens:    req.MaxTokens,
		ElapsedUs: uint64(time.Since(start).Microseconds()),
		Text:      full.String(),
	}, nil
}
