// Package oracle provides the semantic oracle the engine consults for
// similarity scores and consolidation proposals: an Ollama-backed oracle, a
// lexical one that needs no model server, and a guard that paces calls and
// detects an unreachable backend.
package oracle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Oracle is what the reconciliation and crystallization engines consume
type Oracle interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
	Propose(ctx context.Context, summary string) (string, error)
}

// Embedder produces embeddings; *Client implements it
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Generator produces completions; *Client implements it
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Semantic scores similarity with embedding cosine and proposes through a
// generation model. Each Propose call samples with its own seed so parallel
// streams diverge.
type Semantic struct {
	embedder    Embedder
	generator   Generator
	temperature float64

	seed atomic.Int64

	mu       sync.Mutex
	cache    map[string][]float64
	maxCache int
}

// NewSemantic creates an embedding/generation oracle
func NewSemantic(embedder Embedder, generator Generator) *Semantic {
	s := &Semantic{
		embedder:    embedder,
		generator:   generator,
		temperature: 0.8,
		cache:       make(map[string][]float64),
		maxCache:    4096,
	}
	s.seed.Store(time.Now().UnixNano())
	return s
}

// SetTemperature changes the sampling temperature for proposals
func (s *Semantic) SetTemperature(t float64) {
	s.temperature = t
}

// Similarity returns the cosine similarity of the two texts' embeddings,
// clamped to [0, 1]
func (s *Semantic) Similarity(ctx context.Context, a, b string) (float64, error) {
	ea, err := s.embed(ctx, a)
	if err != nil {
		return 0, err
	}
	eb, err := s.embed(ctx, b)
	if err != nil {
		return 0, err
	}
	sim := CosineSimilarity(ea, eb)
	if sim < 0 {
		return 0, nil
	}
	if sim > 1 {
		return 1, nil
	}
	return sim, nil
}

func (s *Semantic) embed(ctx context.Context, text string) ([]float64, error) {
	s.mu.Lock()
	if e, ok := s.cache[text]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	e, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.cache) >= s.maxCache {
		s.cache = make(map[string][]float64)
	}
	s.cache[text] = e
	s.mu.Unlock()
	return e, nil
}

// Propose asks the generation model for one consolidation proposal
func (s *Semantic) Propose(ctx context.Context, summary string) (string, error) {
	return s.generator.Generate(ctx, proposalPrompt(summary), GenerateOptions{
		Temperature: s.temperature,
		Seed:        s.seed.Add(1),
	})
}
