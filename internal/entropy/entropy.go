// Package entropy supplies uniform random floats to components that must make
// unbiased choices, with every value tagged by the source that produced it.
package entropy

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/vthunder/mend/internal/logging"
)

// Source tags
const (
	TagQRNG   = "qrng"
	TagCrypto = "crypto"
	TagPRNG   = "prng"
)

// Source yields a value in [0, 1) and the tag of the generator that produced
// it. Implementations never fail; a failing upstream falls back internally
// and reports a different tag.
type Source interface {
	Float(ctx context.Context) (float64, string)
}

// Generator is an upstream that can fail
type Generator interface {
	Fetch(ctx context.Context) (float64, error)
	Tag() string
}

// PRNG is a seeded, deterministic source. Safe for concurrent use.
type PRNG struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPRNG returns a PRNG seeded with seed. Equal seeds give equal sequences.
func NewPRNG(seed uint64) *PRNG {
	return &PRNG{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewPRNGFromCrypto returns a PRNG seeded from crypto/rand
func NewPRNGFromCrypto() *PRNG {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return NewPRNG(rand.Uint64())
	}
	return NewPRNG(binary.LittleEndian.Uint64(b[:]))
}

// Float implements Source
func (p *PRNG) Float(ctx context.Context) (float64, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64(), TagPRNG
}

// System reads from the operating system's CSPRNG
type System struct{}

// Fetch implements Generator
func (System) Fetch(ctx context.Context) (float64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	return unitFloat(binary.LittleEndian.Uint64(b[:])), nil
}

// Tag implements Generator
func (System) Tag() string { return TagCrypto }

// unitFloat maps 64 random bits to [0, 1) using the top 53
func unitFloat(u uint64) float64 {
	return float64(u>>11) / (1 << 53)
}

// Fallback draws from a primary generator and falls back to a PRNG when the
// primary fails. The returned tag tells the caller which one answered.
type Fallback struct {
	primary  Generator
	fallback Source
}

// WithFallback wraps primary. A nil fallback uses a crypto-seeded PRNG.
func WithFallback(primary Generator, fallback Source) *Fallback {
	if fallback == nil {
		fallback = NewPRNGFromCrypto()
	}
	return &Fallback{primary: primary, fallback: fallback}
}

// Float implements Source
func (f *Fallback) Float(ctx context.Context) (float64, string) {
	if f.primary != nil {
		v, err := f.primary.Fetch(ctx)
		if err == nil && v >= 0 && v < 1 {
			return v, f.primary.Tag()
		}
		if err != nil {
			logging.Debug("entropy", "%s unavailable, using fallback: %v", f.primary.Tag(), err)
		} else {
			logging.Warn("entropy", "%s returned out-of-range value %v, using fallback", f.primary.Tag(), v)
		}
	}
	return f.fallback.Float(ctx)
}
