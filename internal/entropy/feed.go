package entropy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vthunder/mend/internal/faults"
	"github.com/vthunder/mend/internal/logging"
)

// DefaultFeedURL returns four 16-bit words per request, enough for one float
const DefaultFeedURL = "https://qrng.anu.edu.au/API/jsonI.php?length=4&type=uint16"

// Feed fetches quantum random numbers from an HTTP API speaking the ANU QRNG
// JSON format. Repeated failures open a circuit breaker so a dead feed costs
// nothing until it is probed again.
type Feed struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewFeed creates a feed client. An empty url uses DefaultFeedURL.
func NewFeed(url string, timeout time.Duration) *Feed {
	if url == "" {
		url = DefaultFeedURL
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Feed{
		url:    url,
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "entropy-feed",
			MaxRequests: 1,
			Timeout:     5 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Info("entropy", "breaker %s: %v -> %v", name, from, to)
			},
		}),
	}
}

// Tag implements Generator
func (f *Feed) Tag() string { return TagQRNG }

type feedResponse struct {
	Data    []uint64 `json:"data"`
	Success bool     `json:"success"`
}

// Fetch implements Generator
func (f *Feed) Fetch(ctx context.Context) (float64, error) {
	v, err := f.breaker.Execute(func() (any, error) {
		return f.fetch(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (f *Feed) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("qrng request: %w: %w", faults.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("qrng error (status %d): %s", resp.StatusCode, string(body))
	}

	var result feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode qrng response: %w: %w", faults.ErrMalformed, err)
	}
	if !result.Success || len(result.Data) == 0 {
		return 0, fmt.Errorf("qrng response: %w: no data", faults.ErrMalformed)
	}

	// Pack the 16-bit words into one 64-bit value
	var u uint64
	for _, w := range result.Data {
		u = u<<16 | (w & 0xffff)
	}
	if len(result.Data) < 4 {
		u <<= 16 * uint(4-len(result.Data))
	}
	return unitFloat(u), nil
}
