package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"syscall"
	"time"

	"github.com/vthunder/mend/internal/faults"
)

// Models used when none are configured
const (
	DefaultEmbedModel    = "nomic-embed-text"
	DefaultGenerateModel = "llama3.2"
)

// Client talks to an Ollama server for embeddings and generation
type Client struct {
	baseURL         string
	model           string
	generationModel string
	client          *http.Client
}

// NewClient creates a new Ollama client
func NewClient(baseURL, model, generationModel string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = DefaultEmbedModel
	}
	if generationModel == "" {
		generationModel = DefaultGenerateModel
	}
	return &Client{
		baseURL:         baseURL,
		model:           model,
		generationModel: generationModel,
		client: &http.Client{
			Timeout: 120 * time.Second, // generation can take longer; callers set tighter deadlines
		},
	}
}

// embeddingRequest is the Ollama API request format
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embeddingResponse is the Ollama API response format
type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("embed: %w: empty text", faults.ErrMalformed)
	}

	var result embeddingResponse
	if err := c.post(ctx, "/api/embeddings", embeddingRequest{Model: c.model, Prompt: text}, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("embed: %w: empty embedding returned", faults.ErrMalformed)
	}
	return result.Embedding, nil
}

// GenerateOptions control sampling for one generation call
type GenerateOptions struct {
	Temperature float64 `json:"temperature"`
	Seed        int64   `json:"seed,omitempty"`
}

// generateRequest is the Ollama API request format for generation
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Format  string          `json:"format,omitempty"`
	Options GenerateOptions `json:"options"`
}

// generateResponse is the Ollama API response format for generation
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate creates a JSON-formatted completion
func (c *Client) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("generate: %w: empty prompt", faults.ErrMalformed)
	}

	req := generateRequest{
		Model:   c.generationModel,
		Prompt:  prompt,
		Format:  "json",
		Options: opts,
	}
	var result generateResponse
	if err := c.post(ctx, "/api/generate", req, &result); err != nil {
		return "", err
	}
	return result.Response, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return statusError(resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w: %w", faults.ErrMalformed, err)
	}
	return nil
}

// statusError maps an HTTP status onto the fault taxonomy
func statusError(status int, body string) error {
	base := fmt.Errorf("ollama error (status %d): %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", faults.ErrRateLimited, base)
	case status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %w", faults.ErrBusy, base)
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %w", faults.ErrTimeout, base)
	case status == http.StatusNotFound:
		// Model not pulled: nothing will work until an operator fixes it
		return fmt.Errorf("%w: %w", faults.ErrUnavailable, base)
	}
	return base
}

func classifyTransport(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("ollama request: %w: %w", faults.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("ollama request: %w", err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("ollama request: %w: %w", faults.ErrUnavailable, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("ollama request: %w: %w", faults.ErrTimeout, err)
	}
	return fmt.Errorf("ollama request: %w", err)
}

// CosineSimilarity computes similarity between two embeddings (-1 to 1)
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
