// Package embedding provides a pluggable interface for embedding providers and
// the gateway that batches, paces and tags embedding calls.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/rcliao/layered-memory/internal/model"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Item is one embedding input. For images Payload is a URL or data URI.
type Item struct {
	Kind    model.ContentKind
	Payload string
}

// TextItem is shorthand for a text input.
func TextItem(s string) Item { return Item{Kind: model.KindText, Payload: s} }

// Provider computes embeddings for a batch of items with a given model.
// Implementations return exactly one vector per item or an error.
type Provider interface {
	Name() string
	Embed(ctx context.Context, modelName string, items []Item) ([]Vector, error)
}

var (
	// Configuration errors: retrying cannot help.
	ErrNoProvider         = errors.New("embedding provider not configured")
	ErrNoModel            = errors.New("no embedding model configured")
	ErrMissingCredentials = errors.New("embedding provider credentials missing or rejected")
	ErrUnsupportedKind    = errors.New("content kind not supported by provider")

	// ErrMalformedResponse marks a provider reply with missing or short vectors.
	ErrMalformedResponse = errors.New("malformed embedding response")
)

// IsConfigError reports whether err is a configuration failure that should be
// surfaced to the caller rather than retried later.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrNoProvider) ||
		errors.Is(err, ErrNoModel) ||
		errors.Is(err, ErrMissingCredentials) ||
		errors.Is(err, ErrUnsupportedKind)
}

// CosineSimilarity computes cosine similarity between two vectors. Mismatched
// lengths and zero-norm vectors score 0 and ok=false.
func CosineSimilarity(a, b Vector) (score float64, ok bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	s := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp rounding drift.
	return math.Max(-1, math.Min(1, s)), true
}

func statusError(provider string, code int, body []byte) error {
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return fmt.Errorf("%w: %s error %d: %s", ErrMissingCredentials, provider, code, string(body))
	}
	return fmt.Errorf("%s error %d: %s", provider, code, string(body))
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &httpStatusError{code: resp.StatusCode, body: b}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

type httpStatusError struct {
	code int
	body []byte
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("status %d", e.code) }

func wrapHTTP(provider string, err error) error {
	var se *httpStatusError
	if errors.As(err, &se) {
		return statusError(provider, se.code, se.body)
	}
	return fmt.Errorf("%s request failed: %w", provider, err)
}

// --- Ollama Provider ---

// OllamaProvider uses a local Ollama instance for text embeddings.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaProvider creates a provider using Ollama's batched /api/embed endpoint.
func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Embed(ctx context.Context, modelName string, items []Item) ([]Vector, error) {
	input := make([]string, len(items))
	for i, it := range items {
		if it.Kind == model.KindImage {
			return nil, fmt.Errorf("%w: ollama cannot embed %s", ErrUnsupportedKind, it.Kind)
		}
		input[i] = it.Payload
	}

	var result ollamaResponse
	if err := postJSON(ctx, p.client, p.baseURL+"/api/embed", nil, ollamaRequest{Model: modelName, Input: input}, &result); err != nil {
		return nil, wrapHTTP("ollama", err)
	}
	if len(result.Embeddings) != len(items) {
		return nil, fmt.Errorf("%w: ollama returned %d vectors for %d inputs", ErrMalformedResponse, len(result.Embeddings), len(items))
	}
	return result.Embeddings, nil
}

// --- OpenAI-compatible Provider ---

// OpenAIProvider uses any OpenAI-compatible embedding API. When a batch
// contains images, inputs are sent as {"text"} / {"image"} objects, the shape
// multimodal OpenAI-compatible endpoints accept.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type openaiEmbedRequest struct {
	Input any    `json:"input"`
	Model string `json:"model"`
}

type multimodalInput struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

const defaultOpenAIURL = "https://api.openai.com/v1"

// NewOpenAIProvider creates a provider using an OpenAI-compatible API. The
// hosted OpenAI endpoint requires an API key.
func NewOpenAIProvider(baseURL, apiKey string) (*OpenAIProvider, error) {
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	}
	if baseURL == defaultOpenAIURL && apiKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY is required for %s", ErrMissingCredentials, baseURL)
	}
	return &OpenAIProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Embed(ctx context.Context, modelName string, items []Item) ([]Vector, error) {
	req := openaiEmbedRequest{Model: modelName, Input: openaiInput(items)}

	var headers map[string]string
	if p.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + p.apiKey}
	}

	var result openaiEmbedResponse
	if err := postJSON(ctx, p.client, p.baseURL+"/embeddings", headers, req, &result); err != nil {
		return nil, wrapHTTP("openai", err)
	}
	if len(result.Data) != len(items) {
		return nil, fmt.Errorf("%w: openai returned %d vectors for %d inputs", ErrMalformedResponse, len(result.Data), len(items))
	}

	sort.Slice(result.Data, func(i, j int) bool { return result.Data[i].Index < result.Data[j].Index })
	out := make([]Vector, len(items))
	for i, d := range result.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func openaiInput(items []Item) any {
	multimodal := false
	for _, it := range items {
		if it.Kind == model.KindImage {
			multimodal = true
			break
		}
	}
	if !multimodal {
		texts := make([]string, len(items))
		for i, it := range items {
			texts[i] = it.Payload
		}
		return texts
	}

	objs := make([]multimodalInput, len(items))
	for i, it := range items {
		if it.Kind == model.KindImage {
			objs[i] = multimodalInput{Image: it.Payload}
		} else {
			objs[i] = multimodalInput{Text: it.Payload}
		}
	}
	return objs
}

// --- Factory ---

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider string // "ollama" | "openai"
	BaseURL  string
	APIKey   string
}

// NewProvider creates a provider from configuration. An empty provider name
// returns ErrNoProvider.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(cfg.BaseURL, cfg.APIKey)
	case "":
		return nil, ErrNoProvider
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNoProvider, cfg.Provider)
	}
}
