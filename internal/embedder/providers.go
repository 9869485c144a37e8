package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dshills/knowledge-engine/pkg/types"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderLocal  = "local"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultOllamaModel = "nomic-embed-text"

	// Default endpoints
	DefaultJinaBaseURL   = "https://api.jina.ai/v1"
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOllamaBaseURL = "http://localhost:11434"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	OllamaDimension = 768
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize = 50
	MaxBatchSize     = 100

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0
)

// HTTPProvider calls an OpenAI-compatible /embeddings endpoint through the
// go-openai client. Jina and OpenAI share the wire format.
type HTTPProvider struct {
	name       string
	model      string
	dimension  int
	client     *openai.Client
	httpClient *http.Client
	retry      RetryConfig
}

// NewOpenAIProvider creates an OpenAI embedder. An empty baseURL uses the
// public API.
func NewOpenAIProvider(apiKey, baseURL, model string) (*HTTPProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai", ErrNoAPIKey)
	}
	return newHTTPProvider(ProviderOpenAI, apiKey, orDefault(baseURL, DefaultOpenAIBaseURL),
		orDefault(model, DefaultOpenAIModel), OpenAIDimension), nil
}

// NewJinaProvider creates a Jina AI embedder.
func NewJinaProvider(apiKey, baseURL, model string) (*HTTPProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: jina", ErrNoAPIKey)
	}
	return newHTTPProvider(ProviderJina, apiKey, orDefault(baseURL, DefaultJinaBaseURL),
		orDefault(model, DefaultJinaModel), JinaDimension), nil
}

func newHTTPProvider(name, apiKey, baseURL, model string, dim int) *HTTPProvider {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = httpClient
	return &HTTPProvider{
		name:       name,
		model:      model,
		dimension:  dim,
		client:     openai.NewClientWithConfig(cfg),
		httpClient: httpClient,
		retry:      DefaultRetryConfig(),
	}
}

// Embed implements Provider.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) > MaxBatchSize {
		return nil, types.Permanent(fmt.Errorf("batch of %d exceeds limit %d", len(texts), MaxBatchSize))
	}
	return retryWithBackoff(ctx, p.retry, func() ([][]float32, error) {
		return p.callAPI(ctx, texts)
	})
}

func (p *HTTPProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, clientError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: %s returned %d embeddings, expected %d",
			types.ErrProvider, p.name, len(resp.Data), len(texts))
	}

	// The API may return items out of order; index is authoritative.
	sort.SliceStable(resp.Data, func(i, j int) bool {
		return resp.Data[i].Index < resp.Data[j].Index
	})
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// clientError maps a go-openai failure onto the error taxonomy.
func clientError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if code, ok := apiErr.Code.(string); ok && code != "" {
			msg = code + ": " + msg
		}
		return statusError(apiErr.HTTPStatusCode, []byte(msg))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(reqErr.HTTPStatusCode, reqErr.Body)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: api call: %v", types.ErrProvider, err)
}

// Info implements Describer.
func (p *HTTPProvider) Info() Info {
	return Info{Name: p.name, Model: p.model, Dimension: p.dimension}
}

// Close releases idle connections.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// OllamaProvider calls a local Ollama server's /api/embed endpoint.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	retry      RetryConfig
}

// NewOllamaProvider creates an Ollama embedder.
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{
		baseURL: strings.TrimRight(orDefault(baseURL, DefaultOllamaBaseURL), "/"),
		model:   orDefault(model, DefaultOllamaModel),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		retry: DefaultRetryConfig(),
	}
}

// Embed implements Provider.
func (o *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return retryWithBackoff(ctx, o.retry, func() ([][]float32, error) {
		return o.callAPI(ctx, texts)
	})
}

func (o *OllamaProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model": o.model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, bodyBytes)
	}

	var apiResp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return apiResp.Embeddings, nil
}

// Info implements Describer.
func (o *OllamaProvider) Info() Info {
	return Info{Name: ProviderOllama, Model: o.model, Dimension: OllamaDimension}
}

// Close releases idle connections.
func (o *OllamaProvider) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

// statusError maps an HTTP failure to the error taxonomy. Requests the
// provider refuses on their merits are permanent; the rest may succeed later.
func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusBadRequest,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity,
		strings.Contains(lower, "content_policy"),
		strings.Contains(lower, "content policy"):
		return fmt.Errorf("%w: api error %d: %s", types.ErrRejected, status, msg)
	default:
		return fmt.Errorf("%w: api error %d: %s", types.ErrProvider, status, msg)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
