package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"chat_gateway/internal/logging"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDefaultTimeout = 60 * time.Second
)

// OpenAIConfig holds the settings for an OpenAI-compatible backend.
type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	DefaultModel   string
	RequestTimeout time.Duration
}

// OpenAIProvider streams chat completions from an OpenAI-compatible API.
type OpenAIProvider struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	logger       *logging.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider instance.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("api key is required for OpenAI provider")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = openAIDefaultTimeout
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &OpenAIProvider{
		name:         "openai",
		apiKey:       config.APIKey,
		baseURL:      baseURL,
		defaultModel: config.DefaultModel,
		client:       client,
		logger:       logging.NewLogger("providers.openai"),
	}, nil
}

// Name returns the backend identifier.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// StreamChat starts a streamed chat completion.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req ChatRequest) (ChunkStream, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	payload := map[string]any{
		"model":    model,
		"messages": req.Messages,
		"stream":   true,
		// Ask for the usage frame at the end of the stream.
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		p.logger.Error("upstream rejected request", "status", resp.StatusCode, "model", model)
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return newOpenAIStream(resp.Body, p.name, model), nil
}

// ValidateCredentials makes a cheap API call to check the key.
func (p *OpenAIProvider) ValidateCredentials(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("validation failed: status=%d, body=%s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Close cleans up idle connections.
func (p *OpenAIProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// openAIStream converts the upstream SSE stream into normalized chunks:
// one metadata chunk, the text deltas, then a single complete chunk
// built from the final usage frame.
type openAIStream struct {
	scanner *bufio.Scanner
	closer  io.Closer

	provider string
	model    string

	sentMetadata bool
	done         bool
	usage        TokenUsage
	finishReason string

	closeOnce sync.Once
	closeErr  error
}

func newOpenAIStream(r io.ReadCloser, provider, model string) *openAIStream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &openAIStream{
		scanner:  scanner,
		closer:   r,
		provider: provider,
		model:    model,
	}
}

// openAIFrame is the subset of the upstream SSE payload we consume.
type openAIFrame struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (s *openAIStream) Next() (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	if !s.sentMetadata {
		s.sentMetadata = true
		return &Chunk{Type: ChunkTypeMetadata, Provider: s.provider, Model: s.model}, nil
	}

	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := bytes.TrimPrefix(line, []byte("data: "))

		if bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			return s.completeChunk(), nil
		}

		var frame openAIFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Tolerate malformed keep-alive frames.
			continue
		}

		if frame.Usage != nil {
			s.usage = TokenUsage{
				InputTokens:  frame.Usage.PromptTokens,
				OutputTokens: frame.Usage.CompletionTokens,
				TotalTokens:  frame.Usage.TotalTokens,
			}
		}
		if len(frame.Choices) > 0 {
			choice := frame.Choices[0]
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				s.finishReason = *choice.FinishReason
			}
			if choice.Delta.Content != "" {
				return &Chunk{Type: ChunkTypeText, Content: choice.Delta.Content}, nil
			}
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}

	// The upstream closed without a [DONE] marker.
	return nil, io.ErrUnexpectedEOF
}

func (s *openAIStream) completeChunk() *Chunk {
	usage := s.usage
	finishReason := s.finishReason
	if finishReason == "" {
		finishReason = "stop"
	}
	return &Chunk{
		Type:         ChunkTypeComplete,
		Usage:        &usage,
		FinishReason: finishReason,
	}
}

func (s *openAIStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.closer.Close()
	})
	return s.closeErr
}
