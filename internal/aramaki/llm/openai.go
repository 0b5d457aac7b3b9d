package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Aramaki/internal/aramaki/stream"
)

const (
	defaultOpenAIBase = "https://api.openai.com/v1"
	defaultModel      = "gpt-4o-mini"

	// ssePrefix and sseDone are the SSE framing markers used by the
	// chat-completions streaming endpoint.
	ssePrefix = "data: "
	sseDone   = "[DONE]"
)

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	// APIKey is the bearer token for the API.
	APIKey string
	// BaseURL overrides the API endpoint (useful for local models like
	// Ollama or any OpenAI-compatible proxy). Defaults to the public
	// OpenAI endpoint.
	BaseURL string
	// Model is the default model when Request.Model is empty.
	Model string
	// Timeout bounds each HTTP request, streaming included. Defaults to
	// 180 s so the per-call generation deadline fires first.
	Timeout time.Duration
}

// openAIProvider implements Provider using the OpenAI chat completions API.
type openAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI returns a Provider backed by the OpenAI (or compatible) API.
// The returned provider is safe for concurrent use.
func NewOpenAI(cfg OpenAIConfig) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 180 * time.Second
	}
	return &openAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model          string       `json:"model"`
	Messages       []oaiMessage `json:"messages"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	Temperature    *float64     `json:"temperature,omitempty"`
	Stream         bool         `json:"stream,omitempty"`
	ResponseFormat *oaiFormat   `json:"response_format,omitempty"`
}

type oaiFormat struct {
	Type string `json:"type"` // "json_object"
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// oaiChunk is one SSE chunk of a streaming completion.
type oaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *openAIProvider) buildRequest(req Request, streaming bool) oaiRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	msgs := make([]oaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, oaiMessage{Role: string(m.Role), Content: m.Content})
	}

	body := oaiRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      streaming,
	}
	if req.JSONMode {
		body.ResponseFormat = &oaiFormat{Type: "json_object"}
	}
	return body
}

func (p *openAIProvider) post(ctx context.Context, body oaiRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("llm: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	return resp, nil
}

// Complete sends a non-streaming chat completion request.
func (p *openAIProvider) Complete(ctx context.Context, req Request) (string, *TokenUsage, error) {
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("llm: read response body: %w", err)
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return "", nil, fmt.Errorf("llm: decode API response: %w", err)
	}

	if oaiResp.Error != nil {
		return "", nil, fmt.Errorf("llm: API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}
	if resp.StatusCode >= 400 {
		return "", nil, fmt.Errorf("llm: unexpected HTTP status %d", resp.StatusCode)
	}
	if len(oaiResp.Choices) == 0 {
		return "", nil, fmt.Errorf("llm: no choices returned (HTTP %d)", resp.StatusCode)
	}

	usage := &TokenUsage{
		PromptTokens:     oaiResp.Usage.PromptTokens,
		CompletionTokens: oaiResp.Usage.CompletionTokens,
		TotalTokens:      oaiResp.Usage.TotalTokens,
	}
	return strings.TrimSpace(oaiResp.Choices[0].Message.Content), usage, nil
}

// Stream starts a streaming chat completion and adapts the SSE wire format
// into the token-event protocol. Malformed SSE chunks are skipped and
// logged; they never abort the feed.
func (p *openAIProvider) Stream(ctx context.Context, req Request) (<-chan stream.TokenEvent, error) {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var oaiResp oaiResponse
		if err := json.Unmarshal(respBody, &oaiResp); err == nil && oaiResp.Error != nil {
			return nil, fmt.Errorf("llm: API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
		}
		return nil, fmt.Errorf("llm: unexpected HTTP status %d", resp.StatusCode)
	}

	events := make(chan stream.TokenEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		emit := func(ev stream.TokenEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// EOF without [DONE] — the transport dropped mid-stream.
					emit(stream.TokenEvent{Err: io.ErrUnexpectedEOF})
				} else {
					emit(stream.TokenEvent{Err: fmt.Errorf("read stream: %w", err)})
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, ssePrefix) {
				continue
			}

			data := strings.TrimPrefix(line, ssePrefix)
			if data == sseDone {
				emit(stream.TokenEvent{Done: true})
				return
			}

			var chunk oaiChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				slog.Debug("llm: skipping malformed SSE chunk", "err", err)
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				if !emit(stream.TokenEvent{Text: text}) {
					return
				}
			}
		}
	}()

	return events, nil
}
