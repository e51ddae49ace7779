package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voiceloop/internal/conversation"
	"github.com/ent0n29/voiceloop/internal/reliability"
)

// OllamaConfig targets a local Ollama server's /api/chat endpoint.
type OllamaConfig struct {
	URL          string
	Model        string
	SystemPrompt string
	Client       *http.Client
	Retry        reliability.RetryPolicy
}

type OllamaCompleter struct {
	cfg OllamaConfig
}

func NewOllamaCompleter(cfg OllamaConfig) (*OllamaCompleter, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "http://localhost:11434"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("OLLAMA_MODEL is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = reliability.DefaultRetryPolicy
	}
	return &OllamaCompleter{cfg: cfg}, nil
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error"`
}

func (c *OllamaCompleter) Complete(ctx context.Context, turns []conversation.Turn) (string, error) {
	reply, err := c.complete(ctx, turns)
	if err != nil {
		return "", completionFailure("ollama", err)
	}
	return reply, nil
}

func (c *OllamaCompleter) complete(ctx context.Context, turns []conversation.Turn) (string, error) {
	messages, err := buildMessages(c.cfg.SystemPrompt, turns)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(ollamaRequest{Model: c.cfg.Model, Messages: messages, Stream: false})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	endpoint := strings.TrimRight(c.cfg.URL, "/") + "/api/chat"

	body, _, err := reliability.DoHTTP(ctx, c.cfg.Client, c.cfg.Retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var out ollamaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	reply := strings.TrimSpace(out.Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
