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

// OpenAIConfig targets any OpenAI-compatible chat completions API (DeepSeek by default).
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float64
	Client       *http.Client
	Retry        reliability.RetryPolicy
}

type OpenAICompleter struct {
	cfg OpenAIConfig
}

func NewOpenAICompleter(cfg OpenAIConfig) (*OpenAICompleter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY or DEEPSEEK_API_KEY is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.deepseek.com/v1"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "deepseek-chat"
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 90 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = reliability.DefaultRetryPolicy
	}
	return &OpenAICompleter{cfg: cfg}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (c *OpenAICompleter) Complete(ctx context.Context, turns []conversation.Turn) (string, error) {
	reply, err := c.complete(ctx, turns)
	if err != nil {
		return "", completionFailure("openai", err)
	}
	return reply, nil
}

func (c *OpenAICompleter) complete(ctx context.Context, turns []conversation.Turn) (string, error) {
	messages, err := buildMessages(c.cfg.SystemPrompt, turns)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"

	body, _, err := reliability.DoHTTP(ctx, c.cfg.Client, c.cfg.Retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyReply
	}
	reply := strings.TrimSpace(out.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
