package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/voiceloop/internal/conversation"
)

// Completer produces the next assistant reply from the full ordered history.
type Completer interface {
	Complete(ctx context.Context, turns []conversation.Turn) (string, error)
}

// Config controls completer construction.
type Config struct {
	Provider     string
	Fallback     string
	APIKey       string
	BaseURL      string
	Model        string
	OllamaURL    string
	OllamaModel  string
	SystemPrompt string
}

// NewCompleter builds the configured completer. "auto" uses the OpenAI-compatible
// API when a key is present and the mock otherwise.
func NewCompleter(cfg Config) (Completer, error) {
	primary, err := newSingle(cfg.Provider, cfg)
	if err != nil {
		return nil, err
	}
	fb := strings.ToLower(strings.TrimSpace(cfg.Fallback))
	if fb == "" || fb == "none" || fb == Name(primary) {
		return primary, nil
	}
	secondary, err := newSingle(fb, cfg)
	if err != nil {
		return nil, fmt.Errorf("completion fallback: %w", err)
	}
	return NewFallbackCompleter(primary, secondary), nil
}

func newSingle(provider string, cfg Config) (Completer, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAICompleter(OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, SystemPrompt: cfg.SystemPrompt})
		}
		return NewMockCompleter(), nil
	case "openai":
		return NewOpenAICompleter(OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, SystemPrompt: cfg.SystemPrompt})
	case "ollama":
		return NewOllamaCompleter(OllamaConfig{URL: cfg.OllamaURL, Model: cfg.OllamaModel, SystemPrompt: cfg.SystemPrompt})
	case "mock":
		return NewMockCompleter(), nil
	default:
		return nil, fmt.Errorf("unsupported completion provider %q", provider)
	}
}

// Name reports the backend behind c for logs and health output.
func Name(c Completer) string {
	switch v := c.(type) {
	case *OpenAICompleter:
		return "openai"
	case *OllamaCompleter:
		return "ollama"
	case *MockCompleter:
		return "mock"
	case *FallbackCompleter:
		return Name(v.primary) + "+" + Name(v.fallback)
	default:
		return "custom"
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildMessages prepends the system prompt to the conversation history.
func buildMessages(systemPrompt string, turns []conversation.Turn) ([]chatMessage, error) {
	if len(turns) == 0 {
		return nil, errors.New("no turns to complete")
	}
	out := make([]chatMessage, 0, len(turns)+1)
	if p := strings.TrimSpace(systemPrompt); p != "" {
		out = append(out, chatMessage{Role: "system", Content: p})
	}
	for _, t := range turns {
		out = append(out, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	return out, nil
}
