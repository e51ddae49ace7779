package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voiceloop/internal/conversation"
)

// MockCompleter provides deterministic local replies when no model is configured.
type MockCompleter struct{}

func NewMockCompleter() *MockCompleter { return &MockCompleter{} }

func (m *MockCompleter) Complete(ctx context.Context, turns []conversation.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", completionFailure("mock", err)
	}
	return buildMockReply(turns), nil
}

func buildMockReply(turns []conversation.Turn) string {
	var last string
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == conversation.RoleUser {
			last = strings.TrimSpace(turns[i].Content)
			break
		}
	}
	if last == "" {
		return "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", last)
}
