package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/voiceloop/internal/conversation"
)

// FallbackCompleter attempts a primary completer first and falls back on error.
// Cancellation and deadline expiry are returned as-is.
type FallbackCompleter struct {
	primary  Completer
	fallback Completer
}

func NewFallbackCompleter(primary, fallback Completer) *FallbackCompleter {
	return &FallbackCompleter{primary: primary, fallback: fallback}
}

func (f *FallbackCompleter) Complete(ctx context.Context, turns []conversation.Turn) (string, error) {
	if f.primary == nil {
		if f.fallback != nil {
			return f.fallback.Complete(ctx, turns)
		}
		return "", completionFailure("fallback", errors.New("fallback completer misconfigured"))
	}
	reply, err := f.primary.Complete(ctx, turns)
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || f.fallback == nil {
		return "", err
	}
	reply, fallbackErr := f.fallback.Complete(ctx, turns)
	if fallbackErr != nil {
		return "", completionFailure("fallback", fmt.Errorf("primary: %w; fallback: %v", err, fallbackErr))
	}
	return reply, nil
}
