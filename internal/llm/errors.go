package llm

import (
	"errors"
	"fmt"

	"github.com/ent0n29/voiceloop/internal/reliability"
)

// CompletionError reports a failed completion call.
type CompletionError struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion (%s) failed [%s]: %v", e.Provider, e.Code, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("empty reply")

func completionFailure(provider string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CompletionError
	if errors.As(err, &ce) {
		return err
	}
	code, retryable := reliability.Classify(err)
	if errors.Is(err, ErrEmptyReply) {
		code, retryable = "empty_reply", false
	}
	return &CompletionError{Provider: provider, Code: code, Retryable: retryable, Err: err}
}
