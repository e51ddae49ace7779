package voice

import (
	"errors"
	"fmt"

	"github.com/ent0n29/voiceloop/internal/reliability"
)

// TranscriptionError reports a failed capture-to-text call.
type TranscriptionError struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription (%s) failed [%s]: %v", e.Provider, e.Code, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// SynthesisError reports a failed text-to-speech or playback call.
type SynthesisError struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis (%s) failed [%s]: %v", e.Provider, e.Code, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// ErrNoSpeech is returned when a capture contains no recognizable speech.
var ErrNoSpeech = errors.New("no speech recognized")

func transcriptionFailure(provider string, err error) error {
	if err == nil {
		return nil
	}
	var te *TranscriptionError
	if errors.As(err, &te) {
		return err
	}
	code, retryable := reliability.Classify(err)
	if errors.Is(err, ErrNoSpeech) {
		code, retryable = "no_speech", false
	}
	return &TranscriptionError{Provider: provider, Code: code, Retryable: retryable, Err: err}
}

func synthesisFailure(provider string, err error) error {
	if err == nil {
		return nil
	}
	var se *SynthesisError
	if errors.As(err, &se) {
		return err
	}
	code, retryable := reliability.Classify(err)
	return &SynthesisError{Provider: provider, Code: code, Retryable: retryable, Err: err}
}

