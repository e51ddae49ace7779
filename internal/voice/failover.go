package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// failoverState prefers the primary backend and switches to the fallback after a
// primary failure. Once the fallback is active it stays active until it fails;
// then the primary is retried.
type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback()      { s.fallbackActive.Store(true) }
func (s *failoverState) deactivateFallback()    { s.fallbackActive.Store(false) }
func (s *failoverState) isFallbackActive() bool { return s.fallbackActive.Load() }

// runFailover executes call against the preferred backend first, then the other.
// Cancellation of ctx and *noSwitch results never trigger a switch.
func runFailover[T any](ctx context.Context, state *failoverState, primary, fallback func(context.Context) (T, error)) (T, error) {
	first, second := primary, fallback
	fallbackFirst := state.isFallbackActive()
	if fallbackFirst {
		first, second = fallback, primary
	}

	out, firstErr := first(ctx)
	var ns *noSwitch
	if firstErr == nil || ctx.Err() != nil || errors.As(firstErr, &ns) {
		return out, firstErr
	}
	out, secondErr := second(ctx)
	if secondErr != nil {
		return out, fmt.Errorf("%v; then: %w", firstErr, secondErr)
	}
	if fallbackFirst {
		state.deactivateFallback()
	} else {
		state.activateFallback()
	}
	return out, nil
}

// FailoverTranscriber tries a primary transcriber and falls back on failure.
// A "no speech" result is authoritative and is not retried on the fallback.
type FailoverTranscriber struct {
	state    failoverState
	primary  Transcriber
	fallback Transcriber
}

func NewFailoverTranscriber(primary, fallback Transcriber) *FailoverTranscriber {
	return &FailoverTranscriber{primary: primary, fallback: fallback}
}

func (f *FailoverTranscriber) Transcribe(ctx context.Context, capture Capture) (string, error) {
	call := func(t Transcriber) func(context.Context) (string, error) {
		return func(ctx context.Context) (string, error) {
			text, err := t.Transcribe(ctx, capture)
			if isNoSpeech(err) {
				// Surface through the outer error without switching backends.
				return "", &noSwitch{err}
			}
			return text, err
		}
	}
	text, err := runFailover(ctx, &f.state, call(f.primary), call(f.fallback))
	var ns *noSwitch
	if errors.As(err, &ns) {
		return "", ns.err
	}
	if err != nil {
		return "", transcriptionFailure("failover", err)
	}
	return text, nil
}

// FailoverSynthesizer tries a primary synthesizer and falls back on failure.
type FailoverSynthesizer struct {
	state    failoverState
	primary  Synthesizer
	fallback Synthesizer
}

func NewFailoverSynthesizer(primary, fallback Synthesizer) *FailoverSynthesizer {
	return &FailoverSynthesizer{primary: primary, fallback: fallback}
}

func (f *FailoverSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	a, err := runFailover(ctx, &f.state,
		func(ctx context.Context) (Audio, error) { return f.primary.Synthesize(ctx, text) },
		func(ctx context.Context) (Audio, error) { return f.fallback.Synthesize(ctx, text) },
	)
	if err != nil {
		return Audio{}, synthesisFailure("failover", err)
	}
	return a, nil
}

type noSwitch struct{ err error }

func (n *noSwitch) Error() string { return n.err.Error() }

func isNoSpeech(err error) bool {
	var te *TranscriptionError
	return errors.As(err, &te) && te.Code == "no_speech"
}
