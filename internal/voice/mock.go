package voice

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// MockTranscriber is the local fallback used when no speech recognizer is configured.
// FormatText captures are returned verbatim, which lets shells and tests
// drive the voice path without audio.
type MockTranscriber struct {
	Text string
}

func NewMockTranscriber() *MockTranscriber {
	return &MockTranscriber{Text: "simulated voice input"}
}

func (m *MockTranscriber) Transcribe(ctx context.Context, capture Capture) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transcriptionFailure("mock", err)
	}
	if len(capture.Data) == 0 {
		return "", transcriptionFailure("mock", ErrNoSpeech)
	}
	if text, ok := capture.Transcript(); ok {
		return text, nil
	}
	return m.Text, nil
}

// MockSynthesizer returns the text bytes as "audio" with a length-proportional duration.
type MockSynthesizer struct {
	PerRune time.Duration
	MaxLen  time.Duration
}

func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{PerRune: 40 * time.Millisecond, MaxLen: 3 * time.Second}
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, synthesisFailure("mock", err)
	}
	text = strings.TrimSpace(text)
	d := time.Duration(utf8.RuneCountInString(text)) * m.PerRune
	if m.MaxLen > 0 && d > m.MaxLen {
		d = m.MaxLen
	}
	return Audio{Data: []byte(text), Format: "txt", Duration: d}, nil
}

// SleepPlayer simulates playback by waiting for the audio duration.
type SleepPlayer struct{}

func (SleepPlayer) Play(ctx context.Context, a Audio) error {
	if a.Duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(a.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
