package voice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/voiceloop/internal/audio"
)

// FormatText marks a capture whose Data is already the spoken words, typed by
// a user standing in for the microphone.
const FormatText = "text"

// Capture is a finished microphone recording handed over by a shell.
// Format is "pcm" (mono PCM16LE at SampleRate), a container such as "wav",
// or FormatText.
type Capture struct {
	Data       []byte
	Format     string
	SampleRate int
}

// Transcript returns the words of a FormatText capture. ok is false for audio.
func (c Capture) Transcript() (text string, ok bool) {
	if !strings.EqualFold(strings.TrimSpace(c.Format), FormatText) {
		return "", false
	}
	return strings.TrimSpace(string(c.Data)), true
}

// PCM returns mono PCM16LE samples and their sample rate.
func (c Capture) PCM() ([]byte, int, error) {
	switch normalizeFormat(c.Format) {
	case "pcm":
		rate := c.SampleRate
		if rate <= 0 {
			rate = audio.DefaultSampleRate
		}
		return c.Data, rate, nil
	case "wav":
		return audio.DecodeWAVPCM16LE(c.Data)
	default:
		return nil, 0, fmt.Errorf("capture format %q is not PCM", c.Format)
	}
}

// WAV returns the capture as a WAV container, wrapping raw PCM when needed.
func (c Capture) WAV() ([]byte, error) {
	switch normalizeFormat(c.Format) {
	case "wav":
		return c.Data, nil
	case "pcm":
		pcm, rate, _ := c.PCM()
		return audio.EncodeWAVPCM16LE(pcm, rate)
	default:
		return nil, fmt.Errorf("capture format %q cannot be converted to wav", c.Format)
	}
}

func normalizeFormat(format string) string {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "", "pcm", "pcm16", "pcm_s16le", "s16le":
		return "pcm"
	default:
		return f
	}
}

// Audio is playable synthesized speech.
type Audio struct {
	Data       []byte
	Format     string
	SampleRate int
	// Duration is zero when the provider does not report it.
	Duration time.Duration
}

// Transcriber turns a capture into text.
type Transcriber interface {
	Transcribe(ctx context.Context, capture Capture) (string, error)
}

// Synthesizer turns text into playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// Player plays audio. Play blocks until playback completes or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, a Audio) error
}
