package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/voiceloop/internal/audio"
	"github.com/ent0n29/voiceloop/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Stability    float64
	Similarity   float64
	Client       *http.Client
	Retry        reliability.RetryPolicy
}

// ElevenLabsSynthesizer calls the non-streaming text-to-speech endpoint.
type ElevenLabsSynthesizer struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) (*ElevenLabsSynthesizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "21m00Tcm4TlvDq8ikWAM"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.Stability <= 0 || cfg.Stability > 1 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity <= 0 || cfg.Similarity > 1 {
		cfg.Similarity = 0.75
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = reliability.DefaultRetryPolicy
	}
	return &ElevenLabsSynthesizer{cfg: cfg}, nil
}

type elevenTTSRequest struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id"`
	VoiceSettings elevenVoiceSetting `json:"voice_settings"`
}

type elevenVoiceSetting struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (e *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	a, err := e.synthesize(ctx, text)
	if err != nil {
		return Audio{}, synthesisFailure("elevenlabs", err)
	}
	return a, nil
}

func (e *ElevenLabsSynthesizer) synthesize(ctx context.Context, text string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, fmt.Errorf("text is empty")
	}
	// output_format must be a query parameter, not in the body.
	endpoint := strings.TrimRight(e.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(e.cfg.VoiceID) +
		"?output_format=" + url.QueryEscape(e.cfg.OutputFormat)
	payload, err := json.Marshal(elevenTTSRequest{
		Text:    text,
		ModelID: e.cfg.ModelID,
		VoiceSettings: elevenVoiceSetting{
			Stability:       e.cfg.Stability,
			SimilarityBoost: e.cfg.Similarity,
		},
	})
	if err != nil {
		return Audio{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, _, err := reliability.DoHTTP(ctx, e.cfg.Client, e.cfg.Retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("xi-api-key", e.cfg.APIKey)
		return req, nil
	})
	if err != nil {
		return Audio{}, err
	}
	if len(body) == 0 {
		return Audio{}, fmt.Errorf("empty audio response")
	}

	format, sampleRate := parseElevenOutputFormat(e.cfg.OutputFormat)
	a := Audio{Data: body, Format: format, SampleRate: sampleRate}
	if format == "pcm" {
		a.Duration = audio.PCM16Duration(len(body), sampleRate)
	}
	return a, nil
}

// parseElevenOutputFormat splits values like "mp3_44100_128" or "pcm_22050".
func parseElevenOutputFormat(v string) (format string, sampleRate int) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(v)), "_")
	format = parts[0]
	if len(parts) > 1 {
		sampleRate, _ = strconv.Atoi(parts[1])
	}
	return format, sampleRate
}
