package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voiceloop/internal/reliability"
)

// WhisperHTTPConfig configures an OpenAI-compatible /audio/transcriptions endpoint
// (OpenAI, Groq, a local whisper-server, ...).
type WhisperHTTPConfig struct {
	URL      string
	Model    string
	Language string
	APIKey   string
	Client   *http.Client
	Retry    reliability.RetryPolicy
}

// WhisperHTTPTranscriber uploads each capture as a multipart WAV file.
type WhisperHTTPTranscriber struct {
	cfg WhisperHTTPConfig
}

func NewWhisperHTTPTranscriber(cfg WhisperHTTPConfig) (*WhisperHTTPTranscriber, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("WHISPER_HTTP_URL is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = reliability.DefaultRetryPolicy
	}
	return &WhisperHTTPTranscriber{cfg: cfg}, nil
}

func (w *WhisperHTTPTranscriber) Transcribe(ctx context.Context, capture Capture) (string, error) {
	text, err := w.transcribe(ctx, capture)
	if err != nil {
		return "", transcriptionFailure("whisper-http", err)
	}
	return text, nil
}

func (w *WhisperHTTPTranscriber) transcribe(ctx context.Context, capture Capture) (string, error) {
	if len(capture.Data) == 0 {
		return "", ErrNoSpeech
	}
	wav, err := capture.WAV()
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return "", err
	}
	if m := strings.TrimSpace(w.cfg.Model); m != "" {
		_ = mw.WriteField("model", m)
	}
	if lang := strings.TrimSpace(w.cfg.Language); lang != "" && lang != "auto" {
		_ = mw.WriteField("language", lang)
	}
	_ = mw.WriteField("temperature", "0.0")
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", err
	}
	payload := body.Bytes()

	respBody, _, err := reliability.DoHTTP(ctx, w.cfg.Client, w.cfg.Retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if key := strings.TrimSpace(w.cfg.APIKey); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	text := cleanTranscript(out.Text)
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}
