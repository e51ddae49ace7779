package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voiceloop/internal/reliability"
)

var fastRetry = reliability.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestElevenLabsSynthesizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-1", r.URL.Path)
		assert.Equal(t, "pcm_16000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "key", r.Header.Get("xi-api-key"))
		var body elevenTTSRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Hi there!", body.Text)
		assert.Equal(t, "model-1", body.ModelID)
		_, _ = w.Write(make([]byte, 32000))
	}))
	defer srv.Close()

	s, err := NewElevenLabsSynthesizer(ElevenLabsConfig{
		APIKey: "key", BaseURL: srv.URL, VoiceID: "voice-1", ModelID: "model-1",
		OutputFormat: "pcm_16000", Retry: fastRetry,
	})
	require.NoError(t, err)

	a, err := s.Synthesize(context.Background(), "Hi there!")
	require.NoError(t, err)
	assert.Equal(t, "pcm", a.Format)
	assert.Equal(t, 16000, a.SampleRate)
	assert.Equal(t, time.Second, a.Duration)
}

func TestElevenLabsSynthesizerRetriesThenClassifies(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s, err := NewElevenLabsSynthesizer(ElevenLabsConfig{APIKey: "key", BaseURL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)

	_, err = s.Synthesize(context.Background(), "hello")
	var se *SynthesisError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "elevenlabs", se.Provider)
	assert.Equal(t, "rate_limited", se.Code)
	assert.True(t, se.Retryable)
	assert.EqualValues(t, 3, calls.Load())
}

func TestElevenLabsSynthesizerDoesNotRetryAuthErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key sk-0123456789abcdef", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, err := NewElevenLabsSynthesizer(ElevenLabsConfig{APIKey: "key", BaseURL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)

	_, err = s.Synthesize(context.Background(), "hello")
	var se *SynthesisError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "unauthorized", se.Code)
	assert.False(t, se.Retryable)
	assert.NotContains(t, err.Error(), "sk-0123456789abcdef")
	assert.EqualValues(t, 1, calls.Load())
}

func TestVolcanoSynthesizer(t *testing.T) {
	mp3 := []byte("ID3 fake mp3")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer;token-1", r.Header.Get("Authorization"))
		var req volcanoRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "app-1", req.App.AppID)
		assert.Equal(t, "volcano_tts", req.App.Cluster)
		assert.Equal(t, "BV001_streaming", req.Audio.VoiceType)
		assert.Equal(t, "mp3", req.Audio.Encoding)
		assert.Equal(t, "你好", req.Request.Text)
		assert.Equal(t, "query", req.Request.Operation)
		assert.NotEmpty(t, req.Request.ReqID)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":     3000,
			"message":  "Success",
			"data":     base64.StdEncoding.EncodeToString(mp3),
			"addition": map[string]string{"duration": "1500"},
		})
	}))
	defer srv.Close()

	s, err := NewVolcanoSynthesizer(VolcanoConfig{URL: srv.URL, AppID: "app-1", AccessToken: "token-1", Retry: fastRetry})
	require.NoError(t, err)

	a, err := s.Synthesize(context.Background(), "你好")
	require.NoError(t, err)
	assert.Equal(t, mp3, a.Data)
	assert.Equal(t, "mp3", a.Format)
	assert.Equal(t, 1500*time.Millisecond, a.Duration)
}

func TestVolcanoSynthesizerServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 3001, "message": "invalid request"})
	}))
	defer srv.Close()

	s, err := NewVolcanoSynthesizer(VolcanoConfig{URL: srv.URL, AppID: "a", AccessToken: "t", Retry: fastRetry})
	require.NoError(t, err)

	_, err = s.Synthesize(context.Background(), "hi")
	var se *SynthesisError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "3001")
}

func TestWhisperHTTPTranscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "zh", r.FormValue("language"))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		raw, _ := io.ReadAll(f)
		assert.Equal(t, "RIFF", string(raw[:4]))
		_, _ = w.Write([]byte(`{"text":" 你好 [BLANK_AUDIO] "}`))
	}))
	defer srv.Close()

	tr, err := NewWhisperHTTPTranscriber(WhisperHTTPConfig{URL: srv.URL, Model: "whisper-1", Language: "zh", APIKey: "k", Retry: fastRetry})
	require.NoError(t, err)

	text, err := tr.Transcribe(context.Background(), Capture{Data: make([]byte, 640), Format: "pcm", SampleRate: 16000})
	require.NoError(t, err)
	assert.Equal(t, "你好", text)
}

func TestWhisperHTTPTranscriberNoSpeech(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"text":"[BLANK_AUDIO]"}`))
	}))
	defer srv.Close()

	tr, err := NewWhisperHTTPTranscriber(WhisperHTTPConfig{URL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), Capture{Data: make([]byte, 640), Format: "pcm"})
	var te *TranscriptionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "no_speech", te.Code)
	assert.True(t, errors.Is(err, ErrNoSpeech))
}

func TestWhisperHTTPTranscriberTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	tr, err := NewWhisperHTTPTranscriber(WhisperHTTPConfig{URL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Transcribe(ctx, Capture{Data: make([]byte, 640), Format: "pcm"})
	var te *TranscriptionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "timeout", te.Code)
}

func TestCaptureConversions(t *testing.T) {
	c := Capture{Data: make([]byte, 100), Format: "pcm", SampleRate: 8000}
	wav, err := c.WAV()
	require.NoError(t, err)

	back := Capture{Data: wav, Format: "wav"}
	pcm, rate, err := back.PCM()
	require.NoError(t, err)
	assert.Equal(t, 8000, rate)
	assert.Len(t, pcm, 100)

	_, _, err = Capture{Data: []byte("x"), Format: "mp3"}.PCM()
	assert.Error(t, err)
}

func TestMockTranscriberEchoesTextCaptures(t *testing.T) {
	m := NewMockTranscriber()
	text, err := m.Transcribe(context.Background(), Capture{Data: []byte(" bye "), Format: "text"})
	require.NoError(t, err)
	assert.Equal(t, "bye", text)
}

func TestSleepPlayerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- SleepPlayer{}.Play(ctx, Audio{Duration: time.Hour}) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Play did not return after cancel")
	}
}
