package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voiceloop/internal/reliability"
)

const (
	volcanoDefaultURL = "https://openspeech.bytedance.com/api/v1/tts"
	// The API rejects request text above 1024 UTF-8 bytes.
	volcanoMaxTextBytes = 1024
)

// VolcanoConfig configures the ByteDance openspeech HTTP TTS API.
type VolcanoConfig struct {
	URL         string
	AppID       string
	AccessToken string
	Cluster     string
	VoiceType   string
	SpeedRatio  float64
	Client      *http.Client
	Retry       reliability.RetryPolicy
}

// VolcanoSynthesizer returns mp3 audio decoded from the base64 response payload.
type VolcanoSynthesizer struct {
	cfg VolcanoConfig
}

func NewVolcanoSynthesizer(cfg VolcanoConfig) (*VolcanoSynthesizer, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("TTS_APPID and TTS_ACCESS_TOKEN are required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = volcanoDefaultURL
	}
	if strings.TrimSpace(cfg.Cluster) == "" {
		cfg.Cluster = "volcano_tts"
	}
	if strings.TrimSpace(cfg.VoiceType) == "" {
		cfg.VoiceType = "BV001_streaming"
	}
	if cfg.SpeedRatio <= 0 {
		cfg.SpeedRatio = 1.0
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = reliability.DefaultRetryPolicy
	}
	return &VolcanoSynthesizer{cfg: cfg}, nil
}

type volcanoRequest struct {
	App struct {
		AppID   string `json:"appid"`
		Token   string `json:"token"`
		Cluster string `json:"cluster"`
	} `json:"app"`
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	Audio struct {
		VoiceType  string  `json:"voice_type"`
		Encoding   string  `json:"encoding"`
		SpeedRatio float64 `json:"speed_ratio"`
	} `json:"audio"`
	Request struct {
		ReqID     string `json:"reqid"`
		Text      string `json:"text"`
		TextType  string `json:"text_type"`
		Operation string `json:"operation"`
	} `json:"request"`
}

type volcanoResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration"`
	} `json:"addition"`
}

func (v *VolcanoSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	a, err := v.synthesize(ctx, text)
	if err != nil {
		return Audio{}, synthesisFailure("volcano", err)
	}
	return a, nil
}

func (v *VolcanoSynthesizer) synthesize(ctx context.Context, text string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, fmt.Errorf("text is empty")
	}
	var reqBody volcanoRequest
	reqBody.App.AppID = v.cfg.AppID
	reqBody.App.Token = v.cfg.AccessToken
	reqBody.App.Cluster = v.cfg.Cluster
	reqBody.User.UID = "voiceloop"
	reqBody.Audio.VoiceType = v.cfg.VoiceType
	reqBody.Audio.Encoding = "mp3"
	reqBody.Audio.SpeedRatio = v.cfg.SpeedRatio
	reqBody.Request.ReqID = uuid.NewString()
	reqBody.Request.Text = ClampSpeech(text, volcanoMaxTextBytes)
	reqBody.Request.TextType = "plain"
	reqBody.Request.Operation = "query"

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Audio{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, _, err := reliability.DoHTTP(ctx, v.cfg.Client, v.cfg.Retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		// The API expects a semicolon, not a space, after Bearer.
		req.Header.Set("Authorization", "Bearer;"+v.cfg.AccessToken)
		return req, nil
	})
	if err != nil {
		return Audio{}, err
	}

	var out volcanoResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Audio{}, fmt.Errorf("decode tts response: %w", err)
	}
	// 3000 is the service's success code.
	if out.Code != 3000 {
		return Audio{}, fmt.Errorf("tts error %d: %s", out.Code, out.Message)
	}
	data, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return Audio{}, fmt.Errorf("decode audio payload: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("empty audio response")
	}
	a := Audio{Data: data, Format: "mp3"}
	if ms, err := strconv.Atoi(out.Addition.Duration); err == nil && ms > 0 {
		a.Duration = time.Duration(ms) * time.Millisecond
	}
	return a, nil
}
