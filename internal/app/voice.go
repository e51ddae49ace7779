package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/voiceloop/internal/config"
	"github.com/ent0n29/voiceloop/internal/voice"
)

type voiceSetup struct {
	transcriber       voice.Transcriber
	synthesizer       voice.Synthesizer
	transcriptionName string
	synthesisName     string
	cleanup           func() error
}

type namedTranscriber struct {
	name string
	t    voice.Transcriber
}

type namedSynthesizer struct {
	name string
	s    voice.Synthesizer
}

func resolveVoiceProviders(ctx context.Context, cfg config.Config, logger *slog.Logger) (voiceSetup, error) {
	var setup voiceSetup

	tryWhisperHTTP := func() (namedTranscriber, error) {
		t, err := voice.NewWhisperHTTPTranscriber(voice.WhisperHTTPConfig{
			URL:      cfg.WhisperHTTPURL,
			Model:    cfg.WhisperHTTPModel,
			Language: cfg.TranscriptionLanguage,
			APIKey:   cfg.WhisperHTTPAPIKey,
		})
		return namedTranscriber{"whisper-http", t}, err
	}
	tryWhisperCLI := func() (namedTranscriber, error) {
		t, err := voice.NewWhisperCLITranscriber(voice.WhisperCLIConfig{
			CLI:       cfg.WhisperCLI,
			ModelPath: cfg.WhisperModelPath,
			Language:  cfg.TranscriptionLanguage,
		})
		return namedTranscriber{"whisper-cli", t}, err
	}
	tryGoogle := func() (namedTranscriber, error) {
		t, err := voice.NewGoogleTranscriber(ctx, cfg.GoogleSpeechLanguage)
		if err != nil {
			return namedTranscriber{}, err
		}
		setup.cleanup = t.Close
		return namedTranscriber{"google", t}, nil
	}

	switch cfg.TranscriptionProvider {
	case "whisper-http", "whisper-cli", "google":
		try := map[string]func() (namedTranscriber, error){
			"whisper-http": tryWhisperHTTP,
			"whisper-cli":  tryWhisperCLI,
			"google":       tryGoogle,
		}[cfg.TranscriptionProvider]
		nt, err := try()
		if err != nil {
			return voiceSetup{}, fmt.Errorf("%s transcriber init failed: %w", cfg.TranscriptionProvider, err)
		}
		setup.transcriber, setup.transcriptionName = nt.t, nt.name
	case "mock":
		setup.transcriber, setup.transcriptionName = voice.NewMockTranscriber(), "mock"
	default:
		var available []namedTranscriber
		if strings.TrimSpace(cfg.WhisperHTTPURL) != "" {
			if nt, err := tryWhisperHTTP(); err == nil {
				available = append(available, nt)
			} else {
				logger.Warn("whisper-http transcriber unavailable", "error", err)
			}
		}
		if nt, err := tryWhisperCLI(); err == nil {
			available = append(available, nt)
		} else {
			logger.Info("whisper-cli transcriber unavailable", "error", err)
		}
		if cfg.GoogleSpeechEnabled {
			if nt, err := tryGoogle(); err == nil {
				available = append(available, nt)
			} else {
				logger.Warn("google transcriber unavailable", "error", err)
			}
		}
		switch len(available) {
		case 0:
			setup.transcriber, setup.transcriptionName = voice.NewMockTranscriber(), "mock"
		case 1:
			setup.transcriber, setup.transcriptionName = available[0].t, available[0].name
		default:
			setup.transcriber = voice.NewFailoverTranscriber(available[0].t, available[1].t)
			setup.transcriptionName = available[0].name + "+" + available[1].name
		}
	}

	tryElevenLabs := func() (namedSynthesizer, error) {
		s, err := voice.NewElevenLabsSynthesizer(voice.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			BaseURL:      cfg.ElevenLabsBaseURL,
			VoiceID:      cfg.ElevenLabsVoiceID,
			ModelID:      cfg.ElevenLabsModelID,
			OutputFormat: cfg.ElevenLabsOutputFormat,
		})
		return namedSynthesizer{"elevenlabs", s}, err
	}
	tryVolcano := func() (namedSynthesizer, error) {
		s, err := voice.NewVolcanoSynthesizer(voice.VolcanoConfig{
			AppID:       cfg.VolcanoAppID,
			AccessToken: cfg.VolcanoAccessToken,
			Cluster:     cfg.VolcanoCluster,
			VoiceType:   cfg.VolcanoVoiceType,
		})
		return namedSynthesizer{"volcano", s}, err
	}

	switch cfg.SynthesisProvider {
	case "elevenlabs":
		ns, err := tryElevenLabs()
		if err != nil {
			return voiceSetup{}, fmt.Errorf("elevenlabs synthesizer init failed: %w", err)
		}
		setup.synthesizer, setup.synthesisName = ns.s, ns.name
	case "volcano":
		ns, err := tryVolcano()
		if err != nil {
			return voiceSetup{}, fmt.Errorf("volcano synthesizer init failed: %w", err)
		}
		setup.synthesizer, setup.synthesisName = ns.s, ns.name
	case "mock":
		setup.synthesizer, setup.synthesisName = voice.NewMockSynthesizer(), "mock"
	default:
		var available []namedSynthesizer
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) != "" {
			if ns, err := tryElevenLabs(); err == nil {
				available = append(available, ns)
			}
		}
		if strings.TrimSpace(cfg.VolcanoAppID) != "" {
			if ns, err := tryVolcano(); err == nil {
				available = append(available, ns)
			} else {
				logger.Warn("volcano synthesizer unavailable", "error", err)
			}
		}
		switch len(available) {
		case 0:
			setup.synthesizer, setup.synthesisName = voice.NewMockSynthesizer(), "mock"
		case 1:
			setup.synthesizer, setup.synthesisName = available[0].s, available[0].name
		default:
			setup.synthesizer = voice.NewFailoverSynthesizer(available[0].s, available[1].s)
			setup.synthesisName = available[0].name + "+" + available[1].name
		}
	}

	return setup, nil
}
