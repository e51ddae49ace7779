package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/voiceloop/internal/config"
	"github.com/ent0n29/voiceloop/internal/conversation"
	"github.com/ent0n29/voiceloop/internal/httpapi"
	"github.com/ent0n29/voiceloop/internal/llm"
	"github.com/ent0n29/voiceloop/internal/observability"
	"github.com/ent0n29/voiceloop/internal/session"
	"github.com/ent0n29/voiceloop/internal/voice"
)

// Ports bundles the providers resolved from configuration.
type Ports struct {
	Transcriber voice.Transcriber
	Completer   llm.Completer
	Synthesizer voice.Synthesizer
	Log         conversation.Log
	Media       *conversation.FileMediaStore
	Providers   httpapi.Providers

	cleanup []func() error
}

// Close releases provider resources (DB pools, cloud clients).
func (p *Ports) Close() error {
	var errs []error
	for i := len(p.cleanup) - 1; i >= 0; i-- {
		if err := p.cleanup[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ControllerOptions builds the options for one session's controller.
func (p *Ports) ControllerOptions(cfg config.Config, sessionID string, player voice.Player, logger *slog.Logger, metrics *observability.Metrics) session.ControllerOptions {
	store := conversation.NewStore(conversation.StoreOptions{
		SessionID:      sessionID,
		Log:            p.Log,
		Media:          p.Media,
		RedactPII:      cfg.LogRedactPII,
		PersistTimeout: cfg.PersistTimeout,
		Logger:         logger,
	})
	return session.ControllerOptions{
		Store: store,
		Ports: session.Ports{
			Transcriber: p.Transcriber,
			Completer:   p.Completer,
			Synthesizer: p.Synthesizer,
			Player:      player,
		},
		ExitPhrases:       cfg.ExitPhrases,
		SpeakTypedReplies: cfg.SpeakTypedReplies,
		Timeouts: session.Timeouts{
			Transcribe: cfg.TranscribeTimeout,
			Completion: cfg.CompletionTimeout,
			Synthesis:  cfg.SynthesisTimeout,
			Playback:   cfg.PlaybackTimeout,
		},
		Logger:  logger.With("session_id", sessionID),
		Metrics: metrics,
	}
}

// BuildPorts resolves every provider and storage backend from cfg.
func BuildPorts(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Ports, error) {
	p := &Ports{}

	voiceSetup, err := resolveVoiceProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if voiceSetup.cleanup != nil {
		p.cleanup = append(p.cleanup, voiceSetup.cleanup)
	}
	p.Transcriber = voiceSetup.transcriber
	p.Synthesizer = voiceSetup.synthesizer

	p.Completer, err = llm.NewCompleter(llm.Config{
		Provider:     cfg.CompletionProvider,
		Fallback:     cfg.CompletionFallback,
		APIKey:       cfg.CompletionAPIKey,
		BaseURL:      cfg.CompletionBaseURL,
		Model:        cfg.CompletionModel,
		OllamaURL:    cfg.OllamaURL,
		OllamaModel:  cfg.OllamaModel,
		SystemPrompt: cfg.SystemPrompt,
	})
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("completer init failed: %w", err)
	}

	p.Log, err = conversation.NewLog(ctx, cfg.ConversationLog)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("conversation log init failed: %w", err)
	}
	p.cleanup = append(p.cleanup, p.Log.Close)

	p.Media, err = conversation.NewFileMediaStore(cfg.MediaDir)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("media store init failed: %w", err)
	}

	p.Providers = httpapi.Providers{
		Transcription: voiceSetup.transcriptionName,
		Completion:    llm.Name(p.Completer),
		Synthesis:     voiceSetup.synthesisName,
		Log:           conversation.Backend(p.Log),
	}
	logger.Info("providers resolved",
		"transcription", p.Providers.Transcription,
		"completion", p.Providers.Completion,
		"synthesis", p.Providers.Synthesis,
		"log", p.Providers.Log,
	)
	return p, nil
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Players  *httpapi.PlayerRegistry
	Metrics  *observability.Metrics
	Ports    *Ports

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the network service: providers, session manager and HTTP API.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ports, err := BuildPorts(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	players := httpapi.NewPlayerRegistry(0)
	factory := func(sessionID string) (*session.Controller, error) {
		c, err := session.NewController(ports.ControllerOptions(cfg, sessionID, players.For(sessionID), logger, metrics))
		if err != nil {
			players.Release(sessionID)
			return nil, err
		}
		go func() {
			<-c.Done()
			players.Release(sessionID)
		}()
		return c, nil
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout, factory, logger, metrics)
	sessions.SetExpireHook(func(s *session.Session) {
		players.Release(s.ID)
	})

	api := httpapi.New(cfg, sessions, players, metrics, ports.Providers)

	cleanup := func() error {
		sessions.CloseAll()
		return ports.Close()
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Players:  players,
		Metrics:  metrics,
		Ports:    ports,
		Cleanup:  cleanup,
	}, nil
}
