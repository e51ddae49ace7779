package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voiceloop/internal/app"
	"github.com/ent0n29/voiceloop/internal/config"
	"github.com/ent0n29/voiceloop/internal/observability"
	"github.com/ent0n29/voiceloop/internal/session"
	"github.com/ent0n29/voiceloop/internal/voice"
)

type recordResult struct {
	capture voice.Capture
	err     error
}

func main() {
	modeFlag := flag.String("mode", "", "input mode: text or voice (prompted when empty)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	in := bufio.NewReader(os.Stdin)
	mode, err := chooseMode(*modeFlag, in, os.Stdout)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ports, err := app.BuildPorts(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer ports.Close()

	var player voice.Player = voice.SleepPlayer{}
	if p, err := voice.NewCommandPlayer(cfg.PlayerCommand); err == nil {
		player = p
	} else {
		logger.Warn("audio player unavailable, replies are not played", "error", err)
	}

	var recorder *voice.CommandRecorder
	if mode == session.ModeVoice {
		recorder, err = voice.NewCommandRecorder(cfg.RecorderCommand, 16000, time.Duration(cfg.RecordSeconds)*time.Second)
		if err != nil {
			logger.Warn("recorder unavailable, typed lines stand in for speech", "error", err)
		}
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	opts := ports.ControllerOptions(cfg, uuid.NewString(), player, logger, metrics)
	opts.OnEvent = func(ev session.Event) {
		if line := renderEvent(ev, mode); line != "" {
			fmt.Println(line)
		}
	}
	ctrl, err := session.NewController(opts)
	if err != nil {
		log.Fatalf("controller init failed: %v", err)
	}
	defer ctrl.Close()

	printHelp(mode, recorder != nil)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := in.ReadString('\n')
			if line != "" || err == nil {
				lines <- strings.TrimRight(line, "\r\n")
			}
			if err != nil {
				return
			}
		}
	}()

	results := make(chan recordResult, 1)
	recording := false
	var stopRecording chan struct{}

	for {
		select {
		case <-ctx.Done():
			ctrl.Terminate()
			return
		case <-ctrl.Done():
			return
		case res := <-results:
			recording, stopRecording = false, nil
			if res.err != nil {
				fmt.Printf("! recording failed: %v\n", res.err)
				_ = ctrl.Interrupt()
				continue
			}
			if len(res.capture.Data) == 0 {
				fmt.Println("(nothing recorded)")
				_ = ctrl.Interrupt()
				continue
			}
			if err := ctrl.InputReady(res.capture); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case line, ok := <-lines:
			if !ok {
				ctrl.Terminate()
				return
			}
			line = strings.TrimSpace(line)
			switch line {
			case "/quit":
				ctrl.Terminate()
				continue
			case "/clear":
				if err := ctrl.Clear(); err != nil {
					fmt.Printf("! %v\n", err)
				}
				continue
			case "/help":
				printHelp(mode, recorder != nil)
				continue
			}

			if mode == session.ModeText {
				if line == "" {
					continue
				}
				if err := ctrl.SubmitText(line); err != nil {
					fmt.Printf("! %v\n", err)
				}
				continue
			}

			switch {
			case recording:
				if stopRecording != nil {
					close(stopRecording)
					stopRecording = nil
				}
			case recorder != nil && line == "":
				if err := ctrl.StartInput(session.ModeVoice); err != nil {
					fmt.Printf("! %v\n", err)
					continue
				}
				recording, stopRecording = true, make(chan struct{})
				go func(stop <-chan struct{}) {
					capture, err := recorder.Record(ctx, stop)
					results <- recordResult{capture: capture, err: err}
				}(stopRecording)
			case line != "":
				if err := ctrl.StartInput(session.ModeVoice); err != nil {
					fmt.Printf("! %v\n", err)
					continue
				}
				if err := ctrl.InputReady(voice.Capture{Data: []byte(line), Format: voice.FormatText}); err != nil {
					fmt.Printf("! %v\n", err)
				}
			default:
				// Enter during a reply without a recorder is a plain barge-in.
				_ = ctrl.Interrupt()
			}
		}
	}
}

// chooseMode resolves the input mode from the flag or an interactive prompt.
func chooseMode(flagValue string, in *bufio.Reader, out io.Writer) (session.Mode, error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return session.ParseMode(strings.ToLower(v))
	}
	for {
		fmt.Fprint(out, "Select mode: 1) text  2) voice > ")
		line, err := in.ReadString('\n')
		switch strings.TrimSpace(line) {
		case "1", "text":
			return session.ModeText, nil
		case "2", "voice":
			return session.ModeVoice, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", errors.New("no mode selected")
			}
			return "", err
		}
		fmt.Fprintln(out, "please enter 1 or 2")
	}
}

func renderEvent(ev session.Event, mode session.Mode) string {
	switch ev.Type {
	case session.EventPhaseChanged:
		switch ev.Phase {
		case session.PhaseListening:
			if mode == session.ModeVoice {
				return "listening… (Enter to stop)"
			}
			return "listening…"
		case session.PhaseTranscribing:
			return "transcribing…"
		case session.PhaseGenerating:
			return "thinking…"
		case session.PhaseSpeaking:
			return "speaking…"
		case session.PhaseTerminated:
			return "goodbye"
		}
	case session.EventTurnAppended:
		if ev.Turn == nil {
			return ""
		}
		if ev.Turn.Role == "user" {
			return "you: " + ev.Turn.Content
		}
		return "assistant: " + ev.Turn.Content
	case session.EventError:
		if ev.Error == nil {
			return ""
		}
		return fmt.Sprintf("! %s failed (%s): %s", ev.Error.Kind, ev.Error.Code, ev.Error.Message)
	case session.EventCleared:
		return "(conversation cleared)"
	}
	return ""
}

func printHelp(mode session.Mode, canRecord bool) {
	switch {
	case mode == session.ModeText:
		fmt.Println("Type a message and press Enter. /clear resets the conversation, /quit exits.")
	case canRecord:
		fmt.Println("Press Enter to talk, Enter again to stop. Enter while the assistant replies interrupts it. /clear, /quit.")
	default:
		fmt.Println("No recorder: type what you would say and press Enter. /clear, /quit.")
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelWarn
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
