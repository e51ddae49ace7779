package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ent0n29/voiceloop/internal/audio"
)

// WhisperCLIConfig configures the whisper.cpp command-line transcriber.
type WhisperCLIConfig struct {
	CLI       string
	ModelPath string
	Language  string
	Threads   int
}

// WhisperCLITranscriber runs whisper.cpp once per capture.
type WhisperCLITranscriber struct {
	cliPath   string
	modelPath string
	language  string
	threads   int
}

func NewWhisperCLITranscriber(cfg WhisperCLIConfig) (*WhisperCLITranscriber, error) {
	cli := strings.TrimSpace(cfg.CLI)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp CLI not found (%s)", cli)
	}
	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath == "" {
		return nil, fmt.Errorf("WHISPER_MODEL_PATH is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper.cpp model not found: %s", modelPath)
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "auto"
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = min(max(runtime.NumCPU(), 2), 8)
	}
	return &WhisperCLITranscriber{
		cliPath:   cliPath,
		modelPath: modelPath,
		language:  language,
		threads:   threads,
	}, nil
}

func (w *WhisperCLITranscriber) Transcribe(ctx context.Context, capture Capture) (string, error) {
	text, err := w.transcribe(ctx, capture)
	if err != nil {
		return "", transcriptionFailure("whisper-cli", err)
	}
	return text, nil
}

func (w *WhisperCLITranscriber) transcribe(ctx context.Context, capture Capture) (string, error) {
	pcm, sampleRate, err := capture.PCM()
	if err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", ErrNoSpeech
	}
	tmpDir, err := os.MkdirTemp("", "voiceloop-whisper-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "audio.wav")
	if err := audio.WriteWAVPCM16LEFile(wavPath, pcm, sampleRate); err != nil {
		return "", err
	}
	outPrefix := filepath.Join(tmpDir, "out")

	args := []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", w.language,
		"-otxt",
		"-of", outPrefix,
		"-nt",
		"-t", strconv.Itoa(w.threads),
	}

	cmd := exec.CommandContext(ctx, w.cliPath, args...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		detail := strings.TrimSpace(stderr.String())
		// whisper.cpp is chatty on stderr.
		if len(detail) > 8<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(8<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", errors.New("whisper.cpp failed: " + detail)
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", err
	}
	text := cleanTranscript(string(b))
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

// cleanTranscript drops whisper's non-speech markers such as [BLANK_AUDIO] or (music).
func cleanTranscript(raw string) string {
	var b strings.Builder
	depth := 0
	for _, r := range raw {
		switch r {
		case '[', '(':
			depth++
			continue
		case ']', ')':
			if depth > 0 {
				depth--
				continue
			}
		}
		if depth == 0 {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
