package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voiceloop/internal/audio"
)

const commandWaitDelay = 2 * time.Second

// CommandPlayer plays audio by writing it to a temp file and running an external
// player such as ffplay, afplay or aplay with the file path appended.
type CommandPlayer struct {
	argv []string
}

func NewCommandPlayer(command string) (*CommandPlayer, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("player command is empty")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("player %q not found: %w", argv[0], err)
	}
	return &CommandPlayer{argv: argv}, nil
}

func (p *CommandPlayer) Play(ctx context.Context, a Audio) error {
	data, ext, err := playableFile(a)
	if err != nil {
		return err
	}
	if data == nil {
		// Nothing decodable (mock synthesis); hold the phase for the nominal duration.
		return SleepPlayer{}.Play(ctx, a)
	}

	f, err := os.CreateTemp("", "voiceloop-play-*"+ext)
	if err != nil {
		return err
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	args := append(append([]string{}, p.argv[1:]...), path)
	cmd := exec.CommandContext(ctx, p.argv[0], args...)
	cmd.WaitDelay = commandWaitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s failed: %v: %s", filepath.Base(p.argv[0]), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func playableFile(a Audio) ([]byte, string, error) {
	switch f := normalizeFormat(a.Format); f {
	case "txt", "text":
		return nil, "", nil
	case "pcm":
		wav, err := audio.EncodeWAVPCM16LE(a.Data, a.SampleRate)
		return wav, ".wav", err
	default:
		if len(a.Data) == 0 {
			return nil, "", errors.New("audio is empty")
		}
		return a.Data, "." + f, nil
	}
}

// CommandRecorder captures raw mono PCM16LE from a recorder command's stdout,
// for example "arecord -q -f S16_LE -r 16000 -c 1 -t raw".
type CommandRecorder struct {
	argv       []string
	sampleRate int
	maxLength  time.Duration
}

func NewCommandRecorder(command string, sampleRate int, maxLength time.Duration) (*CommandRecorder, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("recorder command is empty")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("recorder %q not found: %w", argv[0], err)
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	return &CommandRecorder{argv: argv, sampleRate: sampleRate, maxLength: maxLength}, nil
}

// Record runs until the command exits, stop is closed, or maxLength elapses, and
// returns what was captured. Cancelling ctx aborts and discards the recording.
func (r *CommandRecorder) Record(ctx context.Context, stop <-chan struct{}) (Capture, error) {
	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	var stdout lockedBuffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = commandWaitDelay
	if err := cmd.Start(); err != nil {
		return Capture{}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var limit <-chan time.Time
	if r.maxLength > 0 {
		timer := time.NewTimer(r.maxLength)
		defer timer.Stop()
		limit = timer.C
	}

	interrupted := false
	select {
	case err := <-done:
		if err != nil && stdout.Len() == 0 {
			return Capture{}, fmt.Errorf("%s failed: %v: %s", filepath.Base(r.argv[0]), err, strings.TrimSpace(stderr.String()))
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return Capture{}, ctx.Err()
	case <-stop:
		interrupted = true
	case <-limit:
		interrupted = true
	}
	if interrupted {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}
	return Capture{Data: stdout.Bytes(), Format: "pcm", SampleRate: r.sampleRate}, nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
