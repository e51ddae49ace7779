package conversation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ent0n29/voiceloop/internal/audio"
)

// FileMediaStore writes artifacts under <root>/<session_id>/.
type FileMediaStore struct {
	root string
	// SampleRate is used when wrapping raw PCM as WAV.
	SampleRate int
}

func NewFileMediaStore(root string) (*FileMediaStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("media root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &FileMediaStore{root: root, SampleRate: 16000}, nil
}

func (m *FileMediaStore) Root() string { return m.root }

// Save never overwrites: every call gets a fresh name and the file is created exclusively.
func (m *FileMediaStore) Save(ctx context.Context, sessionID string, kind MediaKind, format string, data []byte) (MediaRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateConversationID(sessionID); err != nil {
		return "", fmt.Errorf("invalid session id: %w", err)
	}
	dir := filepath.Join(m.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	format = strings.ToLower(strings.TrimSpace(format))
	if format == "pcm" || format == "pcm16" || format == "pcm_s16le" {
		wav, err := audio.EncodeWAVPCM16LE(data, m.SampleRate)
		if err != nil {
			return "", fmt.Errorf("wrap pcm: %w", err)
		}
		data = wav
		format = "wav"
	}
	ext := format
	if ext == "" {
		ext = "bin"
	}

	name := fmt.Sprintf("%s_%s.%s", kind, uuid.NewString(), ext)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return MediaRef(sessionID + "/" + name), nil
}

// Open resolves ref to a path, refusing references outside the session directory.
func (m *FileMediaStore) Open(sessionID string, ref MediaRef) (string, error) {
	prefix := sessionID + "/"
	name := strings.TrimPrefix(string(ref), prefix)
	if name == string(ref) || name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", ErrMediaNotFound
	}
	path := filepath.Join(m.root, sessionID, name)
	if _, err := os.Stat(path); err != nil {
		return "", ErrMediaNotFound
	}
	return path, nil
}
