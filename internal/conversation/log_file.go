package conversation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileLog writes one JSON-lines file per conversation under a directory.
type FileLog struct {
	dir string
	mu  sync.Mutex
}

func NewFileLog(dir string) (*FileLog, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("file log directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &FileLog{dir: dir}, nil
}

// Path returns the file that holds the given conversation.
func (l *FileLog) Path(conversationID string) (string, error) {
	if err := validateConversationID(conversationID); err != nil {
		return "", err
	}
	return filepath.Join(l.dir, "conversation_"+conversationID+".jsonl"), nil
}

func (l *FileLog) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.Path(entry.ConversationID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write log: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync log: %w", err)
	}
	return f.Close()
}

func (l *FileLog) Load(ctx context.Context, conversationID string) ([]Turn, error) {
	path, err := l.Path(conversationID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode log line: %w", err)
		}
		turns = append(turns, entry.Turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return turns, nil
}

func (l *FileLog) Close() error { return nil }

func validateConversationID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("conversation id is empty")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid conversation id %q", id)
	}
	return nil
}
