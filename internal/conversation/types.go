package conversation

import (
	"context"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MediaKind classifies a persisted audio artifact.
type MediaKind string

const (
	MediaCaptured    MediaKind = "captured"
	MediaSynthesized MediaKind = "synthesized"
)

// MediaRef identifies a persisted audio artifact. It is relative to the media root.
type MediaRef string

// Turn is one immutable exchange unit in a conversation.
type Turn struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	MediaRef  MediaRef  `json:"media_ref,omitempty"`
}

// Entry is the persisted form of a turn.
type Entry struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	Turn
	PIIRedacted bool `json:"pii_redacted,omitempty"`
}

// Log is a durable append-only record of conversation turns.
type Log interface {
	Append(ctx context.Context, entry Entry) error
	Load(ctx context.Context, conversationID string) ([]Turn, error)
	Close() error
}

// MediaStore persists audio artifacts.
type MediaStore interface {
	Save(ctx context.Context, sessionID string, kind MediaKind, format string, data []byte) (MediaRef, error)
	Open(sessionID string, ref MediaRef) (string, error)
}
