package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voiceloop/internal/policy"
)

const defaultPersistTimeout = 3 * time.Second

// StoreOptions configures a per-session Store.
type StoreOptions struct {
	SessionID      string
	Log            Log
	Media          MediaStore
	RedactPII      bool
	PersistTimeout time.Duration
	Logger         *slog.Logger
}

// Store holds the ordered turns of one session and persists each committed turn.
type Store struct {
	sessionID      string
	log            Log
	media          MediaStore
	redact         bool
	persistTimeout time.Duration
	logger         *slog.Logger

	flushMu sync.Mutex

	mu             sync.RWMutex
	conversationID string
	turns          []Turn
	pending        []Entry
}

func NewStore(opts StoreOptions) *Store {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if strings.TrimSpace(opts.SessionID) == "" {
		opts.SessionID = uuid.NewString()
	}
	return &Store{
		sessionID:      opts.SessionID,
		log:            opts.Log,
		media:          opts.Media,
		redact:         opts.RedactPII,
		persistTimeout: opts.PersistTimeout,
		logger:         opts.Logger,
		conversationID: NewConversationID(time.Now()),
	}
}

// NewConversationID returns a sortable identifier for a fresh log artifact.
func NewConversationID(now time.Time) string {
	return now.UTC().Format("20060102_150405") + "_" + uuid.NewString()[:8]
}

func (s *Store) SessionID() string { return s.sessionID }

// Append commits turn and writes it, along with any earlier pending entries, to the log.
// On a log failure the turn is kept and a *PersistenceError is returned alongside it.
func (s *Store) Append(ctx context.Context, turn Turn) (Turn, error) {
	turn = s.Commit(turn)
	return turn, s.Flush(ctx)
}

// Commit assigns identity to turn and records it in order without touching the log.
// The entry is queued until the next Flush.
func (s *Store) Commit(turn Turn) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn.ID = uuid.NewString()
	turn.Seq = len(s.turns)
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	s.turns = append(s.turns, turn)

	if s.log != nil {
		entry := Entry{
			SessionID:      s.sessionID,
			ConversationID: s.conversationID,
			Turn:           turn,
		}
		if s.redact {
			entry.Content, entry.PIIRedacted = policy.RedactPII(entry.Content)
		}
		s.pending = append(s.pending, entry)
	}
	return turn
}

// Flush writes queued entries to the log in commit order. Failed entries are
// dropped from the queue and reported as *PersistenceError.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var errs []error
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.pending = nil
			s.mu.Unlock()
			break
		}
		entry := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
		err := s.log.Append(persistCtx, entry)
		cancel()
		if err != nil {
			s.logger.Warn("conversation log append failed",
				"session_id", s.sessionID,
				"conversation_id", entry.ConversationID,
				"seq", entry.Seq,
				"error", err,
			)
			errs = append(errs, &PersistenceError{Op: "append", Err: err})
		}
	}
	return errors.Join(errs...)
}

// Turns returns a copy of the ordered turns.
func (s *Store) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

func (s *Store) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Clear starts an empty conversation. Persisted logs of earlier conversations are left alone.
// Clearing an already empty store keeps its conversation ID.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) == 0 {
		return
	}
	s.turns = nil
	s.conversationID = NewConversationID(time.Now())
}

// SaveMedia persists an audio artifact under a fresh name.
func (s *Store) SaveMedia(ctx context.Context, data []byte, kind MediaKind, format string) (MediaRef, error) {
	if s.media == nil {
		return "", &PersistenceError{Op: "media", Err: errors.New("no media store configured")}
	}
	if len(data) == 0 {
		return "", &PersistenceError{Op: "media", Err: errors.New("empty artifact")}
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()
	ref, err := s.media.Save(persistCtx, s.sessionID, kind, format, data)
	if err != nil {
		return "", &PersistenceError{Op: "media", Err: err}
	}
	return ref, nil
}

// HasMedia reports whether artifacts can be saved.
func (s *Store) HasMedia() bool { return s.media != nil }

// MediaPath resolves a reference saved by this store to a file path.
func (s *Store) MediaPath(ref MediaRef) (string, error) {
	if s.media == nil {
		return "", ErrMediaNotFound
	}
	return s.media.Open(s.sessionID, ref)
}
