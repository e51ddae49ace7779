package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voiceloop/internal/observability"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is the registry view of a live conversation.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id,omitempty"`
	Status         Status    `json:"status"`
	EndReason      string    `json:"end_reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Factory builds the controller for a new session.
type Factory func(sessionID string) (*Controller, error)

type entry struct {
	session    *Session
	controller *Controller
}

// Manager owns every live session of the network shell. Sessions end on
// request, when their controller terminates (for example on an exit phrase),
// or after the inactivity timeout.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	factory           Factory
	onExpire          func(*Session)
	logger            *slog.Logger
	metrics           *observability.Metrics
}

func NewManager(inactivityTimeout time.Duration, factory Factory, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		factory:           factory,
		logger:            logger,
		metrics:           metrics,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// Create starts a session. A user may hold one active session; creating a new
// one ends the previous.
func (m *Manager) Create(userID string) (*Session, error) {
	id := uuid.NewString()
	c, err := m.factory(id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := &Session{
		ID:             id,
		UserID:         userID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.sessions[id] = &entry{session: s, controller: c}
	previous := ""
	if userID != "" {
		previous = m.sessionByUser[userID]
		m.sessionByUser[userID] = id
	}
	m.mu.Unlock()

	m.metrics.SessionStarted()
	m.logger.Info("session created", "session_id", id, "user_id", userID)
	go m.watch(id, c)
	if previous != "" {
		_, _ = m.end(previous, "replaced")
	}
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

// Controller returns the controller of an active session and records activity.
func (m *Manager) Controller(sessionID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.session.Status != StatusActive {
		return nil, ErrNotFound
	}
	e.session.LastActivityAt = time.Now().UTC()
	return e.controller, nil
}

// Lookup returns a session and its controller whether or not it has ended.
func (m *Manager) Lookup(sessionID string) (*Session, *Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return clone(e.session), e.controller, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// End terminates the session's controller and marks it ended.
func (m *Manager) End(sessionID string) (*Session, error) {
	return m.end(sessionID, "ended")
}

func (m *Manager) end(sessionID, reason string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	wasActive := m.markEndedLocked(e, reason)
	s := clone(e.session)
	c := e.controller
	m.mu.Unlock()

	if wasActive {
		c.Close()
		m.metrics.SessionEnded(reason)
		m.logger.Info("session ended", "session_id", sessionID, "reason", reason)
	}
	return s, nil
}

// watch marks a session ended when its controller terminates on its own.
func (m *Manager) watch(sessionID string, c *Controller) {
	<-c.Done()
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	wasActive := ok && m.markEndedLocked(e, "terminated")
	m.mu.Unlock()
	if wasActive {
		m.metrics.SessionEnded("terminated")
		m.logger.Info("session ended", "session_id", sessionID, "reason", "terminated")
		c.Close()
	}
}

func (m *Manager) markEndedLocked(e *entry, reason string) bool {
	if e.session.Status != StatusActive {
		return false
	}
	e.session.Status = StatusEnded
	e.session.EndReason = reason
	e.session.LastActivityAt = time.Now().UTC()
	if uid := e.session.UserID; uid != "" && m.sessionByUser[uid] == e.session.ID {
		delete(m.sessionByUser, uid)
	}
	return true
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

// CloseAll ends every active session. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, e := range m.sessions {
		if e.session.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_, _ = m.end(id, "shutdown")
	}
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*entry

	m.mu.Lock()
	for id, e := range m.sessions {
		switch {
		case e.session.Status == StatusActive && now.Sub(e.session.LastActivityAt) >= m.inactivityTimeout:
			m.markEndedLocked(e, "expired")
			expired = append(expired, e)
		case e.session.Status == StatusEnded && now.Sub(e.session.LastActivityAt) >= m.inactivityTimeout:
			// Ended sessions stay readable for one more timeout, then are forgotten.
			delete(m.sessions, id)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		e.controller.Close()
		m.metrics.SessionEnded("expired")
		m.logger.Info("session expired", "session_id", e.session.ID)
		if hook != nil {
			m.mu.RLock()
			s := clone(e.session)
			m.mu.RUnlock()
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
