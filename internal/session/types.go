package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID string `json:"user_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id,omitempty"`
	Status          Status    `json:"status"`
	ConversationID  string    `json:"conversation_id"`
	Phase           Phase     `json:"phase"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// StateResponse is the readable state of a session: registry metadata plus
// the controller snapshot.
type StateResponse struct {
	Session *Session `json:"session"`
	State   Snapshot `json:"state"`
}
