package httpapi

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voiceloop/internal/protocol"
	"github.com/ent0n29/voiceloop/internal/voice"
)

const defaultPlaybackGrace = 2 * time.Second

// PlayerRegistry hands out one RemotePlayer per session. Controllers are built
// before any websocket connects, so the player stays session-scoped and the
// connection attaches to it later.
type PlayerRegistry struct {
	mu      sync.Mutex
	players map[string]*RemotePlayer
	grace   time.Duration
}

func NewPlayerRegistry(grace time.Duration) *PlayerRegistry {
	if grace <= 0 {
		grace = defaultPlaybackGrace
	}
	return &PlayerRegistry{players: make(map[string]*RemotePlayer), grace: grace}
}

// For returns the session's player, creating it on first use.
func (r *PlayerRegistry) For(sessionID string) *RemotePlayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[sessionID]
	if !ok {
		p = newRemotePlayer(sessionID, r.grace)
		r.players[sessionID] = p
	}
	return p
}

func (r *PlayerRegistry) lookup(sessionID string) (*RemotePlayer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[sessionID]
	return p, ok
}

func (r *PlayerRegistry) Release(sessionID string) {
	r.mu.Lock()
	p, ok := r.players[sessionID]
	delete(r.players, sessionID)
	r.mu.Unlock()
	if ok {
		p.detachAll()
	}
}

// RemotePlayer plays audio in the attached websocket client. Play returns when
// the client reports playback_done, ctx ends, or the audio duration plus a
// grace period elapses. With no client attached it falls back to waiting out
// the duration.
type RemotePlayer struct {
	sessionID string
	grace     time.Duration
	fallback  voice.Player

	mu      sync.Mutex
	sink    func(any) bool
	sinkID  uint64
	pending map[string]chan struct{}
}

func newRemotePlayer(sessionID string, grace time.Duration) *RemotePlayer {
	return &RemotePlayer{
		sessionID: sessionID,
		grace:     grace,
		fallback:  voice.SleepPlayer{},
		pending:   make(map[string]chan struct{}),
	}
}

// Attach routes playback to send until the returned detach is called.
// A newer attachment replaces an older one.
func (p *RemotePlayer) Attach(send func(any) bool) (detach func()) {
	p.mu.Lock()
	p.sinkID++
	id := p.sinkID
	p.sink = send
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		if p.sinkID != id {
			p.mu.Unlock()
			return
		}
		p.sink = nil
		p.mu.Unlock()
		p.detachAll()
	}
}

func (p *RemotePlayer) Play(ctx context.Context, a voice.Audio) error {
	p.mu.Lock()
	send := p.sink
	if send == nil {
		p.mu.Unlock()
		return p.fallback.Play(ctx, a)
	}
	playbackID := uuid.NewString()
	done := make(chan struct{})
	p.pending[playbackID] = done
	p.mu.Unlock()
	defer p.forget(playbackID)

	msg := protocol.AssistantAudio{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   p.sessionID,
		PlaybackID:  playbackID,
		Format:      a.Format,
		SampleRate:  a.SampleRate,
		DurationMS:  a.Duration.Milliseconds(),
		AudioBase64: base64.StdEncoding.EncodeToString(a.Data),
	}
	if !send(msg) {
		return p.fallback.Play(ctx, a)
	}

	var deadline <-chan time.Time
	if a.Duration > 0 {
		timer := time.NewTimer(a.Duration + p.grace)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-done:
		return nil
	case <-deadline:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done marks a playback finished. Unknown IDs are ignored.
func (p *RemotePlayer) Done(playbackID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.pending[playbackID]; ok {
		close(ch)
		delete(p.pending, playbackID)
	}
}

func (p *RemotePlayer) forget(playbackID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, playbackID)
}

// detachAll releases every waiting Play; audio cannot finish on a gone client.
func (p *RemotePlayer) detachAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}
