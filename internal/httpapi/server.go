package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voiceloop/internal/config"
	"github.com/ent0n29/voiceloop/internal/conversation"
	"github.com/ent0n29/voiceloop/internal/observability"
	"github.com/ent0n29/voiceloop/internal/protocol"
	"github.com/ent0n29/voiceloop/internal/session"
	"github.com/ent0n29/voiceloop/internal/voice"
)

// Providers names the backends behind each port for health output.
type Providers struct {
	Transcription string `json:"transcription"`
	Completion    string `json:"completion"`
	Synthesis     string `json:"synthesis"`
	Log           string `json:"log"`
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	players   *PlayerRegistry
	metrics   *observability.Metrics
	providers Providers
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, players *PlayerRegistry, metrics *observability.Metrics, providers Providers) *Server {
	if players == nil {
		players = NewPlayerRegistry(0)
	}
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		players:   players,
		metrics:   metrics,
		providers: providers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections may drive a session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/messages", s.handleSubmitText)
	r.Post("/v1/sessions/{id}/interrupt", s.handleInterrupt)
	r.Post("/v1/sessions/{id}/clear", s.handleClear)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/media/{name}", s.handleMedia)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
		"providers":       s.providers,
		"host":            observability.CollectHostStats(ctx),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"providers": s.providers,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	sess, err := s.sessions.Create(req.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	_, ctrl, err := s.sessions.Lookup(sess.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	snap := ctrl.Snapshot()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		ConversationID:  snap.ConversationID,
		Phase:           snap.Phase,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ctrl, err := s.sessions.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session.StateResponse{Session: sess, State: ctrl.Snapshot()})
}

type submitTextRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSubmitText(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.activeController(w, r)
	if !ok {
		return
	}
	var req submitTextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := ctrl.SubmitText(req.Text); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"phase": ctrl.Phase()})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.activeController(w, r)
	if !ok {
		return
	}
	if err := ctrl.Interrupt(); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"phase": ctrl.Phase()})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.activeController(w, r)
	if !ok {
		return
	}
	if err := ctrl.Clear(); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, ctrl, err := s.sessions.Lookup(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	ref := conversation.MediaRef(id + "/" + chi.URLParam(r, "name"))
	path, err := ctrl.MediaPath(ref)
	if err != nil {
		respondError(w, http.StatusNotFound, "media_not_found", err.Error())
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) activeController(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	ctrl, err := s.sessions.Controller(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return ctrl, true
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	ctrl, err := s.sessions.Controller(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	send := func(msg any) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case outbound <- msg:
			return true
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
			s.metrics.ObserveSessionEvent("ws_drop_full")
			return false
		}
	}

	player := s.players.For(sessionID)
	detach := player.Attach(send)
	defer detach()

	events, unsubscribe := ctrl.Subscribe(128)
	defer unsubscribe()

	ended := make(chan struct{})
	go func() {
		defer close(ended)
		send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "connected", Detail: string(ctrl.Phase())})
		for ev := range events {
			if msg, ok := eventMessage(ev); ok {
				send(msg)
			}
		}
		select {
		case <-ctrl.Done():
			send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "session_ended"})
		default:
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		write := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.ObserveSessionEvent("ws_write_error")
				return false
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
			return true
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				if !write(msg) {
					cancel()
					return
				}
			case <-ended:
			drain:
				for {
					select {
					case msg := <-outbound:
						if !write(msg) {
							cancel()
							return
						}
					default:
						break drain
					}
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(time.Second))
				cancel()
				// Unblocks the read loop.
				_ = conn.Close()
				return
			}
		}
	}()

	conn.SetReadLimit(16 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(errorEvent(sessionID, "invalid_client_message", err))
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		_ = s.sessions.Touch(sessionID)
		if err := s.dispatchClientMessage(ctrl, player, sessionID, parsed); err != nil {
			send(errorEvent(sessionID, controlErrorCode(err), err))
		}
	}

	cancel()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (s *Server) dispatchClientMessage(ctrl *session.Controller, player *RemotePlayer, sessionID string, msg any) error {
	switch m := msg.(type) {
	case protocol.ClientControl:
		if m.SessionID != sessionID {
			return errSessionMismatch
		}
		switch m.Action {
		case protocol.ActionStartInput:
			mode, err := session.ParseMode(m.Mode)
			if err != nil {
				return err
			}
			return ctrl.StartInput(mode)
		case protocol.ActionInterrupt:
			return ctrl.Interrupt()
		case protocol.ActionTerminate:
			ctrl.Terminate()
			return nil
		case protocol.ActionClear:
			return ctrl.Clear()
		case protocol.ActionPlaybackDone:
			player.Done(m.PlaybackID)
			return nil
		}
	case protocol.ClientText:
		if m.SessionID != sessionID {
			return errSessionMismatch
		}
		return ctrl.SubmitText(m.Text)
	case protocol.ClientAudio:
		if m.SessionID != sessionID {
			return errSessionMismatch
		}
		data, err := base64.StdEncoding.DecodeString(m.AudioBase64)
		if err != nil {
			return errInvalidAudio
		}
		return ctrl.InputReady(voice.Capture{Data: data, Format: m.Format, SampleRate: m.SampleRate})
	}
	return protocol.ErrUnsupportedType
}

var (
	errSessionMismatch = errors.New("message session_id does not match connection")
	errInvalidAudio    = errors.New("audio_base64 is not valid base64")
)

func controlErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrTerminated):
		return "session_terminated"
	case errors.Is(err, session.ErrNotListening):
		return "not_listening"
	case errors.Is(err, session.ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, errSessionMismatch):
		return "session_mismatch"
	default:
		return "invalid_client_message"
	}
}

func respondControlError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, session.ErrTerminated) || errors.Is(err, session.ErrNotListening) {
		status = http.StatusConflict
	}
	respondError(w, status, controlErrorCode(err), err.Error())
}

func errorEvent(sessionID, code string, err error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "gateway",
		Retryable: false,
		Detail:    err.Error(),
	}
}

// eventMessage maps a controller event onto the websocket protocol.
func eventMessage(ev session.Event) (any, bool) {
	switch ev.Type {
	case session.EventPhaseChanged:
		return protocol.PhaseChanged{
			Type:      protocol.TypePhaseChanged,
			SessionID: ev.SessionID,
			Phase:     string(ev.Phase),
			Previous:  string(ev.Previous),
			TSMs:      ev.At.UnixMilli(),
		}, true
	case session.EventTurnAppended:
		if ev.Turn == nil {
			return nil, false
		}
		return protocol.TurnAppended{
			Type:      protocol.TypeTurnAppended,
			SessionID: ev.SessionID,
			TurnID:    ev.Turn.ID,
			Seq:       ev.Turn.Seq,
			Role:      string(ev.Turn.Role),
			Content:   ev.Turn.Content,
			MediaRef:  string(ev.Turn.MediaRef),
			TSMs:      ev.Turn.Timestamp.UnixMilli(),
		}, true
	case session.EventError:
		if ev.Error == nil {
			return nil, false
		}
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: ev.SessionID,
			Code:      ev.Error.Code,
			Source:    string(ev.Error.Kind),
			Retryable: ev.Error.Retryable,
			Detail:    ev.Error.Message,
		}, true
	case session.EventMediaSaved:
		if ev.Media == nil {
			return nil, false
		}
		return protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: ev.SessionID,
			Code:      "media_saved_" + string(ev.Media.Kind),
			Detail:    string(ev.Media.Ref),
		}, true
	case session.EventCleared:
		return protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: ev.SessionID,
			Code:      "conversation_cleared",
		}, true
	default:
		return nil, false
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ClientText:
		return m.Type, true
	case protocol.ClientAudio:
		return m.Type, true
	case protocol.PhaseChanged:
		return m.Type, true
	case protocol.TurnAppended:
		return m.Type, true
	case protocol.AssistantAudio:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
