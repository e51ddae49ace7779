package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voiceloop/internal/config"
	"github.com/ent0n29/voiceloop/internal/conversation"
	"github.com/ent0n29/voiceloop/internal/llm"
	"github.com/ent0n29/voiceloop/internal/observability"
	"github.com/ent0n29/voiceloop/internal/session"
	"github.com/ent0n29/voiceloop/internal/voice"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test_httpapi")
	players := NewPlayerRegistry(50 * time.Millisecond)
	factory := func(id string) (*session.Controller, error) {
		return session.NewController(session.ControllerOptions{
			Store: conversation.NewStore(conversation.StoreOptions{SessionID: id, Logger: logger}),
			Ports: session.Ports{
				Transcriber: voice.NewMockTranscriber(),
				Completer:   llm.NewMockCompleter(),
				Synthesizer: voice.NewMockSynthesizer(),
				Player:      players.For(id),
			},
			ExitPhrases: config.DefaultExitPhrases,
			Logger:      logger,
			Metrics:     metrics,
		})
	}
	sessions := session.NewManager(time.Minute, factory, logger, metrics)
	srv := New(config.Config{}, sessions, players, metrics, Providers{Transcription: "mock", Completion: "mock", Synthesis: "mock", Log: "none"})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		sessions.CloseAll()
	})
	return ts
}

func createSession(t *testing.T, baseURL string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": "user-1"})
	res, err := http.Post(baseURL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" || created.ConversationID == "" {
		t.Fatalf("missing ids in create response: %+v", created)
	}
	if created.Phase != session.PhaseIdle {
		t.Fatalf("created phase = %q, want idle", created.Phase)
	}
	return created.SessionID
}

func getState(t *testing.T, baseURL, id string) session.StateResponse {
	t.Helper()
	res, err := http.Get(baseURL + "/v1/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET session status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var state session.StateResponse
	if err := json.NewDecoder(res.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return state
}

func TestSessionTextRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts.URL)

	res, err := http.Post(ts.URL+"/v1/sessions/"+id+"/messages", "application/json", strings.NewReader(`{"text":"Hello"}`))
	if err != nil {
		t.Fatalf("submit text error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}

	deadline := time.Now().Add(2 * time.Second)
	var state session.StateResponse
	for time.Now().Before(deadline) {
		state = getState(t, ts.URL, id)
		if len(state.State.Turns) == 2 && state.State.Phase == session.PhaseIdle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(state.State.Turns) != 2 {
		t.Fatalf("turns = %+v, want user and assistant", state.State.Turns)
	}
	if got := state.State.Turns[1].Content; got != "I heard you: Hello" {
		t.Fatalf("assistant content = %q", got)
	}
	if state.Session == nil || state.Session.ID != id {
		t.Fatalf("state session = %+v, want id %s", state.Session, id)
	}

	endRes, err := http.Post(ts.URL+"/v1/sessions/"+id+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	res, err = http.Post(ts.URL+"/v1/sessions/"+id+"/messages", "application/json", strings.NewReader(`{"text":"again"}`))
	if err != nil {
		t.Fatalf("submit after end error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("submit after end status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	if got := getState(t, ts.URL, id); got.State.Phase != session.PhaseTerminated {
		t.Fatalf("phase after end = %q, want terminated", got.State.Phase)
	}
}

func TestSessionRejectsBlankText(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts.URL)

	res, err := http.Post(ts.URL+"/v1/sessions/"+id+"/messages", "application/json", strings.NewReader(`{"text":"   "}`))
	if err != nil {
		t.Fatalf("submit text error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	var body errorResponse
	_ = json.NewDecoder(res.Body).Decode(&body)
	if body.Code != "empty_input" {
		t.Fatalf("code = %q, want empty_input", body.Code)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/v1/sessions/nope", "/v1/sessions/nope/media/x.wav"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusNotFound)
		}
	}
	res, err := http.Post(ts.URL+"/v1/sessions/nope/interrupt", "application/json", nil)
	if err != nil {
		t.Fatalf("interrupt error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("interrupt status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestHealthAndPerfRoutes(t *testing.T) {
	ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	var health map[string]any
	_ = json.NewDecoder(res.Body).Decode(&health)
	res.Body.Close()
	if health["status"] != "ok" {
		t.Fatalf("health = %+v", health)
	}
	providers, _ := health["providers"].(map[string]any)
	if providers["completion"] != "mock" {
		t.Fatalf("providers = %+v", providers)
	}

	res, err = http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/perf/latency", nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/perf/latency error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialSession(t *testing.T, baseURL, id string) *wsClient {
	t.Helper()
	u := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/sessions/ws?session_id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg map[string]any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("write %v: %v", msg, err)
	}
}

// waitFor reads messages until match returns true.
func (c *wsClient) waitFor(what string, match func(map[string]any) bool) map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestWebSocketVoiceTurn(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts.URL)
	ws := dialSession(t, ts.URL, id)

	ws.waitFor("connected", func(m map[string]any) bool {
		return m["type"] == "system_event" && m["code"] == "connected"
	})

	ws.send(map[string]any{"type": "client_control", "session_id": id, "action": "start_input", "mode": "voice"})
	ws.waitFor("listening", func(m map[string]any) bool {
		return m["type"] == "phase_changed" && m["phase"] == "listening"
	})

	ws.send(map[string]any{
		"type":         "client_audio",
		"session_id":   id,
		"format":       "text",
		"audio_base64": base64.StdEncoding.EncodeToString([]byte("how are you")),
	})
	user := ws.waitFor("user turn", func(m map[string]any) bool {
		return m["type"] == "turn_appended" && m["role"] == "user"
	})
	if user["content"] != "how are you" {
		t.Fatalf("user turn = %+v", user)
	}
	assistant := ws.waitFor("assistant turn", func(m map[string]any) bool {
		return m["type"] == "turn_appended" && m["role"] == "assistant"
	})
	if assistant["content"] != "I heard you: how are you" {
		t.Fatalf("assistant turn = %+v", assistant)
	}

	audio := ws.waitFor("assistant audio", func(m map[string]any) bool {
		return m["type"] == "assistant_audio"
	})
	playbackID, _ := audio["playback_id"].(string)
	if playbackID == "" {
		t.Fatalf("assistant_audio without playback_id: %+v", audio)
	}
	ws.send(map[string]any{"type": "client_control", "session_id": id, "action": "playback_done", "playback_id": playbackID})
	ws.waitFor("idle", func(m map[string]any) bool {
		return m["type"] == "phase_changed" && m["phase"] == "idle" && m["previous"] == "speaking"
	})
}

func TestWebSocketExitPhraseEndsSession(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts.URL)
	ws := dialSession(t, ts.URL, id)

	ws.send(map[string]any{"type": "client_text", "session_id": id, "text": "Bye!"})
	ws.waitFor("terminated", func(m map[string]any) bool {
		return m["type"] == "phase_changed" && m["phase"] == "terminated"
	})
	ws.waitFor("session_ended", func(m map[string]any) bool {
		return m["type"] == "system_event" && m["code"] == "session_ended"
	})

	state := getState(t, ts.URL, id)
	if len(state.State.Turns) != 0 {
		t.Fatalf("turns = %+v, want none", state.State.Turns)
	}
}

func TestWebSocketReportsInvalidMessages(t *testing.T) {
	ts := newTestServer(t)
	id := createSession(t, ts.URL)
	ws := dialSession(t, ts.URL, id)

	ws.send(map[string]any{"type": "wat"})
	ws.waitFor("invalid message error", func(m map[string]any) bool {
		return m["type"] == "error_event" && m["code"] == "invalid_client_message"
	})

	ws.send(map[string]any{"type": "client_audio", "session_id": id, "format": "text", "audio_base64": "aGk="})
	ws.waitFor("not listening error", func(m map[string]any) bool {
		return m["type"] == "error_event" && m["code"] == "not_listening"
	})
}

func TestWebSocketRequiresKnownSession(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/v1/sessions/ws?session_id=missing")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}
