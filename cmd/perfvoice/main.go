package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voiceloop/internal/observability"
	"github.com/ent0n29/voiceloop/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	mode           string
	wavPath        string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type       string `json:"type"`
	Phase      string `json:"phase,omitempty"`
	Previous   string `json:"previous,omitempty"`
	Role       string `json:"role,omitempty"`
	Content    string `json:"content,omitempty"`
	PlaybackID string `json:"playback_id,omitempty"`
	Code       string `json:"code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("perfvoice", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voiceloop base URL")
	fs.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id used for the synthetic session")
	fs.StringVar(&cfg.mode, "mode", "text", "turn input: text (client_text) or voice (client_audio)")
	fs.StringVar(&cfg.wavPath, "wav", "", "voice mode: WAV file sent as every capture (default: text captures for the mock transcriber)")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for each turn to finish in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.mode != "text" && cfg.mode != "voice" {
		return options{}, fmt.Errorf("mode must be text or voice")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	cfg.texts = splitTexts(textsRaw)
	if len(cfg.texts) == 0 {
		if strings.TrimSpace(textsRaw) != "" {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	var wav []byte
	if cfg.mode == "voice" && cfg.wavPath != "" {
		var err error
		if wav, err = os.ReadFile(cfg.wavPath); err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
	}

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("perfvoice: session=%s turns=%d mode=%s\n", sessionID, cfg.turns, cfg.mode)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	envCh := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, envCh, readErrCh)

	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("perfvoice: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		started := time.Now()
		if cfg.mode == "voice" {
			err = sendVoiceTurn(conn, sessionID, text, wav, envCh, readErrCh, cfg.turnTimeout)
		} else {
			err = conn.WriteJSON(protocol.ClientText{Type: protocol.TypeClientText, SessionID: sessionID, Text: text})
		}
		if err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		res, err := awaitTurn(conn, sessionID, envCh, readErrCh, cfg.turnTimeout, started)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf("perfvoice: turn %d reply_ms=%d total_ms=%d reply=%q\n", i+1, res.reply.Milliseconds(), res.total.Milliseconds(), res.content)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	return printLatency(ctx, httpClient, cfg.baseURL)
}

func sendVoiceTurn(conn *websocket.Conn, sessionID, text string, wav []byte, envCh <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration) error {
	err := conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    protocol.ActionStartInput,
		Mode:      "voice",
		TSMs:      time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := awaitPhase(envCh, readErrCh, "listening", timeout); err != nil {
		return err
	}
	msg := protocol.ClientAudio{
		Type:        protocol.TypeClientAudio,
		SessionID:   sessionID,
		Format:      "text",
		AudioBase64: base64.StdEncoding.EncodeToString([]byte(text)),
	}
	if len(wav) > 0 {
		msg.Format = "wav"
		msg.AudioBase64 = base64.StdEncoding.EncodeToString(wav)
	}
	return conn.WriteJSON(msg)
}

func awaitPhase(envCh <-chan wsEnvelope, readErrCh <-chan error, phase string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-envCh:
			if env.Type == string(protocol.TypePhaseChanged) && env.Phase == phase {
				return nil
			}
		case err := <-readErrCh:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout waiting for %s after %s", phase, timeout)
		}
	}
}

type turnResult struct {
	content string
	reply   time.Duration
	total   time.Duration
}

// turnTracker folds server messages into the outcome of one turn.
type turnTracker struct {
	started time.Time
	result  turnResult
	replied bool
}

// observe returns done once the controller is idle after an assistant turn,
// or an error for a failed turn.
func (t *turnTracker) observe(env wsEnvelope, now time.Time) (bool, error) {
	switch protocol.MessageType(env.Type) {
	case protocol.TypeTurnAppended:
		if env.Role == "assistant" {
			t.replied = true
			t.result.content = env.Content
			t.result.reply = now.Sub(t.started)
		}
	case protocol.TypePhaseChanged:
		if env.Phase == "idle" && t.replied {
			t.result.total = now.Sub(t.started)
			return true, nil
		}
		if env.Phase == "terminated" {
			return true, fmt.Errorf("session terminated")
		}
	case protocol.TypeErrorEvent:
		return true, fmt.Errorf("error_event code=%s detail=%s", env.Code, env.Detail)
	}
	return false, nil
}

func awaitTurn(conn *websocket.Conn, sessionID string, envCh <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration, started time.Time) (turnResult, error) {
	tracker := &turnTracker{started: started}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-envCh:
			if env.Type == string(protocol.TypeAssistantAudio) {
				// Acknowledge playback immediately so timings measure the server.
				err := conn.WriteJSON(protocol.ClientControl{
					Type:       protocol.TypeClientControl,
					SessionID:  sessionID,
					Action:     protocol.ActionPlaybackDone,
					PlaybackID: env.PlaybackID,
				})
				if err != nil {
					return turnResult{}, err
				}
				continue
			}
			done, err := tracker.observe(env, time.Now())
			if err != nil {
				return turnResult{}, err
			}
			if done {
				return tracker.result, nil
			}
		case err := <-readErrCh:
			return turnResult{}, err
		case <-timer.C:
			return turnResult{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(map[string]string{"user_id": cfg.userID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func printLatency(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	var report observability.LatencyReport
	if err := json.NewDecoder(res.Body).Decode(&report); err != nil {
		return fmt.Errorf("decode latency report: %w", err)
	}
	for _, s := range report.Stages {
		fmt.Printf("perfvoice: stage=%s samples=%d p50_ms=%.1f p95_ms=%.1f budget_ms=%.0f over_budget=%d\n",
			s.Stage, s.Samples, s.P50MS, s.P95MS, s.BudgetMS, s.OverBudget)
	}
	for outcome, n := range report.Outcomes {
		fmt.Printf("perfvoice: outcome=%s count=%d\n", outcome, n)
	}
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, envCh chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		envCh <- env
	}
}
