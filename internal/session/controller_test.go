package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voiceloop/internal/conversation"
	"github.com/ent0n29/voiceloop/internal/llm"
	"github.com/ent0n29/voiceloop/internal/voice"
)

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

type completerFunc func(ctx context.Context, turns []conversation.Turn) (string, error)

func (f completerFunc) Complete(ctx context.Context, turns []conversation.Turn) (string, error) {
	return f(ctx, turns)
}

func replyWith(reply string) completerFunc {
	return func(context.Context, []conversation.Turn) (string, error) { return reply, nil }
}

// blockUntilCancelled completes only when ctx is done.
func blockUntilCancelled(started chan<- struct{}) completerFunc {
	return func(ctx context.Context, _ []conversation.Turn) (string, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return "", ctx.Err()
	}
}

type synthFunc func(ctx context.Context, text string) (voice.Audio, error)

func (f synthFunc) Synthesize(ctx context.Context, text string) (voice.Audio, error) {
	return f(ctx, text)
}

// blockingPlayer plays until its context ends and records how playback ended.
type blockingPlayer struct {
	started   chan struct{}
	startOnce sync.Once
	mu        sync.Mutex
	endErr    error
	ended     chan struct{}
	endOnce   sync.Once
}

func newBlockingPlayer() *blockingPlayer {
	return &blockingPlayer{started: make(chan struct{}), ended: make(chan struct{})}
}

func (p *blockingPlayer) Play(ctx context.Context, _ voice.Audio) error {
	p.startOnce.Do(func() { close(p.started) })
	<-ctx.Done()
	p.endOnce.Do(func() {
		p.mu.Lock()
		p.endErr = ctx.Err()
		p.mu.Unlock()
		close(p.ended)
	})
	return ctx.Err()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) ofType(t EventType) []Event {
	var out []Event
	for _, e := range l.snapshot() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	c      *Controller
	store  *conversation.Store
	events *eventLog
}

func newHarness(t *testing.T, ports Ports, mutate ...func(*ControllerOptions)) *harness {
	t.Helper()
	store := conversation.NewStore(conversation.StoreOptions{SessionID: "s1"})
	events := &eventLog{}
	opts := ControllerOptions{
		Store:       store,
		Ports:       ports,
		ExitPhrases: []string{"exit", "quit", "bye", "再见"},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnEvent:     events.record,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewController(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return &harness{c: c, store: store, events: events}
}

func (h *harness) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return h.c.Phase() == want }, waitFor, tick, "phase never became %s (now %s)", want, h.c.Phase())
}

func textCapture(s string) voice.Capture {
	return voice.Capture{Data: []byte(s), Format: voice.FormatText}
}

func contents(turns []conversation.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, string(t.Role)+":"+t.Content)
	}
	return out
}

func TestTextTurnAppendsUserAndAssistant(t *testing.T) {
	h := newHarness(t, Ports{Completer: replyWith("Hi there!")})

	require.NoError(t, h.c.SubmitText("Hello"))
	h.waitPhase(t, PhaseIdle)
	require.Eventually(t, func() bool { return h.store.Len() == 2 }, waitFor, tick)

	assert.Equal(t, []string{"user:Hello", "assistant:Hi there!"}, contents(h.c.Turns()))
	assert.Equal(t, PhaseIdle, h.c.Phase())
}

func TestTextTurnPhaseEventsInOrder(t *testing.T) {
	h := newHarness(t, Ports{Completer: replyWith("Hi there!")})

	require.NoError(t, h.c.SubmitText("Hello"))
	require.Eventually(t, func() bool { return len(h.events.ofType(EventPhaseChanged)) == 3 }, waitFor, tick)

	var phases []Phase
	for _, e := range h.events.ofType(EventPhaseChanged) {
		phases = append(phases, e.Phase)
	}
	assert.Equal(t, []Phase{PhaseGenerating, PhaseSpeaking, PhaseIdle}, phases)

	appended := h.events.ofType(EventTurnAppended)
	require.Len(t, appended, 2)
	assert.Equal(t, conversation.RoleUser, appended[0].Turn.Role)
	assert.Equal(t, conversation.RoleAssistant, appended[1].Turn.Role)
}

func TestVoiceExitPhraseTerminatesWithoutTurn(t *testing.T) {
	h := newHarness(t, Ports{Transcriber: voice.NewMockTranscriber(), Completer: replyWith("unused")})

	require.NoError(t, h.c.StartInput(ModeVoice))
	assert.Equal(t, PhaseListening, h.c.Phase())
	require.NoError(t, h.c.InputReady(textCapture("bye")))

	select {
	case <-h.c.Done():
	case <-time.After(waitFor):
		t.Fatal("controller did not terminate")
	}
	assert.Equal(t, PhaseTerminated, h.c.Phase())
	assert.Empty(t, h.c.Turns())
	assert.ErrorIs(t, h.c.SubmitText("hello again"), ErrTerminated)
	assert.ErrorIs(t, h.c.StartInput(ModeVoice), ErrTerminated)
	assert.Equal(t, 0, h.store.Len())
}

func TestExitPhraseAfterConversationAppendsNothingMore(t *testing.T) {
	h := newHarness(t, Ports{Completer: replyWith("ok")})

	require.NoError(t, h.c.SubmitText("Hello"))
	h.waitPhase(t, PhaseIdle)
	require.Eventually(t, func() bool { return h.store.Len() == 2 }, waitFor, tick)

	require.NoError(t, h.c.SubmitText("  QUIT! "))
	assert.Equal(t, PhaseTerminated, h.c.Phase())
	assert.Len(t, h.c.Turns(), 2)
}

func TestExitPhraseMustMatchWholeInput(t *testing.T) {
	h := newHarness(t, Ports{Completer: replyWith("sure")})

	require.NoError(t, h.c.SubmitText("how do I exit vim"))
	h.waitPhase(t, PhaseIdle)
	require.Eventually(t, func() bool { return h.store.Len() == 2 }, waitFor, tick)
	assert.NotEqual(t, PhaseTerminated, h.c.Phase())
}

func TestInterruptDuringGeneratingDropsReply(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, Ports{Transcriber: voice.NewMockTranscriber(), Completer: blockUntilCancelled(started)})

	require.NoError(t, h.c.StartInput(ModeVoice))
	require.NoError(t, h.c.InputReady(textCapture("tell me a story")))
	<-started
	assert.Equal(t, PhaseGenerating, h.c.Phase())

	require.NoError(t, h.c.Interrupt())
	assert.Equal(t, PhaseIdle, h.c.Phase())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"user:tell me a story"}, contents(h.c.Turns()))
	assert.Equal(t, PhaseIdle, h.c.Phase())
	assert.Empty(t, h.events.ofType(EventError), "a cancelled step is not an error")
}

func TestStaleReplyAfterInterruptIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	// Ignores cancellation to model a port that finishes anyway.
	stubborn := completerFunc(func(context.Context, []conversation.Turn) (string, error) {
		close(started)
		<-release
		return "too late", nil
	})
	h := newHarness(t, Ports{Completer: stubborn})

	require.NoError(t, h.c.SubmitText("Hello"))
	<-started
	require.NoError(t, h.c.Interrupt())
	close(release)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"user:Hello"}, contents(h.c.Turns()))
	assert.Equal(t, PhaseIdle, h.c.Phase())
}

func TestBargeInDuringSpeakingCancelsPlayback(t *testing.T) {
	player := newBlockingPlayer()
	h := newHarness(t, Ports{
		Transcriber: voice.NewMockTranscriber(),
		Completer:   replyWith("Once upon a time"),
		Synthesizer: voice.NewMockSynthesizer(),
		Player:      player,
	})

	require.NoError(t, h.c.StartInput(ModeVoice))
	require.NoError(t, h.c.InputReady(textCapture("tell me a story")))
	select {
	case <-player.started:
	case <-time.After(waitFor):
		t.Fatal("playback never started")
	}
	assert.Equal(t, PhaseSpeaking, h.c.Phase())
	assert.True(t, h.c.Snapshot().Playing)

	require.NoError(t, h.c.StartInput(ModeVoice))
	assert.Equal(t, PhaseListening, h.c.Phase())

	select {
	case <-player.ended:
	case <-time.After(waitFor):
		t.Fatal("playback was not cancelled")
	}
	assert.ErrorIs(t, player.endErr, context.Canceled)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseListening, h.c.Phase())
	assert.False(t, h.c.Snapshot().Playing)
	assert.Equal(t, []string{"user:tell me a story", "assistant:Once upon a time"}, contents(h.c.Turns()))
	assert.Empty(t, h.events.ofType(EventError))
}

func TestTextSubmissionDuringSpeakingStartsNewTurn(t *testing.T) {
	player := newBlockingPlayer()
	calls := 0
	var mu sync.Mutex
	completer := completerFunc(func(_ context.Context, turns []conversation.Turn) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "a long answer", nil
		}
		return "short answer", nil
	})
	h := newHarness(t, Ports{
		Completer:   completer,
		Synthesizer: voice.NewMockSynthesizer(),
		Player:      player,
	}, func(o *ControllerOptions) { o.SpeakTypedReplies = true })

	require.NoError(t, h.c.SubmitText("first"))
	<-player.started
	require.NoError(t, h.c.SubmitText("second"))
	<-player.ended

	require.Eventually(t, func() bool { return h.store.Len() == 4 }, waitFor, tick)
	assert.Equal(t, []string{
		"user:first", "assistant:a long answer",
		"user:second", "assistant:short answer",
	}, contents(h.c.Turns()))

	var phases []Phase
	for _, e := range h.events.ofType(EventPhaseChanged) {
		phases = append(phases, e.Phase)
	}
	require.GreaterOrEqual(t, len(phases), 5)
	assert.Equal(t, []Phase{PhaseGenerating, PhaseSpeaking, PhaseIdle, PhaseGenerating, PhaseSpeaking}, phases[:5])
}

func TestCompletionFailureKeepsTurnsAndReturnsIdle(t *testing.T) {
	failing := completerFunc(func(context.Context, []conversation.Turn) (string, error) {
		return "", &llm.CompletionError{Provider: "openai", Code: "rate_limited", Retryable: true, Err: errors.New("HTTP 429")}
	})
	h := newHarness(t, Ports{Completer: failing})

	require.NoError(t, h.c.SubmitText("Hello"))
	require.Eventually(t, func() bool { return len(h.events.ofType(EventError)) == 1 }, waitFor, tick)

	assert.Equal(t, PhaseIdle, h.c.Phase())
	assert.Equal(t, []string{"user:Hello"}, contents(h.c.Turns()))
	info := h.events.ofType(EventError)[0].Error
	assert.Equal(t, KindCompletion, info.Kind)
	assert.Equal(t, "rate_limited", info.Code)
	assert.True(t, info.Retryable)
}

func TestEmptyReplyIsCompletionFailure(t *testing.T) {
	h := newHarness(t, Ports{Completer: replyWith("   ")})

	require.NoError(t, h.c.SubmitText("Hello"))
	require.Eventually(t, func() bool { return len(h.events.ofType(EventError)) == 1 }, waitFor, tick)
	assert.Equal(t, "empty_reply", h.events.ofType(EventError)[0].Error.Code)
	assert.Equal(t, 1, h.store.Len())
}

func TestCompletionTimeoutSurfacesTimeout(t *testing.T) {
	h := newHarness(t, Ports{Completer: blockUntilCancelled(nil)}, func(o *ControllerOptions) {
		o.Timeouts.Completion = 20 * time.Millisecond
	})

	require.NoError(t, h.c.SubmitText("Hello"))
	require.Eventually(t, func() bool { return len(h.events.ofType(EventError)) == 1 }, waitFor, tick)

	info := h.events.ofType(EventError)[0].Error
	assert.Equal(t, KindCompletion, info.Kind)
	assert.Equal(t, "timeout", info.Code)
	h.waitPhase(t, PhaseIdle)
}

func TestTranscriptionFailureReturnsIdle(t *testing.T) {
	h := newHarness(t, Ports{Transcriber: voice.NewMockTranscriber(), Completer: replyWith("unused")})

	require.NoError(t, h.c.StartInput(ModeVoice))
	require.NoError(t, h.c.InputReady(voice.Capture{Format: "pcm"}))
	require.Eventually(t, func() bool { return len(h.events.ofType(EventError)) == 1 }, waitFor, tick)

	info := h.events.ofType(EventError)[0].Error
	assert.Equal(t, KindTranscription, info.Kind)
	assert.Equal(t, "no_speech", info.Code)
	assert.Equal(t, PhaseIdle, h.c.Phase())
	assert.Empty(t, h.c.Turns())
}

func TestInputReadyRequiresListening(t *testing.T) {
	h := newHarness(t, Ports{Transcriber: voice.NewMockTranscriber(), Completer: replyWith("x")})
	assert.ErrorIs(t, h.c.InputReady(textCapture("hi")), ErrNotListening)
}

func TestSubmitTextRejectsBlankInput(t *testing.T) {
	h := newHarness(t, Ports{Completer: replyWith("x")})
	assert.ErrorIs(t, h.c.SubmitText("  \n"), ErrEmptyInput)
	assert.Equal(t, PhaseIdle, h.c.Phase())
}

func TestSynthesisFailureKeepsAssistantTurn(t *testing.T) {
	failing := synthFunc(func(context.Context, string) (voice.Audio, error) {
		return voice.Audio{}, &voice.SynthesisError{Provider: "elevenlabs", Code: "unauthorized", Err: errors.New("HTTP 401")}
	})
	h := newHarness(t, Ports{
		Transcriber: voice.NewMockTranscriber(),
		Completer:   replyWith("Hi there!"),
		Synthesizer: failing,
	})

	require.NoError(t, h.c.StartInput(ModeVoice))
	require.NoError(t, h.c.InputReady(textCapture("Hello")))
	require.Eventually(t, func() bool { return len(h.events.ofType(EventError)) == 1 }, waitFor, tick)

	info := h.events.ofType(EventError)[0].Error
	assert.Equal(t, KindSynthesis, info.Kind)
	assert.Equal(t, "unauthorized", info.Code)
	h.waitPhase(t, PhaseIdle)
	assert.Equal(t, []string{"user:Hello", "assistant:Hi there!"}, contents(h.c.Turns()))
}

type brokenLog struct{}

func (brokenLog) Append(context.Context, conversation.Entry) error { return errors.New("disk full") }
func (brokenLog) Load(context.Context, string) ([]conversation.Turn, error) {
	return nil, nil
}
func (brokenLog) Close() error { return nil }

func TestPersistenceFailureIsSurfacedButTurnKept(t *testing.T) {
	store := conversation.NewStore(conversation.StoreOptions{
		SessionID: "s1",
		Log:       brokenLog{},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h := newHarness(t, Ports{Completer: replyWith("Hi there!")}, func(o *ControllerOptions) { o.Store = store })
	h.store = store

	require.NoError(t, h.c.SubmitText("Hello"))
	require.Eventually(t, func() bool { return store.Len() == 2 }, waitFor, tick)
	h.waitPhase(t, PhaseIdle)

	require.Eventually(t, func() bool { return len(h.events.ofType(EventError)) == 2 }, waitFor, tick)
	for _, e := range h.events.ofType(EventError) {
		assert.Equal(t, KindPersistence, e.Error.Kind)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	h := newHarness(t, Ports{Completer: replyWith("Hi there!")})

	require.NoError(t, h.c.SubmitText("Hello"))
	require.Eventually(t, func() bool { return h.store.Len() == 2 }, waitFor, tick)
	h.waitPhase(t, PhaseIdle)
	before := h.store.ConversationID()

	require.NoError(t, h.c.Clear())
	once := h.c.Snapshot()
	require.NoError(t, h.c.Clear())
	twice := h.c.Snapshot()

	assert.Empty(t, once.Turns)
	assert.Equal(t, once.Turns, twice.Turns)
	assert.Equal(t, once.Phase, twice.Phase)
	assert.Equal(t, PhaseIdle, twice.Phase)
	assert.NotEqual(t, before, once.ConversationID)
	assert.Equal(t, once.ConversationID, twice.ConversationID)
}

func TestClearDuringGeneratingDropsReply(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, Ports{Completer: blockUntilCancelled(started)})

	require.NoError(t, h.c.SubmitText("Hello"))
	<-started
	require.NoError(t, h.c.Clear())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.c.Turns())
	assert.Equal(t, PhaseIdle, h.c.Phase())
}

func TestTurnsStayInAppendOrder(t *testing.T) {
	h := newHarness(t, Ports{Completer: completerFunc(func(_ context.Context, turns []conversation.Turn) (string, error) {
		return "reply to " + turns[len(turns)-1].Content, nil
	})})

	inputs := []string{"one", "two", "three"}
	for i, in := range inputs {
		require.NoError(t, h.c.SubmitText(in))
		want := 2 * (i + 1)
		require.Eventually(t, func() bool { return h.store.Len() == want }, waitFor, tick)
		h.waitPhase(t, PhaseIdle)
	}

	turns := h.c.Turns()
	require.Len(t, turns, 6)
	for i, turn := range turns {
		assert.Equal(t, i, turn.Seq)
		if i > 0 {
			assert.False(t, turn.Timestamp.Before(turns[i-1].Timestamp))
		}
		if i%2 == 0 {
			assert.Equal(t, conversation.RoleUser, turn.Role)
			assert.Equal(t, inputs[i/2], turn.Content)
		} else {
			assert.Equal(t, "reply to "+inputs[i/2], turn.Content)
		}
	}

	// Later turns never rewrite earlier ones.
	first := turns[0]
	require.NoError(t, h.c.SubmitText("four"))
	require.Eventually(t, func() bool { return h.store.Len() == 8 }, waitFor, tick)
	assert.Equal(t, first, h.c.Turns()[0])
}

func TestCompleterReceivesFullHistory(t *testing.T) {
	var mu sync.Mutex
	var seen [][]string
	h := newHarness(t, Ports{Completer: completerFunc(func(_ context.Context, turns []conversation.Turn) (string, error) {
		mu.Lock()
		seen = append(seen, contents(turns))
		mu.Unlock()
		return "ok", nil
	})})

	require.NoError(t, h.c.SubmitText("a"))
	require.Eventually(t, func() bool { return h.store.Len() == 2 }, waitFor, tick)
	h.waitPhase(t, PhaseIdle)
	require.NoError(t, h.c.SubmitText("b"))
	require.Eventually(t, func() bool { return h.store.Len() == 4 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, []string{"user:a"}, seen[0])
	assert.Equal(t, []string{"user:a", "assistant:ok", "user:b"}, seen[1])
}

func TestTerminateAbandonsInFlightWork(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, Ports{Completer: blockUntilCancelled(started)})

	require.NoError(t, h.c.SubmitText("Hello"))
	<-started
	h.c.Terminate()
	h.c.Terminate()

	assert.Equal(t, PhaseTerminated, h.c.Phase())
	assert.ErrorIs(t, h.c.Interrupt(), ErrTerminated)
	assert.ErrorIs(t, h.c.Clear(), ErrTerminated)
	assert.Len(t, h.c.Turns(), 1)
	assert.Empty(t, h.events.ofType(EventError))
}

func TestVoiceTurnSavesCapturedAndSynthesizedMedia(t *testing.T) {
	media, err := conversation.NewFileMediaStore(t.TempDir())
	require.NoError(t, err)
	store := conversation.NewStore(conversation.StoreOptions{SessionID: "s1", Media: media})
	synth := synthFunc(func(context.Context, string) (voice.Audio, error) {
		return voice.Audio{Data: []byte("ID3fake"), Format: "mp3", Duration: time.Millisecond}, nil
	})
	transcriber := &fixedTranscriber{text: "Hello"}
	h := newHarness(t, Ports{Transcriber: transcriber, Completer: replyWith("Hi there!"), Synthesizer: synth}, func(o *ControllerOptions) { o.Store = store })
	h.store = store

	require.NoError(t, h.c.StartInput(ModeVoice))
	require.NoError(t, h.c.InputReady(voice.Capture{Data: make([]byte, 640), Format: "pcm", SampleRate: 16000}))
	require.Eventually(t, func() bool { return len(h.events.ofType(EventMediaSaved)) == 2 }, waitFor, tick)
	h.waitPhase(t, PhaseIdle)

	saved := h.events.ofType(EventMediaSaved)
	assert.Equal(t, conversation.MediaCaptured, saved[0].Media.Kind)
	assert.Equal(t, conversation.MediaSynthesized, saved[1].Media.Kind)

	turns := h.c.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, saved[0].Media.Ref, turns[0].MediaRef)
	path, err := h.c.MediaPath(saved[1].Media.Ref)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

type fixedTranscriber struct{ text string }

func (f *fixedTranscriber) Transcribe(context.Context, voice.Capture) (string, error) {
	return f.text, nil
}

func TestSubscribeReceivesEvents(t *testing.T) {
	h := newHarness(t, Ports{Completer: replyWith("Hi there!")})
	ch, unsubscribe := h.c.Subscribe(16)
	defer unsubscribe()

	require.NoError(t, h.c.SubmitText("Hello"))

	var got []EventType
	timeout := time.After(waitFor)
	for len(got) < 5 {
		select {
		case e := <-ch:
			got = append(got, e.Type)
		case <-timeout:
			t.Fatalf("received %v before timeout", got)
		}
	}
	assert.Equal(t, []EventType{
		EventTurnAppended, EventPhaseChanged,
		EventTurnAppended, EventPhaseChanged, EventPhaseChanged,
	}, got)
}

func newWhisperServer(t *testing.T, hits *atomic.Int32) voice.Transcriber {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"text":"from audio"}`))
	}))
	t.Cleanup(srv.Close)
	tr, err := voice.NewWhisperHTTPTranscriber(voice.WhisperHTTPConfig{URL: srv.URL})
	require.NoError(t, err)
	return tr
}

func TestTypedCaptureBypassesTranscriber(t *testing.T) {
	var hits atomic.Int32
	h := newHarness(t, Ports{Transcriber: newWhisperServer(t, &hits), Completer: replyWith("Hi there!")})

	require.NoError(t, h.c.StartInput(ModeVoice))
	require.NoError(t, h.c.InputReady(textCapture("Hello")))
	require.Eventually(t, func() bool { return h.store.Len() == 2 }, waitFor, tick)
	h.waitPhase(t, PhaseIdle)

	assert.Equal(t, []string{"user:Hello", "assistant:Hi there!"}, contents(h.c.Turns()))
	assert.Empty(t, h.events.ofType(EventError))
	assert.Zero(t, hits.Load())

	require.NoError(t, h.c.StartInput(ModeVoice))
	require.NoError(t, h.c.InputReady(voice.Capture{Data: make([]byte, 640), Format: "pcm", SampleRate: 16000}))
	require.Eventually(t, func() bool { return h.store.Len() == 4 }, waitFor, tick)
	assert.Equal(t, "user:from audio", contents(h.c.Turns())[2])
	assert.EqualValues(t, 1, hits.Load())
}

func TestTypedExitPhraseWithRealTranscriber(t *testing.T) {
	var hits atomic.Int32
	h := newHarness(t, Ports{Transcriber: newWhisperServer(t, &hits), Completer: replyWith("unused")})

	require.NoError(t, h.c.StartInput(ModeVoice))
	require.NoError(t, h.c.InputReady(textCapture("bye")))

	select {
	case <-h.c.Done():
	case <-time.After(waitFor):
		t.Fatalf("exit phrase did not terminate the session (phase %s)", h.c.Phase())
	}
	assert.Empty(t, h.c.Turns())
	assert.Empty(t, h.events.ofType(EventError))
	assert.Zero(t, hits.Load())
}

func TestBlankTypedCaptureIsNoSpeech(t *testing.T) {
	h := newHarness(t, Ports{Completer: replyWith("unused")})

	require.NoError(t, h.c.StartInput(ModeVoice))
	require.NoError(t, h.c.InputReady(textCapture("   ")))
	require.Eventually(t, func() bool { return len(h.events.ofType(EventError)) == 1 }, waitFor, tick)

	info := h.events.ofType(EventError)[0].Error
	assert.Equal(t, KindTranscription, info.Kind)
	assert.Equal(t, "no_speech", info.Code)
	h.waitPhase(t, PhaseIdle)
}

// stallingLog blocks every append until released.
type stallingLog struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
	mu      sync.Mutex
	entries []conversation.Entry
}

func (l *stallingLog) Append(ctx context.Context, e conversation.Entry) error {
	l.once.Do(func() { close(l.started) })
	select {
	case <-l.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *stallingLog) Load(context.Context, string) ([]conversation.Turn, error) { return nil, nil }
func (l *stallingLog) Close() error                                            { return nil }

func (l *stallingLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func TestSlowLogDoesNotDelayInterruptOrTerminate(t *testing.T) {
	log := &stallingLog{release: make(chan struct{}), started: make(chan struct{})}
	store := conversation.NewStore(conversation.StoreOptions{
		SessionID:      "s1",
		Log:            log,
		PersistTimeout: 10 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	started := make(chan struct{})
	h := newHarness(t, Ports{Completer: blockUntilCancelled(started)}, func(o *ControllerOptions) { o.Store = store })
	h.store = store

	begin := time.Now()
	require.NoError(t, h.c.SubmitText("hello"))
	assert.Less(t, time.Since(begin), 500*time.Millisecond, "SubmitText waited for the log")
	<-log.started
	<-started

	begin = time.Now()
	require.NoError(t, h.c.Interrupt())
	h.c.Terminate()
	assert.Less(t, time.Since(begin), 500*time.Millisecond, "Interrupt and Terminate waited for the log")
	assert.Equal(t, PhaseTerminated, h.c.Phase())
	assert.Equal(t, []string{"user:hello"}, contents(h.c.Turns()))

	close(log.release)
	require.Eventually(t, func() bool { return log.count() == 1 }, waitFor, tick)
}

func TestLogKeepsCommitOrder(t *testing.T) {
	log := &stallingLog{release: make(chan struct{}), started: make(chan struct{})}
	store := conversation.NewStore(conversation.StoreOptions{SessionID: "s1", Log: log})
	h := newHarness(t, Ports{Completer: replyWith("Hi there!")}, func(o *ControllerOptions) { o.Store = store })
	h.store = store

	require.NoError(t, h.c.SubmitText("Hello"))
	h.waitPhase(t, PhaseIdle)
	require.Equal(t, 2, store.Len())
	close(log.release)

	require.Eventually(t, func() bool { return log.count() == 2 }, waitFor, tick)
	log.mu.Lock()
	defer log.mu.Unlock()
	assert.Equal(t, conversation.RoleUser, log.entries[0].Role)
	assert.Equal(t, conversation.RoleAssistant, log.entries[1].Role)
	assert.Equal(t, 0, log.entries[0].Seq)
	assert.Equal(t, 1, log.entries[1].Seq)
}
