package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voiceloop/internal/conversation"
	"github.com/ent0n29/voiceloop/internal/llm"
	"github.com/ent0n29/voiceloop/internal/observability"
	"github.com/ent0n29/voiceloop/internal/reliability"
	"github.com/ent0n29/voiceloop/internal/voice"
)

// Ports are the external capabilities a controller drives.
type Ports struct {
	Transcriber voice.Transcriber
	Completer   llm.Completer
	Synthesizer voice.Synthesizer
	Player      voice.Player
}

// Timeouts bound each port call. Zero values fall back to defaults.
type Timeouts struct {
	Transcribe time.Duration
	Completion time.Duration
	Synthesis  time.Duration
	Playback   time.Duration
}

var defaultTimeouts = Timeouts{
	Transcribe: 30 * time.Second,
	Completion: 60 * time.Second,
	Synthesis:  30 * time.Second,
	Playback:   5 * time.Minute,
}

type ControllerOptions struct {
	Store *conversation.Store
	Ports Ports

	ExitPhrases []string
	// SpeakTypedReplies synthesizes replies to typed input as well as voice input.
	SpeakTypedReplies bool
	Timeouts          Timeouts

	Logger  *slog.Logger
	Metrics *observability.Metrics
	// OnEvent receives every event in order on the dispatcher goroutine.
	// It must not call Close.
	OnEvent func(Event)
}

// Snapshot is a consistent view of a controller for rendering.
type Snapshot struct {
	SessionID      string              `json:"session_id"`
	ConversationID string              `json:"conversation_id"`
	Phase          Phase               `json:"phase"`
	Mode           Mode                `json:"mode,omitempty"`
	Playing        bool                `json:"playing"`
	Turns          []conversation.Turn `json:"turns"`
}

// Controller is the turn-taking state machine for one session.
//
// Every in-flight step (transcribe, generate, speak) carries the generation
// number it was started under. Cancelling a step bumps the generation and
// cancels its context in the same critical section that sets the new phase,
// and a finishing step re-checks its generation under the lock before it
// appends a turn or changes phase. A stale step can therefore neither append
// nor override the phase chosen by an interrupt.
type Controller struct {
	store    *conversation.Store
	ports    Ports
	exit     *ExitMatcher
	speakAll bool
	timeouts Timeouts
	logger   *slog.Logger
	metrics  *observability.Metrics
	events   *dispatcher

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once

	mu         sync.Mutex
	phase      Phase
	mode       Mode
	gen        uint64
	stepCancel context.CancelFunc
	playing    bool
	inputAt    time.Time
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	if opts.Ports.Completer == nil {
		return nil, errors.New("completer is required")
	}
	if opts.Ports.Player == nil {
		opts.Ports.Player = voice.SleepPlayer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := opts.Timeouts
	if t.Transcribe <= 0 {
		t.Transcribe = defaultTimeouts.Transcribe
	}
	if t.Completion <= 0 {
		t.Completion = defaultTimeouts.Completion
	}
	if t.Synthesis <= 0 {
		t.Synthesis = defaultTimeouts.Synthesis
	}
	if t.Playback <= 0 {
		t.Playback = defaultTimeouts.Playback
	}

	metrics := opts.Metrics
	rootCtx, rootCancel := context.WithCancel(context.Background())
	c := &Controller{
		store:      opts.Store,
		ports:      opts.Ports,
		exit:       NewExitMatcher(opts.ExitPhrases),
		speakAll:   opts.SpeakTypedReplies,
		timeouts:   t,
		logger:     opts.Logger.With("session_id", opts.Store.SessionID()),
		metrics:    metrics,
		events:     newDispatcher(opts.OnEvent, func() { metrics.ObserveSessionEvent("event_drop") }),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		done:       make(chan struct{}),
		phase:      PhaseIdle,
	}
	return c, nil
}

func (c *Controller) SessionID() string { return c.store.SessionID() }

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Turns returns a copy of the conversation so far.
func (c *Controller) Turns() []conversation.Turn { return c.store.Turns() }

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		SessionID:      c.store.SessionID(),
		ConversationID: c.store.ConversationID(),
		Phase:          c.phase,
		Mode:           c.mode,
		Playing:        c.playing,
		Turns:          c.store.Turns(),
	}
}

// MediaPath resolves a media reference saved for this session.
func (c *Controller) MediaPath(ref conversation.MediaRef) (string, error) {
	return c.store.MediaPath(ref)
}

// Done is closed once the controller reaches PhaseTerminated.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Subscribe returns a buffered stream of events and a function to stop it.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// StartInput signals that the user began providing input.
//
// Voice input moves to Listening; if a step is in flight it is cancelled first
// (barge-in). Text input cancels any in-flight step and leaves the controller
// Idle until SubmitText arrives.
func (c *Controller) StartInput(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseTerminated {
		return ErrTerminated
	}
	switch mode {
	case ModeVoice:
		if c.phase == PhaseListening {
			return nil
		}
		c.interruptLocked("barge_in")
		c.mode = ModeVoice
		c.setPhaseLocked(PhaseListening)
	case ModeText:
		c.interruptLocked("barge_in")
		c.mode = ModeText
		c.setPhaseLocked(PhaseIdle)
	default:
		return errors.New("unknown input mode")
	}
	return nil
}

// InputReady hands a finished capture to the controller. Valid only while Listening.
func (c *Controller) InputReady(capture voice.Capture) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseTerminated {
		return ErrTerminated
	}
	if c.phase != PhaseListening {
		return ErrNotListening
	}
	gen, ctx := c.beginStepLocked()
	c.mode = ModeVoice
	c.inputAt = time.Now()
	c.setPhaseLocked(PhaseTranscribing)
	c.goStep(func() { c.runVoiceTurn(ctx, gen, capture) })
	return nil
}

// SubmitText processes typed input, bypassing Listening and Transcribing.
// A step in flight is cancelled first. The user turn is committed before
// SubmitText returns; the reply is produced asynchronously.
func (c *Controller) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseTerminated {
		return ErrTerminated
	}
	if text == "" {
		return ErrEmptyInput
	}
	if c.phase != PhaseIdle {
		c.interruptLocked("barge_in")
		c.setPhaseLocked(PhaseIdle)
	}
	c.mode = ModeText
	c.inputAt = time.Now()
	gen, ctx := c.beginStepLocked()
	turns, ok := c.acceptInputLocked(gen, text, "")
	if !ok {
		return nil
	}
	c.goStep(func() { c.respond(ctx, gen, ModeText, turns) })
	return nil
}

// Interrupt cancels whatever is in flight and returns to Idle. No turn is
// appended for the cancelled step.
func (c *Controller) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseTerminated {
		return ErrTerminated
	}
	if c.phase == PhaseIdle {
		return nil
	}
	c.interruptLocked("interrupt")
	c.setPhaseLocked(PhaseIdle)
	return nil
}

// Terminate ends the session from any phase. In-flight work is abandoned.
// Calling it again is a no-op.
func (c *Controller) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateLocked("terminate")
}

// Clear cancels in-flight work and starts an empty conversation. Prior
// persisted logs are left alone. Clearing twice equals clearing once.
func (c *Controller) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseTerminated {
		return ErrTerminated
	}
	c.cancelStepLocked()
	c.store.Clear()
	c.setPhaseLocked(PhaseIdle)
	c.publishLocked(Event{Type: EventCleared})
	c.logger.Info("conversation cleared", "conversation_id", c.store.ConversationID())
	return nil
}

// Close terminates the controller, waits for in-flight steps to unwind and
// flushes pending events.
func (c *Controller) Close() {
	c.Terminate()
	c.wg.Wait()
	c.events.close()
}

func (c *Controller) goStep(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) runVoiceTurn(ctx context.Context, gen uint64, capture voice.Capture) {
	text, typed := capture.Transcript()
	var ref conversation.MediaRef
	if !typed {
		if c.store.HasMedia() {
			ref = c.saveMedia(ctx, gen, capture.Data, conversation.MediaCaptured, captureFormat(capture))
		}
		var ok bool
		if text, ok = c.transcribe(ctx, gen, capture); !ok {
			return
		}
	} else if text == "" {
		c.fail(ctx, gen, KindTranscription, "transcribe", voice.ErrNoSpeech)
		return
	}

	c.mu.Lock()
	turns, ok := c.acceptInputLocked(gen, text, ref)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.respond(ctx, gen, ModeVoice, turns)
}

// transcribe runs the transcription port. It reports false after surfacing a failure.
func (c *Controller) transcribe(ctx context.Context, gen uint64, capture voice.Capture) (string, bool) {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, c.timeouts.Transcribe)
	text, err := c.ports.transcribe(tctx, capture)
	cancel()
	if err == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			err = voice.ErrNoSpeech
		}
	}
	if err != nil {
		c.fail(ctx, gen, KindTranscription, "transcribe", err)
		return "", false
	}
	c.metrics.ObservePortLatency(observability.StageTranscribe, time.Since(start))
	return text, true
}

// acceptInputLocked runs the exit-phrase check on user text. A match
// terminates the session without recording a turn; otherwise the user turn is
// appended and the controller moves to Generating. It reports whether the
// step should continue, with the history to complete.
func (c *Controller) acceptInputLocked(gen uint64, text string, ref conversation.MediaRef) ([]conversation.Turn, bool) {
	if gen != c.gen {
		return nil, false
	}
	if c.exit.Match(text) {
		c.logger.Info("exit phrase received", "text", text)
		c.metrics.ObserveTurnOutcome(observability.OutcomeExitPhrase)
		c.terminateLocked("exit_phrase")
		return nil, false
	}
	c.commitLocked(conversation.Turn{Role: conversation.RoleUser, Content: text, MediaRef: ref})
	c.setPhaseLocked(PhaseGenerating)
	return c.store.Turns(), true
}

func (c *Controller) respond(ctx context.Context, gen uint64, mode Mode, turns []conversation.Turn) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, c.timeouts.Completion)
	reply, err := c.ports.Completer.Complete(cctx, turns)
	cancel()
	if err == nil {
		reply = strings.TrimSpace(reply)
		if reply == "" {
			err = llm.ErrEmptyReply
		}
	}
	if err != nil {
		c.fail(ctx, gen, KindCompletion, "complete", err)
		return
	}
	c.metrics.ObservePortLatency(observability.StageComplete, time.Since(start))

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.commitLocked(conversation.Turn{Role: conversation.RoleAssistant, Content: reply})
	c.setPhaseLocked(PhaseSpeaking)
	c.metrics.ObserveTurnStage(observability.StageInputToReply, time.Since(c.inputAt))
	c.mu.Unlock()

	if (mode == ModeVoice || c.speakAll) && c.ports.Synthesizer != nil {
		c.speak(ctx, gen, reply)
	}
	c.finish(gen)
}

func (c *Controller) speak(ctx context.Context, gen uint64, reply string) {
	text := voice.SpeechText(reply)
	if text == "" {
		return
	}

	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, c.timeouts.Synthesis)
	audio, err := c.ports.Synthesizer.Synthesize(sctx, text)
	cancel()
	if err != nil {
		c.fail(ctx, gen, KindSynthesis, "synthesize", err)
		return
	}
	c.metrics.ObservePortLatency(observability.StageSynthesize, time.Since(start))

	if c.store.HasMedia() && len(audio.Data) > 0 && audio.Format != "txt" {
		c.saveMedia(ctx, gen, audio.Data, conversation.MediaSynthesized, audio.Format)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.playing = true
	c.metrics.ObserveTurnStage(observability.StageInputToAudio, time.Since(c.inputAt))
	c.mu.Unlock()

	start = time.Now()
	pctx, cancel := context.WithTimeout(ctx, c.timeouts.Playback)
	err = c.ports.Player.Play(pctx, audio)
	cancel()
	if err != nil {
		c.fail(ctx, gen, KindSynthesis, "playback", &voice.SynthesisError{
			Provider:  "player",
			Code:      reliability.CodeForError(err),
			Retryable: false,
			Err:       err,
		})
		return
	}
	c.metrics.ObservePlayback(time.Since(start), audio.Duration)
}

func (c *Controller) saveMedia(ctx context.Context, gen uint64, data []byte, kind conversation.MediaKind, format string) conversation.MediaRef {
	ref, err := c.store.SaveMedia(ctx, data, kind, format)
	if err != nil {
		c.logger.Warn("media save failed", "kind", kind, "error", err)
		c.metrics.ObservePortError(string(KindPersistence), "media")
		return ""
	}
	c.mu.Lock()
	if gen == c.gen {
		c.publishLocked(Event{Type: EventMediaSaved, Media: &MediaInfo{Ref: ref, Kind: kind}})
	}
	c.mu.Unlock()
	return ref
}

// finish ends a successful step.
func (c *Controller) finish(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.metrics.ObserveTurnOutcome(observability.OutcomeCompleted)
	c.endStepLocked()
	c.setPhaseLocked(PhaseIdle)
}

// fail ends a step with a surfaced error and returns to Idle. Failures of a
// cancelled step are dropped.
func (c *Controller) fail(ctx context.Context, gen uint64, kind ErrorKind, port string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || ctx.Err() != nil {
		return
	}
	info := describeError(kind, err)
	c.metrics.ObservePortError(string(kind), info.Code)
	c.metrics.ObserveTurnOutcome("failed_" + string(kind))
	c.logger.Warn("turn step failed", "port", port, "kind", kind, "code", info.Code, "error", err)
	c.endStepLocked()
	c.setPhaseLocked(PhaseIdle)
	c.publishLocked(Event{Type: EventError, Error: &info})
}

// commitLocked records turn in memory and announces it. The log write runs
// after the lock is released so a slow backend never delays Interrupt or
// Terminate.
func (c *Controller) commitLocked(turn conversation.Turn) {
	committed := c.store.Commit(turn)
	c.publishLocked(Event{Type: EventTurnAppended, Turn: &committed})
	c.goStep(c.flushLog)
}

// flushLog writes committed turns to the conversation log in order.
func (c *Controller) flushLog() {
	err := c.store.Flush(c.rootCtx)
	if err == nil {
		return
	}
	failures := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		failures = joined.Unwrap()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ferr := range failures {
		c.metrics.ObservePortError(string(KindPersistence), "append")
		c.publishLocked(Event{Type: EventError, Error: &ErrorInfo{
			Kind:    KindPersistence,
			Code:    "append_failed",
			Message: "conversation history may not be saved: " + ferr.Error(),
		}})
	}
}

func (c *Controller) beginStepLocked() (uint64, context.Context) {
	c.cancelStepLocked()
	ctx, cancel := context.WithCancel(c.rootCtx)
	c.stepCancel = cancel
	return c.gen, ctx
}

// cancelStepLocked invalidates the in-flight step, if any.
func (c *Controller) cancelStepLocked() {
	c.gen++
	if c.stepCancel != nil {
		c.stepCancel()
		c.stepCancel = nil
	}
	c.playing = false
}

func (c *Controller) endStepLocked() {
	if c.stepCancel != nil {
		c.stepCancel()
		c.stepCancel = nil
	}
	c.playing = false
}

func (c *Controller) interruptLocked(reason string) {
	if c.phase.busy() || c.phase == PhaseListening {
		c.metrics.ObserveInterruption(string(c.phase))
		c.logger.Debug("in-flight step cancelled", "phase", c.phase, "reason", reason)
	}
	c.cancelStepLocked()
}

func (c *Controller) terminateLocked(reason string) {
	if c.phase == PhaseTerminated {
		return
	}
	c.cancelStepLocked()
	c.setPhaseLocked(PhaseTerminated)
	c.rootCancel()
	c.closeOnce.Do(func() { close(c.done) })
	c.logger.Info("session terminated", "reason", reason, "turns", c.store.Len())
}

func (c *Controller) setPhaseLocked(next Phase) {
	prev := c.phase
	if prev == next {
		return
	}
	c.phase = next
	c.metrics.ObservePhase(string(prev), string(next))
	c.publishLocked(Event{Type: EventPhaseChanged, Phase: next, Previous: prev})
}

func (c *Controller) publishLocked(e Event) {
	e.SessionID = c.store.SessionID()
	e.At = time.Now().UTC()
	if e.Phase == "" {
		e.Phase = c.phase
	}
	c.events.publish(e)
}

func (p Ports) transcribe(ctx context.Context, capture voice.Capture) (string, error) {
	if p.Transcriber == nil {
		return "", errors.New("no transcriber configured")
	}
	return p.Transcriber.Transcribe(ctx, capture)
}

func captureFormat(capture voice.Capture) string {
	if f := strings.TrimSpace(capture.Format); f != "" {
		return f
	}
	return "pcm"
}

// describeError maps a port failure to the notification shown to the shell.
func describeError(kind ErrorKind, err error) ErrorInfo {
	info := ErrorInfo{Kind: kind, Message: err.Error()}
	var (
		te *voice.TranscriptionError
		ce *llm.CompletionError
		se *voice.SynthesisError
	)
	switch {
	case errors.As(err, &te):
		info.Code, info.Retryable = te.Code, te.Retryable
	case errors.As(err, &ce):
		info.Code, info.Retryable = ce.Code, ce.Retryable
	case errors.As(err, &se):
		info.Code, info.Retryable = se.Code, se.Retryable
	case errors.Is(err, voice.ErrNoSpeech):
		info.Code = "no_speech"
	case errors.Is(err, llm.ErrEmptyReply):
		info.Code = "empty_reply"
	default:
		info.Code, info.Retryable = reliability.Classify(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		info.Code, info.Retryable = "timeout", true
	}
	return info
}
