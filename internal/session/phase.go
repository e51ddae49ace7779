package session

import "errors"

// Phase is a state of the turn-taking state machine.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseListening    Phase = "listening"
	PhaseTranscribing Phase = "transcribing"
	PhaseGenerating   Phase = "generating"
	PhaseSpeaking     Phase = "speaking"
	PhaseTerminated   Phase = "terminated"
)

// busy reports whether a controller step is in flight in p.
func (p Phase) busy() bool {
	switch p {
	case PhaseTranscribing, PhaseGenerating, PhaseSpeaking:
		return true
	default:
		return false
	}
}

// Mode is the kind of input a shell is about to provide.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// ParseMode accepts "text" or "voice"; anything else is an error.
func ParseMode(v string) (Mode, error) {
	switch Mode(v) {
	case ModeText, ModeVoice:
		return Mode(v), nil
	default:
		return "", errors.New("mode must be text or voice")
	}
}

// ErrorKind classifies a surfaced failure.
type ErrorKind string

const (
	KindTranscription ErrorKind = "transcription"
	KindCompletion    ErrorKind = "completion"
	KindSynthesis     ErrorKind = "synthesis"
	KindPersistence   ErrorKind = "persistence"
)

var (
	ErrTerminated   = errors.New("session terminated")
	ErrNotListening = errors.New("session is not listening")
	ErrEmptyInput   = errors.New("input text is empty")
)
