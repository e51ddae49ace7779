package session

import (
	"sync"
	"time"

	"github.com/ent0n29/voiceloop/internal/conversation"
)

type EventType string

const (
	EventPhaseChanged EventType = "phase_changed"
	EventTurnAppended EventType = "turn_appended"
	EventError        EventType = "error"
	EventMediaSaved   EventType = "media_saved"
	EventCleared      EventType = "cleared"
)

// Event is a notification from a controller to its shells.
type Event struct {
	Type      EventType
	SessionID string
	At        time.Time

	Phase    Phase
	Previous Phase

	Turn  *conversation.Turn
	Error *ErrorInfo
	Media *MediaInfo
}

// ErrorInfo describes a recoverable failure surfaced to the shell.
type ErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

type MediaInfo struct {
	Ref  conversation.MediaRef  `json:"media_ref"`
	Kind conversation.MediaKind `json:"kind"`
}

// dispatcher delivers events in publish order on its own goroutine so that
// handlers never run under the controller lock. Subscribers with a full
// buffer miss events instead of stalling the controller.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	closed  bool
	handler func(Event)
	subs    map[int]chan Event
	nextSub int
	dropped func()
	done    chan struct{}
}

func newDispatcher(handler func(Event), dropped func()) *dispatcher {
	d := &dispatcher{
		handler: handler,
		subs:    make(map[int]chan Event),
		dropped: dropped,
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) publish(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
}

func (d *dispatcher) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
		return ch, func() {}
	}
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if c, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(c)
			}
		})
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			for id, ch := range d.subs {
				delete(d.subs, id)
				close(ch)
			}
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		subs := make([]chan Event, 0, len(d.subs))
		for _, ch := range d.subs {
			subs = append(subs, ch)
		}
		d.mu.Unlock()

		if d.handler != nil {
			d.handler(e)
		}
		d.deliver(subs, e)
	}
}

func (d *dispatcher) deliver(subs []chan Event, e Event) {
	// Held so an unsubscribe cannot close a channel mid-send.
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range subs {
		if !d.live(ch) {
			continue
		}
		select {
		case ch <- e:
		default:
			if d.dropped != nil {
				d.dropped()
			}
		}
	}
}

func (d *dispatcher) live(ch chan Event) bool {
	for _, c := range d.subs {
		if c == ch {
			return true
		}
	}
	return false
}

// close stops accepting events, flushes the queue, and waits for delivery to finish.
func (d *dispatcher) close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.cond.Signal()
	}
	d.mu.Unlock()
	<-d.done
}
