// Package notify delivers session notifications from the recorder and the
// player to interested observers.
//
// Notifications are published on dot-separated topics such as
// "recording.event" or "playback.error". Observers subscribe with a pattern
// that may contain wildcards: "*" matches exactly one segment and "**"
// matches any number of trailing segments.
package notify

import (
	"strings"
	"sync"
	"time"

	"github.com/dshills/macroreplay/internal/macro"
)

// Topics published by the engine.
const (
	RecordingStarted = "recording.started"
	RecordingEvent   = "recording.event"
	RecordingStopped = "recording.stopped"
	RecordingError   = "recording.error"

	PlaybackStarted   = "playback.started"
	PlaybackIteration = "playback.iteration"
	PlaybackPaused    = "playback.paused"
	PlaybackResumed   = "playback.resumed"
	PlaybackCompleted = "playback.completed"
	PlaybackError     = "playback.error"
	PlaybackWarning   = "playback.warning"
)

// Notification is one published message.
type Notification struct {
	// Topic is the dot-separated topic.
	Topic string

	// Session identifies the recording or playback session.
	Session string

	// Time is when the notification was published.
	Time time.Time

	// Macro is the name of the macro involved, if any.
	Macro string

	// Event is the recorded or executed event for event notifications.
	Event *macro.Event

	// Iteration is the playback iteration (1-based) where relevant.
	Iteration int

	// Message carries human-readable detail such as a validation warning.
	Message string

	// Err is set on error notifications.
	Err error
}

// Observer receives notifications.
type Observer func(n Notification)

// Subscription is an active observer registration.
type Subscription struct {
	id       uint64
	notifier *Notifier
}

// Unsubscribe removes the observer. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.notifier != nil {
		s.notifier.unsubscribe(s.id)
	}
}

type entry struct {
	pattern  []string
	observer Observer
}

// Notifier fans notifications out to subscribed observers.
type Notifier struct {
	mu      sync.RWMutex
	entries map[uint64]entry
	nextID  uint64

	async  bool
	buffer chan Notification
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithAsync delivers notifications from a background goroutine through a
// buffer of the given size. Publishers block when the buffer is full.
func WithAsync(bufferSize int) Option {
	return func(n *Notifier) {
		if bufferSize > 0 {
			n.async = true
			n.buffer = make(chan Notification, bufferSize)
		}
	}
}

// New creates a Notifier.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		entries: make(map[uint64]entry),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.async {
		n.wg.Add(1)
		go n.processAsync()
	}
	return n
}

// Subscribe registers observer for topics matching pattern. An empty
// pattern matches everything.
func (n *Notifier) Subscribe(pattern string, observer Observer) *Subscription {
	if pattern == "" {
		pattern = "**"
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.entries[id] = entry{pattern: strings.Split(pattern, "."), observer: observer}

	return &Subscription{id: id, notifier: n}
}

// Publish sends a notification. A zero Time is set to now. Publishing on
// a nil or closed Notifier is a no-op.
func (n *Notifier) Publish(note Notification) {
	if n == nil {
		return
	}
	if note.Time.IsZero() {
		note.Time = time.Now()
	}

	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return
	}

	if n.async {
		select {
		case n.buffer <- note:
		case <-n.done:
		}
		return
	}
	n.deliver(note)
}

// Close stops asynchronous delivery after draining buffered notifications.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	close(n.done)
	n.wg.Wait()
}

func (n *Notifier) unsubscribe(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.entries, id)
}

func (n *Notifier) deliver(note Notification) {
	segments := strings.Split(note.Topic, ".")

	n.mu.RLock()
	var observers []Observer
	for _, e := range n.entries {
		if matchSegments(e.pattern, segments) {
			observers = append(observers, e.observer)
		}
	}
	n.mu.RUnlock()

	// Observers run outside the lock so they may subscribe or unsubscribe.
	for _, obs := range observers {
		obs(note)
	}
}

func (n *Notifier) processAsync() {
	defer n.wg.Done()

	for {
		select {
		case note := <-n.buffer:
			n.deliver(note)
		case <-n.done:
			for {
				select {
				case note := <-n.buffer:
					n.deliver(note)
				default:
					return
				}
			}
		}
	}
}

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchSegments(pattern, topic []string) bool {
	for i, seg := range pattern {
		if seg == "**" {
			return true
		}
		if i >= len(topic) {
			return false
		}
		if seg != "*" && seg != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}
