// Package connectivity surfaces remote reachability and background sync
// wake-ups as events. Bridge holds the online flag; Prober and WakeListener
// feed it from the network.
package connectivity

import (
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/satchel/internal/logging"
)

// EventType identifies a bridge event.
type EventType int

// Bridge events.
const (
	EventOnline EventType = iota + 1
	EventOffline
	EventWake
)

func (t EventType) String() string {
	switch t {
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventWake:
		return "wake"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. Tag is set for EventWake only.
type Event struct {
	Type EventType
	Tag  string
}

// Bridge tracks whether the remote is reachable and fans transitions and
// wake-ups out to subscribers. Only changes of the online flag emit events.
type Bridge struct {
	emitMu sync.Mutex // Orders online/offline events with the flag.
	mu     sync.Mutex
	online bool
	subs   map[int]func(Event)
	nextID int
	logger *slog.Logger
}

// NewBridge returns a bridge starting in the given state.
func NewBridge(online bool, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bridge{online: online, subs: make(map[int]func(Event)), logger: logger}
}

// IsOnline reports the current state.
func (b *Bridge) IsOnline() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// SetOnline records the state and emits EventOnline or EventOffline when it
// changed. Concurrent calls deliver their events in the order the flag
// changed, so the last event always matches IsOnline. Handlers must not
// call SetOnline.
func (b *Bridge) SetOnline(online bool) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return
	}
	b.online = online
	b.mu.Unlock()

	ev := Event{Type: EventOffline}
	if online {
		ev.Type = EventOnline
	}
	b.logger.Info("connectivity changed", "online", online)
	b.emit(ev)
}

// Wake emits a background sync wake-up carrying tag.
func (b *Bridge) Wake(tag string) {
	b.logger.Debug("sync wake", "tag", tag)
	b.emit(Event{Type: EventWake, Tag: tag})
}

// Subscribe registers fn for every future event and returns a function that
// removes it. Handlers run synchronously on the emitting goroutine.
func (b *Bridge) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bridge) emit(ev Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs))
	for id := 0; id < b.nextID; id++ {
		if fn, ok := b.subs[id]; ok {
			handlers = append(handlers, fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		b.call(fn, ev)
	}
}

// call isolates subscribers from each other's panics.
func (b *Bridge) call(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("connectivity handler panicked", "event", ev.Type.String(), "panic", r)
		}
	}()
	fn(ev)
}
