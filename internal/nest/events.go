package nest

import (
	"sync"
	"time"

	"github.com/google/uuid"

	klog "github.com/Klingon-tech/timelocknest/internal/log"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

// EventKind names an emitted event.
type EventKind string

const (
	EventNestCreated   EventKind = "NestCreated"
	EventUserInNest    EventKind = "UserInNest"
	EventNestWithdrawn EventKind = "NestWithdrawn"
)

// Event is emitted after a state change has been persisted.
type Event struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	NestID     uint64         `json:"nest_id"`
	User       *types.Address `json:"user,omitempty"`
	UnlockTime uint64         `json:"unlock_time,omitempty"`
	Required   uint64         `json:"required,omitempty"`
	Time       int64          `json:"time"`
	Remote     bool           `json:"remote,omitempty"`
}

// RecentEvents is the size of the bus history.
const RecentEvents = 256

// Bus fans events out to subscribers and keeps a bounded history.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]func(Event)
	nextID int

	histMu sync.Mutex
	hist   []Event
	head   int
	full   bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]func(Event)),
		hist: make([]Event, RecentEvents),
	}
}

// Subscribe registers fn for every published event. The returned function
// removes the subscription.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish records ev and delivers it to all subscribers synchronously.
// A panicking subscriber is logged and skipped.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time == 0 {
		ev.Time = time.Now().Unix()
	}
	b.record(ev)

	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		deliver(fn, ev)
	}
}

func deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			klog.Nest.Error().Interface("panic", r).Str("event", string(ev.Kind)).Msg("event subscriber panicked")
		}
	}()
	fn(ev)
}

// Record adds ev to the history without notifying subscribers. Used for
// events learned from peers.
func (b *Bus) Record(ev Event) {
	b.record(ev)
}

func (b *Bus) record(ev Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.hist[b.head] = ev
	b.head = (b.head + 1) % len(b.hist)
	if b.head == 0 {
		b.full = true
	}
}

// Recent returns up to n of the latest events, oldest first.
// n <= 0 returns the whole history.
func (b *Bus) Recent(n int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	size := b.head
	if b.full {
		size = len(b.hist)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	start := (b.head - n + len(b.hist)) % len(b.hist)
	for i := 0; i < n; i++ {
		out = append(out, b.hist[(start+i)%len(b.hist)])
	}
	return out
}

func createdEvent(n *Nest) Event {
	return Event{Kind: EventNestCreated, NestID: n.ID, UnlockTime: n.UnlockTime, Required: n.Required}
}

func userEvent(id uint64, user types.Address) Event {
	u := user
	return Event{Kind: EventUserInNest, NestID: id, User: &u}
}

func withdrawnEvent(id uint64) Event {
	return Event{Kind: EventNestWithdrawn, NestID: id}
}
