// Package eventbus fans worker and config events out to transports.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the bot.
const (
	WorkerLog      = "worker.log"
	WorkerStatus   = "worker.status"
	WorkerExit     = "worker.exit"
	ConfigReloaded = "config.reloaded"
)

// Event is a small in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a full buffer drops the event.
type Event struct {
	Type   string
	Device string
	Time   time.Time
	Data   any
}

// LogLine is the payload of WorkerLog.
type LogLine struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// StatusChange is the payload of WorkerStatus.
type StatusChange struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

// Exit is the payload of WorkerExit.
type Exit struct {
	Reason string `json:"reason"`
	Err    string `json:"err,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// An unsubscribe racing with this send closes ch; recover from that.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Only forwards events of the given types from in to a new channel until in
// closes. The returned channel is closed afterwards.
func Only(in <-chan Event, types ...string) <-chan Event {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make(chan Event, cap(in))
	go func() {
		defer close(out)
		for e := range in {
			if want[e.Type] {
				out <- e
			}
		}
	}()
	return out
}
