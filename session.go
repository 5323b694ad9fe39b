package crowdmix

import "sync"

// ============================================================================
// Session events
// ============================================================================

// SessionEvent is a session lifecycle notification.
type SessionEvent string

const (
	// SessionExpired means the held credentials are no longer valid and the
	// user must re-authenticate.
	SessionExpired SessionEvent = "expired"
)

// SessionBus broadcasts session lifecycle events to every open subscription.
//
// Events published while zero subscriptions are open are buffered; the next
// subscriber receives the backlog immediately, after which it is cleared. UI
// surfaces subscribe and unsubscribe as views appear and disappear, and a
// session can expire in the gap — the event must not be dropped there.
type SessionBus struct {
	mu      sync.Mutex
	subs    map[int]chan SessionEvent
	nextID  int
	backlog []SessionEvent
}

func NewSessionBus() *SessionBus {
	return &SessionBus{subs: make(map[int]chan SessionEvent)}
}

// Subscribe opens an independent event channel and returns it with a cancel
// function. Cancel is safe to call multiple times and never affects other
// subscribers. Any buffered backlog is delivered to the new channel before
// Subscribe returns.
func (b *SessionBus) Subscribe() (<-chan SessionEvent, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	// Capacity covers the whole backlog so replay can never block inside
	// the mutex, plus headroom for live events.
	ch := make(chan SessionEvent, len(b.backlog)+16)
	b.subs[id] = ch
	for _, ev := range b.backlog {
		ch <- ev
	}
	b.backlog = nil
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers ev to every open subscription, or buffers it when none is
// open. A subscriber that has stopped draining its channel is skipped rather
// than blocking the publisher.
func (b *SessionBus) Publish(ev SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		b.backlog = append(b.backlog, ev)
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the number of open subscriptions.
func (b *SessionBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
