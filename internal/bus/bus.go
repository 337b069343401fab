package bus

import (
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
)

// subscriberBufSize absorbs short bursts; a subscriber that falls further
// behind than this is dropped rather than allowed to block the others.
const subscriberBufSize = 64

// Update is one progress frame published to every subscriber.
type Update struct {
	Type       string   `json:"type"`
	TaskID     string   `json:"task_id"`
	Percentage int      `json:"percentage"`
	StatusText string   `json:"statusText"`
	Finished   bool     `json:"finished"`
	Preview    *string  `json:"preview"`
	Results    []string `json:"results"`
}

// Bus is the in-process progress publisher. Updates for a single task are
// delivered in publish order; ordering across tasks is unspecified.
// Subscribers join and leave at any time; late joiners see only future
// updates.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan Update
	log  *zap.SugaredLogger
}

// New creates an empty bus.
func New(log *zap.SugaredLogger) *Bus {
	return &Bus{subs: make(map[string]chan Update), log: log}
}

// Subscribe registers a new subscriber and returns its id and channel. The
// channel is closed when the subscriber is dropped or unsubscribed.
func (b *Bus) Subscribe() (string, <-chan Update) {
	id := shortuuid.New()
	ch := make(chan Update, subscriberBufSize)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	b.log.Debugw("progress subscriber joined", "id", id)
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call for
// an already-dropped id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// SubscriberCount reports the current size of the subscriber set.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish fans the update out to every subscriber without blocking. A
// subscriber whose buffer is full is removed from the set and its channel
// closed; this keeps one slow client from holding back the rest.
//
// The sends happen under the read lock. Channels are only ever closed
// under the write lock (Unsubscribe and the stale-drop below), so a send
// can never race a close. The sends are non-blocking, so holding the lock
// across them is cheap.
func (b *Bus) Publish(u Update) {
	if u.Type == "" {
		u.Type = "progress"
	}

	type sub struct {
		id string
		ch chan Update
	}
	var stale []sub

	b.mu.RLock()
	for id, ch := range b.subs {
		select {
		case ch <- u:
		default:
			stale = append(stale, sub{id, ch})
		}
	}
	b.mu.RUnlock()

	if len(stale) == 0 {
		return
	}
	b.mu.Lock()
	for _, s := range stale {
		// Recheck under the write lock: the subscriber may already have
		// left on its own between the two lock acquisitions.
		if cur, ok := b.subs[s.id]; ok && cur == s.ch {
			delete(b.subs, s.id)
			close(s.ch)
			b.log.Warnw("dropping slow progress subscriber", "id", s.id)
		}
	}
	b.mu.Unlock()
}
