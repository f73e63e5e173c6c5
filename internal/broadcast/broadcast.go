package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog/log"

	"github.com/rufus800/challawa-np/internal/metrics"
	"github.com/rufus800/challawa-np/internal/model"
)

var (
	ErrSubscriberExists   = errors.New("subscriber already registered")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrNilSubscriber      = errors.New("subscriber is nil")
)

// Subscriber receives every published frame. Deliver must not block: slow
// consumers buffer and drop on their side.
type Subscriber interface {
	ID() string
	Deliver(frame model.SystemFrame) error
}

type SubscriberStats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

type entry struct {
	sub    Subscriber
	sent   atomic.Uint64
	failed atomic.Uint64
}

// Broadcaster fans frames out to push subscribers and remembers the last
// one for late joiners.
type Broadcaster struct {
	// mu orders Publish against Subscribe's catch-up so a new subscriber
	// never receives an older frame after a newer one.
	mu sync.Mutex

	subs      cmap.ConcurrentMap[string, *entry]
	latest    atomic.Pointer[model.SystemFrame]
	published atomic.Uint64
	metrics   *metrics.Recorder
}

func New(rec *metrics.Recorder) *Broadcaster {
	return &Broadcaster{
		subs:    cmap.New[*entry](),
		metrics: rec,
	}
}

// Publish never fails and never blocks on a subscriber.
func (b *Broadcaster) Publish(frame model.SystemFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := frame.Clone()
	b.latest.Store(&stored)
	b.published.Add(1)

	// Items is a snapshot, so a subscriber may unsubscribe from Deliver.
	for _, e := range b.subs.Items() {
		b.deliver(e, stored)
	}
}

func (b *Broadcaster) deliver(e *entry, frame model.SystemFrame) {
	if err := e.sub.Deliver(frame.Clone()); err != nil {
		e.failed.Add(1)
		b.metrics.DeliveryFailure(e.sub.ID())
		log.Debug().Err(err).Str("subscriber", e.sub.ID()).Msg("Frame delivery failed")
		return
	}
	e.sent.Add(1)
}

// Subscribe registers sub and immediately hands it the last published frame,
// if any.
func (b *Broadcaster) Subscribe(sub Subscriber) error {
	if sub == nil {
		return ErrNilSubscriber
	}
	e := &entry{sub: sub}

	b.mu.Lock()
	if !b.subs.SetIfAbsent(sub.ID(), e) {
		b.mu.Unlock()
		return ErrSubscriberExists
	}
	if f := b.latest.Load(); f != nil {
		b.deliver(e, *f)
	}
	b.mu.Unlock()

	b.metrics.SetSubscribers(b.subs.Count())
	log.Debug().Str("subscriber", sub.ID()).Msg("Subscriber registered")
	return nil
}

func (b *Broadcaster) Unsubscribe(id string) error {
	if _, ok := b.subs.Pop(id); !ok {
		return ErrSubscriberNotFound
	}
	b.metrics.SetSubscribers(b.subs.Count())
	log.Debug().Str("subscriber", id).Msg("Subscriber removed")
	return nil
}

// Latest returns the last published frame.
func (b *Broadcaster) Latest() (model.SystemFrame, bool) {
	f := b.latest.Load()
	if f == nil {
		return model.SystemFrame{}, false
	}
	return f.Clone(), true
}

func (b *Broadcaster) Stats(id string) (SubscriberStats, error) {
	e, ok := b.subs.Get(id)
	if !ok {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:   e.sent.Load(),
		Failed: e.failed.Load(),
	}, nil
}

func (b *Broadcaster) SubscriberCount() int {
	return b.subs.Count()
}

func (b *Broadcaster) Published() uint64 {
	return b.published.Load()
}
