package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rufus800/challawa-np/internal/model"
)

type chanSubscriber struct {
	id string
	ch chan model.SystemFrame
}

func newChanSubscriber(id string, size int) *chanSubscriber {
	return &chanSubscriber{id: id, ch: make(chan model.SystemFrame, size)}
}

func (c *chanSubscriber) ID() string { return c.id }

func (c *chanSubscriber) Deliver(f model.SystemFrame) error {
	select {
	case c.ch <- f:
		return nil
	default:
		return errors.New("buffer full")
	}
}

func frame(seq uint64) model.SystemFrame {
	return model.SystemFrame{
		Connected: true,
		Sequence:  seq,
		Timestamp: time.Now(),
		Readings: map[int]model.DeviceReading{
			1: model.NewDeviceReading(true, true, false, 4.2, 5, 48),
		},
	}
}

func TestPublishFansOut(t *testing.T) {
	b := New(nil)
	a := newChanSubscriber("a", 4)
	c := newChanSubscriber("c", 4)
	require.NoError(t, b.Subscribe(a))
	require.NoError(t, b.Subscribe(c))

	b.Publish(frame(1))
	b.Publish(frame(2))

	for _, sub := range []*chanSubscriber{a, c} {
		assert.Equal(t, uint64(1), (<-sub.ch).Sequence)
		assert.Equal(t, uint64(2), (<-sub.ch).Sequence)
	}
	assert.Equal(t, uint64(2), b.Published())
}

func TestSubscribeCatchUp(t *testing.T) {
	b := New(nil)

	early := newChanSubscriber("early", 1)
	require.NoError(t, b.Subscribe(early))
	assert.Empty(t, early.ch, "nothing to catch up on before the first publish")

	b.Publish(frame(7))
	<-early.ch

	late := newChanSubscriber("late", 1)
	require.NoError(t, b.Subscribe(late))
	select {
	case f := <-late.ch:
		assert.Equal(t, uint64(7), f.Sequence)
	default:
		t.Fatal("late subscriber did not receive the last frame")
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(nil)
	slow := newChanSubscriber("slow", 1)
	fast := newChanSubscriber("fast", 10)
	require.NoError(t, b.Subscribe(slow))
	require.NoError(t, b.Subscribe(fast))

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 5; i++ {
			b.Publish(frame(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Len(t, fast.ch, 5)

	st, err := b.Stats("slow")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Sent)
	assert.Equal(t, uint64(4), st.Failed)

	st, err = b.Stats("fast")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), st.Sent)
	assert.Equal(t, uint64(0), st.Failed)
}

func TestSubscribeErrors(t *testing.T) {
	b := New(nil)
	require.NoError(t, b.Subscribe(newChanSubscriber("dup", 1)))
	assert.ErrorIs(t, b.Subscribe(newChanSubscriber("dup", 1)), ErrSubscriberExists)
	assert.ErrorIs(t, b.Subscribe(nil), ErrNilSubscriber)
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	sub := newChanSubscriber("gone", 4)
	require.NoError(t, b.Subscribe(sub))
	assert.Equal(t, 1, b.SubscriberCount())

	require.NoError(t, b.Unsubscribe("gone"))
	assert.Equal(t, 0, b.SubscriberCount())
	assert.ErrorIs(t, b.Unsubscribe("gone"), ErrSubscriberNotFound)

	b.Publish(frame(1))
	assert.Empty(t, sub.ch)

	_, err := b.Stats("gone")
	assert.ErrorIs(t, err, ErrSubscriberNotFound)
}

func TestLatestIsACopy(t *testing.T) {
	b := New(nil)
	_, ok := b.Latest()
	assert.False(t, ok)

	b.Publish(frame(3))
	got, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.Sequence)

	got.Readings[1] = model.ErrorReading()
	again, _ := b.Latest()
	assert.Equal(t, model.StatusRunning, again.Readings[1].Status)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New(nil)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 200; i++ {
			b.Publish(frame(i))
		}
	}()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sub := newChanSubscriber(string(rune('a'+n)), 8)
			_ = b.Subscribe(sub)
			_ = b.Unsubscribe(sub.ID())
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestSubscribeDuringPublishKeepsOrder(t *testing.T) {
	b := New(nil)
	b.Publish(frame(1))

	subs := make([]*chanSubscriber, 20)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(2); i <= 300; i++ {
			b.Publish(frame(i))
		}
	}()
	for i := range subs {
		subs[i] = newChanSubscriber(string(rune('a'+i)), 400)
		wg.Add(1)
		go func(s *chanSubscriber) {
			defer wg.Done()
			assert.NoError(t, b.Subscribe(s))
		}(subs[i])
	}
	wg.Wait()

	for _, s := range subs {
		close(s.ch)
		var last uint64
		for f := range s.ch {
			assert.Greater(t, f.Sequence, last, "subscriber %s saw frame %d after %d", s.id, f.Sequence, last)
			last = f.Sequence
		}
		assert.Equal(t, uint64(300), last)
	}
}
