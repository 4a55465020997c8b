package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memSink) WriteBatch(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBusFanOutAndDrain(t *testing.T) {
	sink := &memSink{}
	bus := NewBus(zap.NewNop(), 16, sink)
	bus.Start()

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Publish(Event{Type: AccountStatusChanged, AccountID: "a1", Status: "online"})
	bus.Publish(Event{Type: AccountUpdated, AccountID: "a1"})

	select {
	case e := <-ch:
		assert.Equal(t, AccountStatusChanged, e.Type)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	bus.Stop()
	assert.Equal(t, 2, sink.len())

	// после Stop публикация не паникует и не доходит до sink
	bus.Publish(Event{Type: AccountUpdated, AccountID: "a2"})
	assert.Equal(t, 2, sink.len())
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(zap.NewNop(), 1)
	// воркер не запущен: очередь переполняется, Publish все равно возвращается
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: AccountUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus(zap.NewNop(), 64)
	bus.Start()

	ch, cancel := bus.Subscribe(1)
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: AccountUpdated})
	}
	bus.Stop()

	got := 0
	for range ch {
		got++
	}
	assert.Equal(t, 1, got)
	cancel()
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(zap.NewNop(), 4)
	bus.Start()
	defer bus.Stop()

	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)
}
