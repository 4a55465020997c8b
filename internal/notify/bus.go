package notify

/*
Bus — шина уведомлений ядра.

- Publish никогда не блокирует: событие кладется в буферизованный канал,
  при переполнении сбрасывается с записью в лог (Load Shedding).
- Воркер раздает события подписчикам (у каждого свой ограниченный канал,
  медленный подписчик теряет события) и пачками пишет их в Sink'и.
- Stop закрывает вход и дожидается финального flush (Drain Pattern).
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize = 10000
	batchSize        = 100
	flushInterval    = 500 * time.Millisecond
)

// Sink — внешний получатель пачек событий (Redis и т.п.)
type Sink interface {
	WriteBatch(ctx context.Context, events []Event) error
}

type Publisher interface {
	Publish(event Event)
}

type Bus struct {
	ch     chan Event
	sinks  []Sink
	logger *zap.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int

	closed atomic.Bool
}

func NewBus(logger *zap.Logger, queueSize int, sinks ...Sink) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		ch:     make(chan Event, queueSize),
		sinks:  sinks,
		logger: logger.With(zap.String("mod", "notify")),
		subs:   make(map[int]chan Event),
	}
}

func (b *Bus) Start() {
	b.wg.Add(1)
	go b.worker()
}

// Stop запирает вход и ждет, пока воркер раздаст и допишет остатки.
func (b *Bus) Stop() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.logger.Info("stopping bus: closing channel and flushing buffer...")
	close(b.ch)
	b.wg.Wait()

	b.mu.Lock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.logger.Info("bus stopped gracefully")
}

func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if b.closed.Load() {
		b.logger.Warn("event dropped: bus is stopping", zap.String("type", string(event.Type)))
		return
	}

	// closed мог выставиться между проверкой и отправкой
	defer func() {
		if recover() != nil {
			b.logger.Warn("event dropped: bus is stopped", zap.String("type", string(event.Type)))
		}
	}()

	select {
	case b.ch <- event:
	default:
		b.logger.Error("notify_buffer_overflow",
			zap.String("type", string(event.Type)),
			zap.String("account_id", string(event.AccountID)),
		)
	}
}

// Subscribe возвращает канал событий и функцию отписки
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			// после Stop канал уже закрыт и удален
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *Bus) fanOut(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()

	batch := make([]Event, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, s := range b.sinks {
			// Background: к моменту финального flush основной контекст уже закрыт
			if err := s.WriteBatch(context.Background(), batch); err != nil {
				b.logger.Error("notify flush failed", zap.Error(err))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-b.ch:
			if !ok {
				flush()
				return
			}
			b.fanOut(event)
			if len(b.sinks) == 0 {
				continue
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
