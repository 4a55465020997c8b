package session

import (
	"sync"
	"time"
)

// DefaultLogCapacity — средняя строка ~70 символов, 3000 строк держат около 0.5 МБ на аккаунт
const DefaultLogCapacity = 3000

// LogBuffer — кольцевой буфер логов аккаунта фиксированной емкости.
// Старые строки вытесняются. Подписчики получают новые строки без блокировки писателя.
type LogBuffer struct {
	mu    sync.RWMutex
	lines []string
	head  int // индекс следующей записи
	full  bool

	subs   map[int]chan string
	nextID int
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{
		lines: make([]string, capacity),
		subs:  make(map[int]chan string),
	}
}

// Push добавляет строку и раздает ее подписчикам.
func (b *LogBuffer) Push(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines[b.head] = line
	b.head = (b.head + 1) % len(b.lines)
	if b.head == 0 {
		b.full = true
	}

	for _, ch := range b.subs {
		// Load Shedding: медленный подписчик теряет строки, но не тормозит аккаунт
		select {
		case ch <- line:
		default:
		}
	}
}

// Write добавляет строку с отметкой времени "15:04:05: msg"
func (b *LogBuffer) Write(msg string) {
	b.Push(time.Now().Format(time.TimeOnly) + ": " + msg)
}

// Lines возвращает копию буфера, самые свежие строки первыми
func (b *LogBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.head
	if b.full {
		n = len(b.lines)
	}
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		idx := (b.head - i + len(b.lines)) % len(b.lines)
		out = append(out, b.lines[idx])
	}
	return out
}

// Len — сколько строк сейчас в буфере
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.lines)
	}
	return b.head
}

// Cap — емкость буфера
func (b *LogBuffer) Cap() int {
	return len(b.lines)
}

// Subscribe возвращает канал новых строк и функцию отписки.
func (b *LogBuffer) Subscribe(buffer int) (<-chan string, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan string, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
