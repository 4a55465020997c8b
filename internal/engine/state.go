package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/session"
	"github.com/xela07ax/tbs-engine/internal/task"
)

type entry struct {
	task    task.Task
	readyAt time.Time
}

// accountState — все, чем владеет менеджер для одного аккаунта.
// Поля под mu, кроме status (атомарный) и logs (собственная блокировка).
type accountState struct {
	id     domain.AccountID
	status atomic.Int32
	logs   *session.LogBuffer

	mu       sync.Mutex
	account  *domain.Account
	queue    []*entry
	attempts map[string]int // ключ задачи → неуспехов подряд
	active   task.Task
	session  *session.Session
	paused   bool

	taskCancel   context.CancelFunc
	workerCancel context.CancelFunc
	done         chan struct{} // закрывается при выходе воркера
	wake         chan struct{}
}

func newAccountState(acc *domain.Account, logCapacity int) *accountState {
	return &accountState{
		id:       acc.ID,
		logs:     session.NewLogBuffer(logCapacity),
		account:  acc,
		attempts: make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

func (st *accountState) Status() domain.Status {
	return domain.Status(st.status.Load())
}

// signal будит воркера, не блокируясь
func (st *accountState) signal() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

func (st *accountState) running() bool {
	return st.done != nil
}

// push ставит задачу в очередь: в конец или, после отмены, в начало
func (st *accountState) push(t task.Task, readyAt time.Time, front bool) {
	e := &entry{task: t, readyAt: readyAt}
	if front {
		st.queue = append([]*entry{e}, st.queue...)
		return
	}
	st.queue = append(st.queue, e)
}

// next забирает первую готовую задачу (FIFO среди тех, чья задержка истекла).
// Если готовых нет, возвращает время до ближайшей; 0 — ждать сигнала.
// Запуск задачи и регистрация ее отмены происходят под одной блокировкой,
// поэтому Pause не может проскочить между ними.
func (st *accountState) next(ctx context.Context, now time.Time) (*entry, context.Context, time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.paused || len(st.queue) == 0 {
		return nil, nil, 0
	}
	var wait time.Duration
	for i, e := range st.queue {
		if !e.readyAt.After(now) {
			st.queue = append(st.queue[:i:i], st.queue[i+1:]...)
			taskCtx, cancel := context.WithCancel(ctx)
			st.active = e.task
			st.taskCancel = cancel
			return e, taskCtx, 0
		}
		if d := e.readyAt.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return nil, nil, wait
}

// finish снимает отметку активной задачи
func (st *accountState) finish() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.taskCancel != nil {
		st.taskCancel()
	}
	st.active = nil
	st.taskCancel = nil
}

func (st *accountState) snapshot() AccountSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := AccountSnapshot{
		ID:        st.id,
		Username:  st.account.Username,
		ServerURL: st.account.ServerURL,
		Status:    st.Status(),
		Queue:     make([]QueueItem, 0, len(st.queue)),
	}
	if st.active != nil {
		snap.Active = st.active.Name()
	}
	for _, e := range st.queue {
		snap.Queue = append(snap.Queue, QueueItem{
			ID:       e.task.ID(),
			Name:     e.task.Name(),
			Kind:     e.task.Kind(),
			ReadyAt:  e.readyAt,
			Attempts: st.attempts[e.task.Key()],
		})
	}
	if acc, ok := st.account.Current(); ok {
		snap.Proxy = acc.ProxyServer()
		snap.UserAgent = acc.UserAgent
	}
	return snap
}
