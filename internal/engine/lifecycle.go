package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/task"
)

// Enqueue ставит задачу в конец очереди аккаунта.
// Подавление дублей — забота вызывающего.
func (m *Manager) Enqueue(id domain.AccountID, t task.Task) (domain.TaskID, error) {
	st, err := m.state(id)
	if err != nil {
		return "", err
	}
	if t.AccountID() != id {
		return "", fmt.Errorf("%w: %s != %s", ErrTaskMismatch, t.AccountID(), id)
	}

	st.mu.Lock()
	st.push(t, time.Now(), false)
	depth := len(st.queue)
	st.mu.Unlock()

	m.metrics.QueueDepth.WithLabelValues(string(id)).Set(float64(depth))
	st.signal()
	return t.ID(), nil
}

// Start: Offline → Starting → Online, запускает воркер аккаунта.
// Синхронно закрепляет за аккаунтом user-agent, если его еще нет.
func (m *Manager) Start(ctx context.Context, id domain.AccountID) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	closing := m.shutdown
	m.mu.RUnlock()
	if closing {
		return ErrShuttingDown
	}

	st.mu.Lock()
	if st.running() {
		st.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	workerCtx, cancel := context.WithCancel(m.baseCtx)
	st.workerCancel = cancel
	st.done = make(chan struct{})
	st.paused = false
	m.setStatus(st, domain.StatusStarting)
	st.mu.Unlock()

	if err := m.ensureAccess(ctx, st); err != nil {
		m.accountLog(st, "Cannot start: "+err.Error())
		st.mu.Lock()
		cancel()
		close(st.done)
		st.done = nil
		st.workerCancel = nil
		m.setStatus(st, domain.StatusOffline)
		st.mu.Unlock()
		return err
	}

	go m.work(workerCtx, st, st.done)
	return nil
}

// Pause: Online → Pausing → Paused. Активная задача получает отмену и
// возвращается в начало очереди; сессия остается открытой.
func (m *Manager) Pause(id domain.AccountID) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if !st.running() || st.Status() == domain.StatusStopping {
		st.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if st.paused {
		st.mu.Unlock()
		return nil
	}
	st.paused = true
	// Статус меняется под st.mu, чтобы воркер не успел выставить Paused раньше Pausing
	if st.active != nil {
		m.setStatus(st, domain.StatusPausing)
		st.taskCancel()
	} else if st.Status() == domain.StatusOnline {
		m.setStatus(st, domain.StatusPaused)
	}
	st.mu.Unlock()

	st.signal()
	m.accountLog(st, "Pause requested")
	return nil
}

// Resume: Paused → Online
func (m *Manager) Resume(id domain.AccountID) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if !st.running() || !st.paused {
		st.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPaused, id)
	}
	st.paused = false
	if st.Status() != domain.StatusStarting {
		m.setStatus(st, domain.StatusOnline)
	}
	st.mu.Unlock()

	st.signal()
	m.accountLog(st, "Resumed")
	return nil
}

// Stop: → Stopping → Offline. Отменяет воркер и ждет его выхода;
// воркер закрывает сессию. Очередь сохраняется до следующего Start.
func (m *Manager) Stop(ctx context.Context, id domain.AccountID) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if !st.running() {
		st.mu.Unlock()
		return nil
	}
	done := st.done
	m.setStatus(st, domain.StatusStopping)
	st.workerCancel()
	st.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", id, ctx.Err())
	}
}

// Restart = Stop + Start. Сбрасывает счетчики повторов (выход из Fatal).
func (m *Manager) Restart(ctx context.Context, id domain.AccountID) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	st, err := m.state(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	clear(st.attempts)
	st.mu.Unlock()
	return m.Start(ctx, id)
}

// Shutdown останавливает все аккаунты параллельно
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	ids := make([]domain.AccountID, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.logger.Info("shutting down accounts", zap.Int("count", len(ids)))

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return m.Stop(gctx, id)
		})
	}
	err := g.Wait()
	m.cancel()
	return err
}
