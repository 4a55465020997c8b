package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/failure"
	"github.com/xela07ax/tbs-engine/internal/notify"
	"github.com/xela07ax/tbs-engine/internal/session"
)

// work — цикл воркера одного аккаунта. Задачи аккаунта никогда не
// выполняются параллельно: единственный потребитель очереди — эта горутина.
func (m *Manager) work(ctx context.Context, st *accountState, done chan struct{}) {
	acquired := false
	defer func() {
		m.teardown(st, acquired, done)
	}()

	// 1. Ограничение числа одновременно открытых браузеров
	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		acquired = true
	}

	// 2. Сессия живет столько же, сколько воркер
	if err := m.openSession(ctx, st); err != nil {
		if failure.KindOf(err) != failure.Cancelled {
			m.accountLog(st, "Cannot open browser: "+traceOf(err))
		}
		return
	}

	st.mu.Lock()
	// Stop мог прийти, пока запускался браузер: сессию закроет teardown
	if ctx.Err() != nil || st.Status() == domain.StatusStopping {
		st.mu.Unlock()
		return
	}
	if st.paused {
		m.setStatus(st, domain.StatusPaused)
	} else {
		m.setStatus(st, domain.StatusOnline)
	}
	st.mu.Unlock()

	// 3. Основной цикл
	for {
		e, taskCtx, wait := st.next(ctx, time.Now())
		if e == nil {
			if !m.idle(ctx, st, wait) {
				return
			}
			continue
		}

		if !m.execute(ctx, taskCtx, st, e) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if d := m.taskDelay(st); d > 0 && !m.idle(ctx, st, d) {
			return
		}
	}
}

func (m *Manager) openSession(ctx context.Context, st *accountState) error {
	st.mu.Lock()
	acc := st.account.Clone()
	st.mu.Unlock()

	access, _ := acc.Current()
	sess := session.New(st.id, access, acc.Settings, m.sessCfg, session.Deps{
		Driver:   m.driver,
		Rotator:  m,
		Limiter:  m.limiter,
		Observer: m.metrics,
		Logs:     st.logs,
		Logger:   m.logger,
	})
	if err := sess.Open(ctx); err != nil {
		sess.Close()
		return err
	}

	st.mu.Lock()
	st.session = sess
	st.mu.Unlock()
	return nil
}

// idle ждет сигнала, таймера (wait > 0) или отмены. false — воркер должен выйти.
func (m *Manager) idle(ctx context.Context, st *accountState, wait time.Duration) bool {
	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-st.wake:
	case <-timer:
	}
	return true
}

// execute прогоняет одну задачу и решает ее судьбу. false — воркер должен выйти.
func (m *Manager) execute(ctx, taskCtx context.Context, st *accountState, e *entry) bool {
	t := e.task
	m.accountLog(st, "Task "+t.Name()+" started", zap.String("task_id", string(t.ID())))

	start := time.Now()
	err := t.Run(taskCtx)
	elapsed := time.Since(start)
	st.finish()

	kind := failure.KindOf(err)
	outcome := outcomeOf(kind)
	m.metrics.TaskDuration.WithLabelValues(t.Kind(), outcome).Observe(elapsed.Seconds())
	m.metrics.TaskResults.WithLabelValues(t.Kind(), outcome).Inc()

	keepRunning := true
	st.mu.Lock()
	switch kind {
	case failure.KindNone:
		delete(st.attempts, t.Key())
		m.accountLog(st, "Task "+t.Name()+" completed")

	case failure.Retryable:
		st.attempts[t.Key()]++
		n := st.attempts[t.Key()]
		if n > m.cfg.MaxRetries {
			delete(st.attempts, t.Key())
			err = failure.Escalate(err, "retry limit exceeded")
			m.fatal(st, t.Name(), err)
			keepRunning = false
			break
		}
		delay := m.backoff(n)
		st.push(t.Renew(), time.Now().Add(delay), false)
		m.accountLog(st, fmt.Sprintf("Task %s failed, retry %d/%d in %s\n%s", t.Name(), n, m.cfg.MaxRetries, delay, traceOf(err)))

	case failure.Cancelled, failure.Stopped:
		// Повтор после паузы/остановки не считается попыткой
		st.push(t.Renew(), time.Now(), true)
		m.accountLog(st, "Task "+t.Name()+" cancelled")
		if kind == failure.Stopped && ctx.Err() == nil {
			keepRunning = false
		}

	default:
		delete(st.attempts, t.Key())
		m.fatal(st, t.Name(), err)
		keepRunning = false
	}

	if keepRunning && st.paused && st.Status() == domain.StatusPausing {
		m.setStatus(st, domain.StatusPaused)
	}
	depth := len(st.queue)
	st.mu.Unlock()

	m.metrics.QueueDepth.WithLabelValues(string(st.id)).Set(float64(depth))
	m.publish(notify.Event{
		Type:       notify.TaskFinished,
		AccountID:  st.id,
		TaskID:     t.ID(),
		TaskName:   t.Name(),
		TaskKind:   t.Kind(),
		Outcome:    outcome,
		DurationMs: elapsed.Milliseconds(),
	})
	return keepRunning
}

// fatal оставляет трассировку в логе аккаунта. Вызывается под st.mu.
func (m *Manager) fatal(st *accountState, name string, err error) {
	st.logs.Write("Task " + name + " failed and account is stopped\n" + traceOf(err))
	m.logger.Error("task failed fatally",
		zap.String("account_id", string(st.id)),
		zap.String("task", name),
		zap.Error(err),
	)
}

// teardown: закрыть сессию, вернуть слот семафора, Offline
func (m *Manager) teardown(st *accountState, acquired bool, done chan struct{}) {
	st.mu.Lock()
	sess := st.session
	st.session = nil
	st.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if acquired {
		m.sem.Release(1)
	}

	st.mu.Lock()
	if st.workerCancel != nil {
		st.workerCancel()
	}
	st.workerCancel = nil
	st.done = nil
	st.paused = false
	m.setStatus(st, domain.StatusOffline)
	st.mu.Unlock()

	close(done)
}

// backoff — min(base·2^(n-1), max)
func (m *Manager) backoff(n int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= m.cfg.BackoffMax {
			return m.cfg.BackoffMax
		}
	}
	return min(d, m.cfg.BackoffMax)
}

// taskDelay — случайная пауза между задачами из настроек аккаунта
func (m *Manager) taskDelay(st *accountState) time.Duration {
	st.mu.Lock()
	s := st.account.Settings
	st.mu.Unlock()

	lo := time.Duration(s.TaskDelayMin) * time.Millisecond
	hi := time.Duration(s.TaskDelayMax) * time.Millisecond
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}

func outcomeOf(k failure.Kind) string {
	if k == failure.KindNone {
		return "ok"
	}
	return k.String()
}

func traceOf(err error) string {
	if f := failure.From(err); f != nil {
		return f.Trace()
	}
	return ""
}
