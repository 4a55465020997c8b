package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/tbs-engine/internal/command"
	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/failure"
	"github.com/xela07ax/tbs-engine/internal/task"
)

func TestAtMostOneTaskRunningPerAccount(t *testing.T) {
	const accounts, tasksPerAccount = 6, 15

	var ids []domain.AccountID
	var accs []*domain.Account
	for i := 0; i < accounts; i++ {
		acc := testAccount(fmt.Sprintf("acc-%d", i))
		accs = append(accs, acc)
		ids = append(ids, acc.ID)
	}
	h := newHarness(t, accs...)

	running := make(map[domain.AccountID]*atomic.Int32)
	var overlaps, finished atomic.Int32
	var globalPeak, global atomic.Int32
	for _, id := range ids {
		running[id] = &atomic.Int32{}
	}

	for _, id := range ids {
		for j := 0; j < tasksPerAccount; j++ {
			counter := running[id]
			tk := funcTask(id, fmt.Sprintf("work-%d", j), func(ctx context.Context) error {
				if counter.Add(1) > 1 {
					overlaps.Add(1)
				}
				if g := global.Add(1); g > globalPeak.Load() {
					globalPeak.Store(g)
				}
				time.Sleep(time.Millisecond)
				global.Add(-1)
				counter.Add(-1)
				finished.Add(1)
				return nil
			})
			_, err := h.m.Enqueue(id, tk)
			require.NoError(t, err)
		}
	}

	for _, id := range ids {
		require.NoError(t, h.m.Start(context.Background(), id))
	}

	require.Eventually(t, func() bool {
		return finished.Load() == accounts*tasksPerAccount
	}, 10*time.Second, 5*time.Millisecond)

	assert.Zero(t, overlaps.Load(), "two tasks of one account ran concurrently")
	assert.Greater(t, globalPeak.Load(), int32(1), "accounts should progress in parallel")
}

func TestQueueIsFIFO(t *testing.T) {
	h := newHarness(t, testAccount("a1"))

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		_, err := h.m.Enqueue("a1", funcTask("a1", name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, h.m.Start(context.Background(), "a1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 3*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRetryCapEscalatesToFatal(t *testing.T) {
	h := newHarness(t, testAccount("a1"))

	var runs atomic.Int32
	_, err := h.m.Enqueue("a1", funcTask("a1", "construct", func(context.Context) error {
		runs.Add(1)
		return failure.ButtonNotFound("construct")
	}))
	require.NoError(t, err)
	require.NoError(t, h.m.Start(context.Background(), "a1"))

	require.Eventually(t, func() bool { return runs.Load() == 4 }, 3*time.Second, time.Millisecond)
	waitStatus(t, h.m, "a1", domain.StatusOffline)

	// 4-й неуспех подряд превращается в Fatal: больше запусков нет
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(4), runs.Load())

	logs, err := h.m.Logs("a1")
	require.NoError(t, err)
	assert.True(t, strings.Contains(logs[0], "retry limit exceeded"), logs[0])
	assert.Contains(t, logs[0], "cannot find construct button")

	snap, err := h.m.Snapshot("a1")
	require.NoError(t, err)
	assert.Empty(t, snap.Queue)
}

func TestRetryableIsRequeuedAndRecovers(t *testing.T) {
	h := newHarness(t, testAccount("a1"))

	var runs atomic.Int32
	_, err := h.m.Enqueue("a1", funcTask("a1", "flaky", func(context.Context) error {
		if runs.Add(1) <= 2 {
			return failure.Retry("page not ready")
		}
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, h.m.Start(context.Background(), "a1"))

	require.Eventually(t, func() bool { return runs.Load() == 3 }, 3*time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, domain.StatusOnline, mustStatus(t, h.m, "a1"))

	snap, _ := h.m.Snapshot("a1")
	assert.Empty(t, snap.Queue)
}

func TestFatalStopsAccountUntilRestart(t *testing.T) {
	h := newHarness(t, testAccount("a1"))

	var after atomic.Int32
	_, _ = h.m.Enqueue("a1", funcTask("a1", "banned", func(context.Context) error {
		return failure.Fatalf("account is banned")
	}))
	_, _ = h.m.Enqueue("a1", funcTask("a1", "later", func(context.Context) error {
		after.Add(1)
		return nil
	}))
	require.NoError(t, h.m.Start(context.Background(), "a1"))

	waitStatus(t, h.m, "a1", domain.StatusOffline)
	assert.Zero(t, after.Load())
	assert.True(t, h.driver.lastHandle().closed.Load(), "session must be closed after fatal")

	logs, _ := h.m.Logs("a1")
	assert.Contains(t, strings.Join(logs, "\n"), "account is banned")

	require.NoError(t, h.m.Restart(context.Background(), "a1"))
	require.Eventually(t, func() bool { return after.Load() == 1 }, 3*time.Second, time.Millisecond)
}

func TestUnclassifiedErrorIsFatal(t *testing.T) {
	h := newHarness(t, testAccount("a1"))

	_, _ = h.m.Enqueue("a1", funcTask("a1", "broken", func(context.Context) error {
		return errors.New("nil pointer in parser")
	}))
	require.NoError(t, h.m.Start(context.Background(), "a1"))

	waitStatus(t, h.m, "a1", domain.StatusOffline)
}

func TestPauseMidNavigationKeepsSession(t *testing.T) {
	h := newHarness(t, testAccount("a1"))
	h.driver.blockNavigate.Store(true)

	set := command.NewSet(h.m, nil)
	nav := task.NewSequence(task.Spec{
		Kind:      "update_village",
		AccountID: "a1",
		Steps: func() []task.Step {
			return []task.Step{task.Do(set.Navigate("https://ts1.example/dorf1.php"))}
		},
	})
	_, err := h.m.Enqueue("a1", nav)
	require.NoError(t, err)
	require.NoError(t, h.m.Start(context.Background(), "a1"))

	select {
	case <-h.driver.navigating:
	case <-time.After(3 * time.Second):
		t.Fatal("navigation never started")
	}

	require.NoError(t, h.m.Pause("a1"))
	waitStatus(t, h.m, "a1", domain.StatusPaused)

	handle := h.driver.lastHandle()
	assert.False(t, handle.closed.Load(), "pause must not close the session")

	snap, err := h.m.Snapshot("a1")
	require.NoError(t, err)
	require.Len(t, snap.Queue, 1, "cancelled task goes back to the queue")
	assert.Equal(t, 0, snap.Queue[0].Attempts)
	assert.Empty(t, snap.Active)

	require.NoError(t, h.m.Stop(context.Background(), "a1"))
	assert.Equal(t, domain.StatusOffline, mustStatus(t, h.m, "a1"))
	assert.True(t, handle.closed.Load(), "stop must close the session")
}

func TestStopMidNavigation(t *testing.T) {
	h := newHarness(t, testAccount("a1"))
	h.driver.blockNavigate.Store(true)

	set := command.NewSet(h.m, nil)
	_, _ = h.m.Enqueue("a1", task.NewSequence(task.Spec{
		Kind:      "nav",
		AccountID: "a1",
		Steps:     func() []task.Step { return []task.Step{task.Do(set.Navigate("https://ts1.example/"))} },
	}))
	require.NoError(t, h.m.Start(context.Background(), "a1"))
	<-h.driver.navigating

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.m.Stop(ctx, "a1"))

	assert.Equal(t, domain.StatusOffline, mustStatus(t, h.m, "a1"))
	assert.True(t, h.driver.lastHandle().closed.Load())
	snap, _ := h.m.Snapshot("a1")
	assert.Len(t, snap.Queue, 1, "queue survives stop")
}

func TestStopDuringBrowserLaunchNeverGoesOnline(t *testing.T) {
	h := newHarness(t, testAccount("a1"))
	h.driver.launchGate = make(chan struct{})

	require.NoError(t, h.m.Start(context.Background(), "a1"))
	<-h.driver.launching

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stopped <- h.m.Stop(ctx, "a1")
	}()
	waitStatus(t, h.m, "a1", domain.StatusStopping)

	// Браузер поднялся уже после Stop
	close(h.driver.launchGate)
	require.NoError(t, <-stopped)

	assert.Equal(t, domain.StatusOffline, mustStatus(t, h.m, "a1"))
	assert.Equal(t, []string{"starting", "stopping", "offline"}, h.statuses.of("a1"))
	if hd := h.driver.lastHandle(); hd != nil {
		assert.True(t, hd.closed.Load(), "late browser is closed")
	}
}

func TestPauseIdleAndResume(t *testing.T) {
	h := newHarness(t, testAccount("a1"))
	require.NoError(t, h.m.Start(context.Background(), "a1"))
	waitStatus(t, h.m, "a1", domain.StatusOnline)

	require.NoError(t, h.m.Pause("a1"))
	waitStatus(t, h.m, "a1", domain.StatusPaused)

	var ran atomic.Bool
	_, _ = h.m.Enqueue("a1", funcTask("a1", "after-resume", func(context.Context) error {
		ran.Store(true)
		return nil
	}))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load(), "paused account must not run tasks")

	require.NoError(t, h.m.Resume("a1"))
	require.Eventually(t, ran.Load, 3*time.Second, time.Millisecond)
	assert.Equal(t, domain.StatusOnline, mustStatus(t, h.m, "a1"))
}

func TestLifecycleErrors(t *testing.T) {
	h := newHarness(t, testAccount("a1"))

	assert.ErrorIs(t, h.m.Resume("a1"), ErrNotPaused)
	assert.ErrorIs(t, h.m.Pause("a1"), ErrNotRunning)
	assert.NoError(t, h.m.Stop(context.Background(), "a1"))

	require.NoError(t, h.m.Start(context.Background(), "a1"))
	assert.ErrorIs(t, h.m.Start(context.Background(), "a1"), ErrAlreadyRunning)

	_, err := h.m.Enqueue("a1", funcTask("a2", "x", func(context.Context) error { return nil }))
	assert.ErrorIs(t, err, ErrTaskMismatch)

	_, err = h.m.GetStatus("missing")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestBackoff(t *testing.T) {
	m := New(Config{BackoffBase: time.Second, BackoffMax: 10 * time.Second}, Deps{})
	defer m.cancel()

	assert.Equal(t, time.Second, m.backoff(1))
	assert.Equal(t, 2*time.Second, m.backoff(2))
	assert.Equal(t, 4*time.Second, m.backoff(3))
	assert.Equal(t, 8*time.Second, m.backoff(4))
	assert.Equal(t, 10*time.Second, m.backoff(5))
	assert.Equal(t, 10*time.Second, m.backoff(30))
}

func TestRemoveAccount(t *testing.T) {
	h := newHarness(t, testAccount("a1"))
	require.NoError(t, h.m.Start(context.Background(), "a1"))
	waitStatus(t, h.m, "a1", domain.StatusOnline)

	require.NoError(t, h.m.RemoveAccount(context.Background(), "a1"))

	_, err := h.m.GetStatus("a1")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = h.repo.LoadAccount(context.Background(), "a1")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestShutdownStopsEveryone(t *testing.T) {
	h := newHarness(t, testAccount("a1"), testAccount("a2"))
	require.NoError(t, h.m.Start(context.Background(), "a1"))
	require.NoError(t, h.m.Start(context.Background(), "a2"))
	waitStatus(t, h.m, "a1", domain.StatusOnline)
	waitStatus(t, h.m, "a2", domain.StatusOnline)

	require.NoError(t, h.m.Shutdown(context.Background()))

	for _, snap := range h.m.Accounts() {
		assert.Equal(t, domain.StatusOffline, snap.Status)
	}
	assert.ErrorIs(t, h.m.Start(context.Background(), "a1"), ErrShuttingDown)
}

func mustStatus(t *testing.T, m *Manager, id domain.AccountID) domain.Status {
	t.Helper()
	s, err := m.GetStatus(id)
	require.NoError(t, err)
	return s
}
