package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/tbs-engine/internal/browser"
	"github.com/xela07ax/tbs-engine/internal/catalog"
	"github.com/xela07ax/tbs-engine/internal/command"
	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/failure"
	"github.com/xela07ax/tbs-engine/internal/notify"
	"github.com/xela07ax/tbs-engine/internal/repository/memory"
	"github.com/xela07ax/tbs-engine/internal/session"
	"github.com/xela07ax/tbs-engine/internal/task"
)

type fakeHandle struct {
	d      *fakeDriver
	url    atomic.Value
	closed atomic.Bool
}

func (h *fakeHandle) Navigate(ctx context.Context, url string) error {
	if h.d.blockNavigate.Load() {
		h.d.navigating <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	h.url.Store(url)
	return nil
}

func (h *fakeHandle) Click(ctx context.Context, selector string) error { return nil }

func (h *fakeHandle) CurrentDocument(ctx context.Context) (string, error) {
	return "<html><body></body></html>", nil
}

func (h *fakeHandle) URL() string {
	u, _ := h.url.Load().(string)
	return u
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

type fakeDriver struct {
	mu            sync.Mutex
	handles       []*fakeHandle
	configs       []browser.LaunchConfig
	blockNavigate atomic.Bool
	navigating    chan struct{}

	// launchGate != nil: Launch ждет его закрытия, не глядя на ctx
	launchGate chan struct{}
	launching  chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{navigating: make(chan struct{}, 16), launching: make(chan struct{}, 16)}
}

func (d *fakeDriver) Launch(ctx context.Context, cfg browser.LaunchConfig) (browser.Handle, error) {
	if d.launchGate != nil {
		d.launching <- struct{}{}
		<-d.launchGate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := &fakeHandle{d: d}
	d.handles = append(d.handles, h)
	d.configs = append(d.configs, cfg)
	return h, nil
}

func (d *fakeDriver) lastHandle() *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

// listAllocator — каталог-заглушка с честной проверкой исключений
type listAllocator struct {
	mu  sync.Mutex
	uas []string
}

func newAllocator(n int) *listAllocator {
	a := &listAllocator{}
	for i := 0; i < n; i++ {
		a.uas = append(a.uas, fmt.Sprintf("Mozilla/5.0 test-agent/%d", i))
	}
	return a
}

func (a *listAllocator) Allocate(ctx context.Context, exclude map[string]struct{}) (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, ua := range a.uas {
		h := catalog.Hash(ua)
		if _, skip := exclude[h]; skip {
			continue
		}
		a.uas = append(a.uas[:i], a.uas[i+1:]...)
		return ua, h, nil
	}
	return "", "", failure.Fatalf("user-agent catalog is exhausted")
}

func testAccount(id string) *domain.Account {
	return &domain.Account{
		ID:        domain.AccountID(id),
		Username:  "user-" + id,
		ServerURL: "https://ts1.example",
	}
}

// statusLog запоминает все смены статусов из событий менеджера
type statusLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *statusLog) Publish(e notify.Event) {
	if e.Type != notify.AccountStatusChanged {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *statusLog) of(id domain.AccountID) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.AccountID == id {
			out = append(out, e.Status)
		}
	}
	return out
}

type harness struct {
	m        *Manager
	driver   *fakeDriver
	alloc    *listAllocator
	repo     *memory.AccountRepo
	statuses *statusLog
}

func newHarness(t *testing.T, accounts ...*domain.Account) *harness {
	t.Helper()
	h := &harness{
		driver:   newFakeDriver(),
		alloc:    newAllocator(100),
		repo:     memory.NewAccountRepo(),
		statuses: &statusLog{},
	}
	h.m = New(Config{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
	}, Deps{
		Repo:   h.repo,
		Pool:   h.alloc,
		Driver: h.driver,
		Events: h.statuses,
		Logger: zap.NewNop(),
		Session: session.Config{
			NavigateAttempts: 2,
			RetryDelayMin:    time.Millisecond,
			RetryDelayMax:    time.Millisecond,
			PageTimeout:      5 * time.Second,
		},
	})
	for _, acc := range accounts {
		require.NoError(t, h.m.AddAccount(context.Background(), acc))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

func funcTask(id domain.AccountID, kind string, fn func(ctx context.Context) error) task.Task {
	return task.NewSequence(task.Spec{
		Kind:      kind,
		AccountID: id,
		Steps: func() []task.Step {
			return []task.Step{task.Do(command.Func(kind, func(ctx context.Context, _ domain.AccountID) error {
				return fn(ctx)
			}))}
		},
	})
}

func waitStatus(t *testing.T, m *Manager, id domain.AccountID, want domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, _ := m.GetStatus(id)
		return s == want
	}, 3*time.Second, 2*time.Millisecond, "status of %s never became %s", id, want)
}
