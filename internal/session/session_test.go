package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/tbs-engine/internal/browser"
	"github.com/xela07ax/tbs-engine/internal/dom"
	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/failure"
)

type fakeHandle struct {
	d      *fakeDriver
	url    string
	closed bool
}

func (h *fakeHandle) Navigate(ctx context.Context, url string) error {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	h.d.navigations++
	if h.d.navigate != nil {
		if err := h.d.navigate(h.d.launches, url); err != nil {
			return err
		}
	}
	h.url = url
	return nil
}

func (h *fakeHandle) Click(ctx context.Context, selector string) error {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	h.d.clicks = append(h.d.clicks, selector)
	if h.d.clickErr != nil {
		return h.d.clickErr
	}
	if h.d.clickURL != "" {
		h.url = h.d.clickURL
	}
	return nil
}

func (h *fakeHandle) CurrentDocument(ctx context.Context) (string, error) {
	return `<html><body><div id="page">` + h.url + `</div></body></html>`, nil
}

func (h *fakeHandle) URL() string {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	return h.url
}

func (h *fakeHandle) Close() error {
	h.closed = true
	return h.d.closeErr
}

type fakeDriver struct {
	mu          sync.Mutex
	launches    int
	configs     []browser.LaunchConfig
	navigations int
	clicks      []string
	navigate    func(launch int, url string) error
	clickErr    error
	clickURL    string
	closeErr    error
}

func (d *fakeDriver) Launch(ctx context.Context, cfg browser.LaunchConfig) (browser.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	d.configs = append(d.configs, cfg)
	return &fakeHandle{d: d}, nil
}

type fakeRotator struct {
	calls int
	next  func(n int) (domain.Access, error)
}

func (r *fakeRotator) RotateAccess(ctx context.Context, id domain.AccountID) (domain.Access, error) {
	r.calls++
	return r.next(r.calls)
}

func fastConfig() Config {
	return Config{
		NavigateAttempts: 5,
		RotationBudget:   3,
		RetryDelayMin:    time.Millisecond,
		RetryDelayMax:    time.Millisecond,
		PageTimeout:      time.Second,
		WaitTimeout:      50 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
	}
}

func proxied(port int) domain.Access {
	return domain.Access{Proxy: "10.0.0.1", ProxyPort: port, UserAgent: "ua", UserAgentHash: "h"}
}

func newTestSession(d *fakeDriver, r Rotator, access domain.Access) *Session {
	return New("acc-1", access, domain.Settings{Headless: true}, fastConfig(), Deps{Driver: d, Rotator: r})
}

func TestNavigateSuccessReplacesSnapshot(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(d, nil, domain.Access{UserAgent: "ua"})

	require.NoError(t, s.Navigate(context.Background(), "https://ts1.example/dorf1.php"))

	assert.Equal(t, "https://ts1.example/dorf1.php", s.URL())
	require.NotNil(t, s.Document())
	assert.Contains(t, s.Document().Raw, "dorf1.php")
	assert.Equal(t, 1, d.launches)
	assert.True(t, d.configs[0].Headless)
	assert.Equal(t, "ua", d.configs[0].UserAgent)
}

func TestNavigateEmptyURLIsNoop(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(d, nil, domain.Access{})

	require.NoError(t, s.Navigate(context.Background(), ""))
	assert.Equal(t, 0, d.launches)
}

func TestNavigateWithoutProxyIsRetryable(t *testing.T) {
	d := &fakeDriver{navigate: func(int, string) error { return errors.New("net::ERR_CONNECTION_RESET") }}
	rot := &fakeRotator{}
	logs := NewLogBuffer(10)
	s := New("acc-1", domain.Access{UserAgent: "ua"}, domain.Settings{Headless: true}, fastConfig(), Deps{Driver: d, Rotator: rot, Logs: logs})

	err := s.Navigate(context.Background(), "https://ts1.example/")

	assert.Equal(t, failure.Retryable, failure.KindOf(err))
	assert.Equal(t, 5, d.navigations)
	assert.Equal(t, 0, rot.calls)
	assert.NotZero(t, logs.Len())
}

func TestNavigateRotatesProxyAndRecovers(t *testing.T) {
	// Первый браузер не может открыть страницу, второй (после ротации) может
	d := &fakeDriver{navigate: func(launch int, _ string) error {
		if launch == 1 {
			return errors.New("proxy dead")
		}
		return nil
	}}
	rot := &fakeRotator{next: func(int) (domain.Access, error) { return proxied(9001), nil }}
	s := newTestSession(d, rot, proxied(9000))

	require.NoError(t, s.Navigate(context.Background(), "https://ts1.example/"))

	assert.Equal(t, 1, rot.calls)
	assert.Equal(t, 2, d.launches)
	assert.Equal(t, 9001, s.Access().ProxyPort)
	assert.Equal(t, "10.0.0.1:9001", d.configs[1].ProxyServer)
	assert.Equal(t, 6, d.navigations)
}

func TestNavigateRotationBudgetExhaustedIsFatal(t *testing.T) {
	d := &fakeDriver{navigate: func(int, string) error { return errors.New("proxy dead") }}
	rot := &fakeRotator{next: func(n int) (domain.Access, error) { return proxied(9000 + n), nil }}
	s := newTestSession(d, rot, proxied(9000))

	err := s.Navigate(context.Background(), "https://ts1.example/")

	assert.Equal(t, failure.Fatal, failure.KindOf(err))
	assert.Equal(t, 3, rot.calls)
	assert.Equal(t, 20, d.navigations)
}

func TestNavigateRotatorFailurePropagates(t *testing.T) {
	d := &fakeDriver{navigate: func(int, string) error { return errors.New("proxy dead") }}
	rot := &fakeRotator{next: func(int) (domain.Access, error) {
		return domain.Access{}, failure.Fatalf("no user-agent available")
	}}
	s := newTestSession(d, rot, proxied(9000))

	err := s.Navigate(context.Background(), "https://ts1.example/")
	assert.Equal(t, failure.Fatal, failure.KindOf(err))
}

func TestNavigateCancelled(t *testing.T) {
	d := &fakeDriver{navigate: func(int, string) error { return errors.New("slow") }}
	s := newTestSession(d, nil, domain.Access{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Navigate(ctx, "https://ts1.example/")
	assert.Equal(t, failure.Cancelled, failure.KindOf(err))
}

func TestClickRefreshesSnapshot(t *testing.T) {
	d := &fakeDriver{clickURL: "https://ts1.example/dorf2.php"}
	s := newTestSession(d, nil, domain.Access{})
	require.NoError(t, s.Navigate(context.Background(), "https://ts1.example/dorf1.php"))

	require.NoError(t, s.Click(context.Background(), dom.ByID("build")))

	assert.Equal(t, []string{"#build"}, d.clicks)
	assert.Equal(t, "https://ts1.example/dorf2.php", s.URL())
}

func TestClickErrorIsRetryable(t *testing.T) {
	d := &fakeDriver{clickErr: errors.New("element detached")}
	s := newTestSession(d, nil, domain.Access{})

	err := s.Click(context.Background(), dom.ByID("build"))
	assert.Equal(t, failure.Retryable, failure.KindOf(err))
}

func TestWaitForChange(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(d, nil, domain.Access{})
	require.NoError(t, s.Navigate(context.Background(), "https://ts1.example/dorf1.php"))

	require.NoError(t, s.WaitForChange(context.Background(), "dorf"))

	err := s.WaitForChange(context.Background(), "build.php")
	assert.Equal(t, failure.Retryable, failure.KindOf(err))
}

func TestWaitForChangeCancelled(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(d, nil, domain.Access{})
	require.NoError(t, s.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := s.WaitForChange(ctx, "never")
	assert.Equal(t, failure.Cancelled, failure.KindOf(err))
}

func TestCloseIsBestEffort(t *testing.T) {
	d := &fakeDriver{closeErr: errors.New("already gone")}
	logs := NewLogBuffer(10)
	s := New("acc-1", domain.Access{}, domain.Settings{}, fastConfig(), Deps{Driver: d, Logs: logs})
	require.NoError(t, s.Open(context.Background()))

	s.Close()
	s.Close()

	assert.False(t, s.IsOpen())
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.Lines()[0], "already gone")
}

func TestUserDataDirPerProxy(t *testing.T) {
	d := &fakeDriver{}
	cfg := fastConfig()
	cfg.UserDataRoot = "/var/cache/tbs/"
	s := New("acc-1", proxied(9000), domain.Settings{}, cfg, Deps{Driver: d})
	require.NoError(t, s.Open(context.Background()))

	assert.Equal(t, "/var/cache/tbs/acc-1/10_0_0_1_9000", d.configs[0].UserDataDir)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, failure.Cancelled, failure.KindOf(Sleep(ctx, time.Hour)))
}
