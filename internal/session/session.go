package session

/*
Session владеет единственным живым браузером аккаунта и дает примитивы
Navigate / Click / WaitForChange. Каждый примитив ограничен по времени и
сам повторяет транспортные сбои, наружу выходит только уже классифицированный
failure. Сессией владеет воркер аккаунта, параллельных писателей нет.
*/

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/tbs-engine/internal/browser"
	"github.com/xela07ax/tbs-engine/internal/dom"
	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/failure"
)

// Rotator выдает аккаунту новый доступ (прокси + user-agent) взамен мертвого.
type Rotator interface {
	RotateAccess(ctx context.Context, id domain.AccountID) (domain.Access, error)
}

// Observer — хуки для метрик (может быть nil).
type Observer interface {
	NavigationFailed(id domain.AccountID)
	AccessRotated(id domain.AccountID)
}

// Config — настройки сессии (секция session в конфиге).
type Config struct {
	NavigateAttempts int           `mapstructure:"navigate_attempts"` // попыток в одном раунде
	RotationBudget   int           `mapstructure:"rotation_budget"`   // сколько раз можно сменить прокси за один Navigate
	RetryDelayMin    time.Duration `mapstructure:"retry_delay_min"`
	RetryDelayMax    time.Duration `mapstructure:"retry_delay_max"`
	PageTimeout      time.Duration `mapstructure:"page_timeout"`
	WaitTimeout      time.Duration `mapstructure:"wait_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	UserDataRoot     string        `mapstructure:"user_data_root"`
}

// DefaultConfig — значения по умолчанию
func DefaultConfig() Config {
	return Config{
		NavigateAttempts: 5,
		RotationBudget:   3,
		RetryDelayMin:    500 * time.Millisecond,
		RetryDelayMax:    1500 * time.Millisecond,
		PageTimeout:      60 * time.Second,
		WaitTimeout:      30 * time.Second,
		PollInterval:     500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NavigateAttempts <= 0 {
		c.NavigateAttempts = d.NavigateAttempts
	}
	if c.RotationBudget < 0 {
		c.RotationBudget = 0
	}
	if c.RetryDelayMax < c.RetryDelayMin {
		c.RetryDelayMax = c.RetryDelayMin
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = d.PageTimeout
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Deps — внешние зависимости сессии
type Deps struct {
	Driver   browser.Driver
	Rotator  Rotator
	Limiter  *rate.Limiter // общий на все аккаунты, может быть nil
	Observer Observer
	Logs     *LogBuffer
	Logger   *zap.Logger
}

type Session struct {
	id       domain.AccountID
	cfg      Config
	settings domain.Settings

	driver   browser.Driver
	rotator  Rotator
	limiter  *rate.Limiter
	observer Observer
	logs     *LogBuffer
	logger   *zap.Logger

	mu     sync.RWMutex
	access domain.Access
	handle browser.Handle
	doc    *dom.Document
	url    string
}

func New(id domain.AccountID, access domain.Access, settings domain.Settings, cfg Config, deps Deps) *Session {
	logs := deps.Logs
	if logs == nil {
		logs = NewLogBuffer(DefaultLogCapacity)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:       id,
		cfg:      cfg.withDefaults(),
		settings: settings,
		driver:   deps.Driver,
		rotator:  deps.Rotator,
		limiter:  deps.Limiter,
		observer: deps.Observer,
		logs:     logs,
		logger:   logger.With(zap.String("mod", "session"), zap.String("account_id", string(id))),
		access:   access,
	}
}

// Open запускает браузер под текущим доступом
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Session) openLocked(ctx context.Context) error {
	if s.handle != nil {
		return nil
	}
	h, err := s.driver.Launch(ctx, browser.LaunchConfig{
		AccountID:     string(s.id),
		ProxyServer:   s.access.ProxyServer(),
		ProxyUsername: s.access.ProxyUsername,
		ProxyPassword: s.access.ProxyPassword,
		UserAgent:     s.access.UserAgent,
		Headless:      s.settings.Headless,
		DisableImages: s.settings.DisableImages,
		UserDataDir:   s.userDataDir(),
		PageTimeout:   s.cfg.PageTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return failure.Cancel()
		}
		s.logErrorLocked("Error opening browser", err)
		return failure.RetryErr(err, "launch browser")
	}
	s.handle = h
	return nil
}

// userDataDir — отдельный каталог кэша на каждую связку аккаунт + прокси
func (s *Session) userDataDir() string {
	if s.cfg.UserDataRoot == "" {
		return ""
	}
	proxy := "default"
	if s.access.HasProxy() {
		proxy = strings.NewReplacer(".", "_", ":", "_").Replace(s.access.ProxyServer())
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.UserDataRoot, "/"), s.id, proxy)
}

// Navigate открывает url. Внутри — раунды по NavigateAttempts попыток с джиттером.
// Если раунд провален и аккаунт ходит через прокси, доступ ротируется
// (не более RotationBudget раз), браузер пересоздается и начинается новый раунд.
// Без прокси — Retryable, бюджет ротаций исчерпан — Fatal.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}

	rotations := 0
	for {
		err := s.navigateRound(ctx, url)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return failure.Cancel()
		}

		access := s.Access()
		if !access.HasProxy() {
			return failure.RetryErr(err, "navigate to %s", url)
		}
		if rotations >= s.cfg.RotationBudget {
			return failure.FatalErr(err, "navigate to %s: proxy rotation budget (%d) exhausted", url, s.cfg.RotationBudget)
		}
		rotations++

		if err := s.rotate(ctx); err != nil {
			return failure.Tracef(err, "rotate access after failed navigation to %s", url)
		}
		// После смены прокси даем сети чуть больше времени
		if err := Sleep(ctx, 5*s.jitter()); err != nil {
			return err
		}
	}

	if err := s.Refresh(ctx); err != nil {
		return failure.Trace(err)
	}
	return nil
}

func (s *Session) navigateRound(ctx context.Context, url string) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(s.cfg.NavigateAttempts)),
		retry.LastErrorOnly(true),
		// Случайная пауза, чтобы аккаунты на общей инфраструктуре не ходили синхронно
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return s.jitter()
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}),
		retry.OnRetry(func(n uint, err error) {
			if s.observer != nil {
				s.observer.NavigationFailed(s.id)
			}
			s.LogError(fmt.Sprintf("Error sending http request to %s (attempt %d)", url, n+1), err)
		}),
	)

	return r.Do(func() error {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.openLocked(ctx); err != nil {
			return err
		}
		tctx, cancel := context.WithTimeout(ctx, s.cfg.PageTimeout)
		defer cancel()
		return s.handle.Navigate(tctx, url)
	})
}

func (s *Session) rotate(ctx context.Context) error {
	if s.rotator == nil {
		return failure.Fatalf("access rotation is not configured")
	}
	next, err := s.rotator.RotateAccess(ctx, s.id)
	if err != nil {
		return failure.Trace(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	s.access = next
	s.doc = nil
	s.url = ""
	s.logLocked(fmt.Sprintf("Access changed to proxy %s", displayProxy(next)))
	if s.observer != nil {
		s.observer.AccessRotated(s.id)
	}
	return s.openLocked(ctx)
}

// Click — одно нажатие. Ожидание кликабельности делает драйвер в пределах PageTimeout.
func (s *Session) Click(ctx context.Context, loc dom.Locator) error {
	if ctx.Err() != nil {
		return failure.Cancel()
	}
	s.mu.Lock()
	if err := s.openLocked(ctx); err != nil {
		s.mu.Unlock()
		return failure.Trace(err)
	}
	tctx, cancel := context.WithTimeout(ctx, s.cfg.PageTimeout)
	err := s.handle.Click(tctx, loc.Selector())
	cancel()
	s.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return failure.Cancel()
		}
		s.LogError(fmt.Sprintf("Error clicking %s", loc), err)
		return failure.RetryErr(err, "click %s", loc)
	}
	return failure.Trace(s.Refresh(ctx))
}

// WaitForChange ждет, пока адрес страницы не будет содержать marker.
func (s *Session) WaitForChange(ctx context.Context, marker string) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(s.cfg.WaitTimeout)
	defer timeout.Stop()

	for {
		if strings.Contains(s.currentHandleURL(), marker) {
			return failure.Trace(s.Refresh(ctx))
		}
		select {
		case <-ctx.Done():
			return failure.Cancel()
		case <-timeout.C:
			return failure.Retry("page did not change to %q within %s", marker, s.cfg.WaitTimeout)
		case <-ticker.C:
		}
	}
}

// Refresh перечитывает снимок документа из браузера.
// После любого успешного действия старый снимок считается устаревшим.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return failure.Retry("browser is not open")
	}
	raw, err := s.handle.CurrentDocument(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return failure.Cancel()
		}
		return failure.RetryErr(err, "read page")
	}
	doc, err := dom.Parse(raw)
	if err != nil {
		return failure.RetryErr(err, "parse page")
	}
	s.doc = doc
	s.url = s.handle.URL()
	return nil
}

func (s *Session) currentHandleURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.URL()
}

// Document — последний загруженный снимок страницы (может быть nil)
func (s *Session) Document() *dom.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// URL — адрес последнего снимка
func (s *Session) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url
}

// Access — текущий доступ сессии
func (s *Session) Access() domain.Access {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// Close закрывает браузер. Ошибки только логируются.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	s.doc = nil
}

func (s *Session) closeLocked() {
	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil {
		s.logErrorLocked("Error closing browser", err)
	}
	s.handle = nil
}

// IsOpen — есть ли живой браузер
func (s *Session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle != nil
}

// Log пишет строку в буфер аккаунта и в zap
func (s *Session) Log(msg string) {
	s.logLocked(msg)
}

// LogError пишет ошибку вместе с трассировкой
func (s *Session) LogError(msg string, err error) {
	s.logErrorLocked(msg, err)
}

// logLocked не трогает s.mu, поэтому безопасен и под блокировкой
func (s *Session) logLocked(msg string) {
	s.logs.Write(msg)
	s.logger.Info(msg)
}

func (s *Session) logErrorLocked(msg string, err error) {
	detail := err.Error()
	var f *failure.Failure
	if errors.As(err, &f) {
		detail = f.Trace()
	}
	s.logs.Write(msg + "\n---------------------------\n" + detail + "\n---------------------------")
	s.logger.Warn(msg, zap.Error(err))
}

func (s *Session) jitter() time.Duration {
	lo, hi := s.cfg.RetryDelayMin, s.cfg.RetryDelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}

func displayProxy(a domain.Access) string {
	if !a.HasProxy() {
		return "none"
	}
	return a.ProxyServer()
}

// Sleep — прерываемая пауза. Отмена контекста превращается в failure Cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return failure.Cancel()
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return failure.Cancel()
	case <-t.C:
		return nil
	}
}
