package browser

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

const defaultPageTimeout = 60 * time.Second

// PlaywrightDriver — реализация Driver поверх playwright-go (Chromium).
type PlaywrightDriver struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	cacheDir    string
	install     bool
	initialized bool
	logger      *zap.Logger
}

func NewPlaywrightDriver(cacheDir string, install bool, logger *zap.Logger) *PlaywrightDriver {
	return &PlaywrightDriver{
		cacheDir: cacheDir,
		install:  install,
		logger:   logger.Named("playwright"),
	}
}

// Initialize поднимает playwright. Вызывается один раз при старте процесса.
func (d *PlaywrightDriver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if d.install {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}
	d.pw = pw
	d.initialized = true
	d.logger.Info("playwright started")
	return nil
}

// Shutdown останавливает playwright; живые Handle к этому моменту должны быть закрыты.
func (d *PlaywrightDriver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil
	}
	d.initialized = false
	if err := d.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

func (d *PlaywrightDriver) Launch(ctx context.Context, cfg LaunchConfig) (Handle, error) {
	d.mu.Lock()
	pw, ok := d.pw, d.initialized
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("playwright driver not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	userDataDir := cfg.UserDataDir
	if userDataDir == "" {
		userDataDir = filepath.Join(d.cacheDir, cfg.AccountID)
	}
	if err := os.MkdirAll(userDataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create user data directory: %w", err)
	}

	// Постоянный контекст: кэш и куки аккаунта переживают перезапуск браузера
	opts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(cfg.Headless),
	}
	if cfg.UserAgent != "" {
		opts.UserAgent = playwright.String(cfg.UserAgent)
	}
	if cfg.ProxyServer != "" {
		proxy := &playwright.Proxy{Server: cfg.ProxyServer}
		if cfg.ProxyUsername != "" {
			proxy.Username = playwright.String(cfg.ProxyUsername)
			proxy.Password = playwright.String(cfg.ProxyPassword)
		}
		opts.Proxy = proxy
		opts.IgnoreHttpsErrors = playwright.Bool(true)
	}
	if cfg.DisableImages {
		// Не грузим картинки, экономим память
		opts.Args = append(opts.Args, "--blink-settings=imagesEnabled=false")
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(userDataDir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = bctx.NewPage()
		if err != nil {
			_ = bctx.Close()
			return nil, fmt.Errorf("failed to create page: %w", err)
		}
	}

	timeout := cfg.PageTimeout
	if timeout <= 0 {
		timeout = defaultPageTimeout
	}
	page.SetDefaultTimeout(float64(timeout.Milliseconds()))
	page.SetDefaultNavigationTimeout(float64(timeout.Milliseconds()))

	return &playwrightHandle{ctx: bctx, page: page, timeout: timeout}, nil
}

type playwrightHandle struct {
	ctx     playwright.BrowserContext
	page    playwright.Page
	timeout time.Duration
}

// ms ограничивает таймаут операции дедлайном контекста
func (h *playwrightHandle) ms(ctx context.Context) *float64 {
	t := h.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < t {
			t = left
		}
	}
	if t < time.Millisecond {
		t = time.Millisecond
	}
	return playwright.Float(float64(t.Milliseconds()))
}

func (h *playwrightHandle) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := h.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   h.ms(ctx),
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	if err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (h *playwrightHandle) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: h.ms(ctx),
	}); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (h *playwrightHandle) CurrentDocument(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	content, err := h.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return content, nil
}

func (h *playwrightHandle) URL() string {
	return h.page.URL()
}

func (h *playwrightHandle) Close() error {
	// Страница закрывается вместе с контекстом
	if err := h.ctx.Close(); err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}
