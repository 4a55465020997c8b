package browser

import (
	"context"
	"time"
)

// LaunchConfig — параметры запуска браузера под конкретный доступ аккаунта.
type LaunchConfig struct {
	AccountID     string
	ProxyServer   string // host:port, пусто — без прокси
	ProxyUsername string
	ProxyPassword string
	UserAgent     string
	Headless      bool
	DisableImages bool
	UserDataDir   string
	PageTimeout   time.Duration
}

// Driver запускает браузеры.
type Driver interface {
	Launch(ctx context.Context, cfg LaunchConfig) (Handle, error)
}

// Handle — один живой браузер/вкладка аккаунта.
// Handle не потокобезопасен: им владеет воркер одного аккаунта.
type Handle interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	// CurrentDocument возвращает HTML текущей страницы
	CurrentDocument(ctx context.Context) (string, error)
	URL() string
	Close() error
}
