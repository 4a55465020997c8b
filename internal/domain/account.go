package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AccountID — непрозрачный идентификатор аккаунта (сравнение по значению).
type AccountID string

// TaskID — идентификатор конкретного экземпляра задачи в очереди.
type TaskID string

// NewTaskID выдает новый уникальный TaskID
func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

// Access — связка прокси + user-agent, под которой аккаунт ходит в игру.
type Access struct {
	Proxy         string `json:"proxy"` // host, пустая строка = без прокси
	ProxyPort     int    `json:"proxy_port"`
	ProxyUsername string `json:"proxy_username"`
	ProxyPassword string `json:"proxy_password"`

	UserAgent     string    `json:"user_agent"`
	UserAgentHash string    `json:"user_agent_hash"` // SHA-256 от UserAgent, для дедупликации
	LastUsed      time.Time `json:"last_used"`
}

// HasProxy показывает, используется ли прокси в этом доступе
func (a Access) HasProxy() bool {
	return a.Proxy != ""
}

// ProxyServer возвращает адрес прокси в формате host:port
func (a Access) ProxyServer() string {
	if !a.HasProxy() {
		return ""
	}
	if a.ProxyPort == 0 {
		return a.Proxy
	}
	return a.Proxy + ":" + strconv.Itoa(a.ProxyPort)
}

// Settings — настройки поведения браузера для аккаунта.
type Settings struct {
	Headless      bool `json:"headless"`
	DisableImages bool `json:"disable_images"`
	// Диапазон случайной паузы между кликами (мс)
	ClickDelayMin int `json:"click_delay_min"`
	ClickDelayMax int `json:"click_delay_max"`
	// Диапазон паузы между задачами (мс)
	TaskDelayMin int `json:"task_delay_min"`
	TaskDelayMax int `json:"task_delay_max"`
}

// Account — сохраняемая конфигурация аккаунта.
type Account struct {
	ID        AccountID `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	ServerURL string    `json:"server_url"`

	Accesses      []Access `json:"accesses"`
	CurrentAccess int      `json:"current_access"` // индекс в Accesses

	Settings Settings `json:"settings"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Current возвращает текущий доступ аккаунта
func (a *Account) Current() (Access, bool) {
	if a.CurrentAccess < 0 || a.CurrentAccess >= len(a.Accesses) {
		return Access{}, false
	}
	return a.Accesses[a.CurrentAccess], true
}

// Hashes собирает хэши всех user-agent'ов, закрепленных за аккаунтом
func (a *Account) Hashes() []string {
	hashes := make([]string, 0, len(a.Accesses))
	for _, acc := range a.Accesses {
		if acc.UserAgentHash != "" {
			hashes = append(hashes, acc.UserAgentHash)
		}
	}
	return hashes
}

// Clone делает глубокую копию, чтобы не делить срез Accesses между горутинами
func (a *Account) Clone() *Account {
	c := *a
	c.Accesses = append([]Access(nil), a.Accesses...)
	return &c
}

// Validate проверяет обязательные поля
func (a *Account) Validate() error {
	switch {
	case a.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidAccount)
	case a.Username == "":
		return fmt.Errorf("%w: username is required", ErrInvalidAccount)
	case a.ServerURL == "":
		return fmt.Errorf("%w: server_url is required", ErrInvalidAccount)
	}
	for i, acc := range a.Accesses {
		if acc.ProxyPort < 0 || acc.ProxyPort > 65535 {
			return fmt.Errorf("%w: access %d has invalid proxy port %d", ErrInvalidAccount, i, acc.ProxyPort)
		}
	}
	return nil
}
