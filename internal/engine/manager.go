package engine

/*
Manager — планировщик задач всех аккаунтов.

На каждый аккаунт запускается свой воркер: очередь задач аккаунта выполняется
строго последовательно, аккаунты между собой независимы. Только Manager решает,
что делать с неуспехом задачи: повторить с задержкой, поставить в начало
очереди после паузы или остановить аккаунт.
*/

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xela07ax/tbs-engine/internal/browser"
	"github.com/xela07ax/tbs-engine/internal/command"
	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/failure"
	"github.com/xela07ax/tbs-engine/internal/notify"
	"github.com/xela07ax/tbs-engine/internal/session"
)

// AccountRepository — хранилище конфигурации аккаунтов
type AccountRepository interface {
	ListAccounts(ctx context.Context) ([]*domain.Account, error)
	LoadAccount(ctx context.Context, id domain.AccountID) (*domain.Account, error)
	SaveAccount(ctx context.Context, acc *domain.Account) error
	DeleteAccount(ctx context.Context, id domain.AccountID) error
}

// Allocator выдает уникальный user-agent (catalog.Pool)
type Allocator interface {
	Allocate(ctx context.Context, exclude map[string]struct{}) (string, string, error)
}

type Config struct {
	MaxRetries    int           `mapstructure:"max_retries"`   // сколько раз задача может упасть Retryable подряд
	BackoffBase   time.Duration `mapstructure:"backoff_base"`  // задержка перед первым повтором
	BackoffMax    time.Duration `mapstructure:"backoff_max"`   // потолок задержки
	MaxSessions   int64         `mapstructure:"max_sessions"`  // одновременно открытых браузеров, 0 — без ограничения
	NavigateRate  float64       `mapstructure:"navigate_rate"` // переходов в секунду на все аккаунты, 0 — без ограничения
	NavigateBurst int           `mapstructure:"navigate_burst"`
	LogCapacity   int           `mapstructure:"log_capacity"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		BackoffBase:   5 * time.Second,
		BackoffMax:    5 * time.Minute,
		NavigateRate:  5,
		NavigateBurst: 10,
		LogCapacity:   session.DefaultLogCapacity,
	}
}

type Deps struct {
	Repo    AccountRepository
	Pool    Allocator
	Driver  browser.Driver
	Events  notify.Publisher // может быть nil
	Metrics *Metrics         // может быть nil
	Logger  *zap.Logger
	Session session.Config
}

type Manager struct {
	cfg     Config
	sessCfg session.Config

	repo    AccountRepository
	pool    Allocator
	driver  browser.Driver
	events  notify.Publisher
	metrics *Metrics
	logger  *zap.Logger

	limiter *rate.Limiter
	sem     *semaphore.Weighted

	// identity — глобальная критическая секция выдачи user-agent'ов:
	// сбор исключений, Allocate и запись в аккаунт идут под ней целиком.
	identity sync.Mutex

	mu       sync.RWMutex
	accounts map[domain.AccountID]*accountState

	baseCtx  context.Context
	cancel   context.CancelFunc
	shutdown bool
}

func New(cfg Config, deps Deps) *Manager {
	d := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = d.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = d.LogCapacity
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	m := &Manager{
		cfg:      cfg,
		sessCfg:  deps.Session,
		repo:     deps.Repo,
		pool:     deps.Pool,
		driver:   deps.Driver,
		events:   deps.Events,
		metrics:  metrics,
		logger:   logger.With(zap.String("mod", "engine")),
		accounts: make(map[domain.AccountID]*accountState),
	}
	if cfg.NavigateRate > 0 {
		burst := cfg.NavigateBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.NavigateRate), burst)
	}
	if cfg.MaxSessions > 0 {
		m.sem = semaphore.NewWeighted(cfg.MaxSessions)
	}
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Register добавляет аккаунт в память менеджера (без записи в хранилище)
func (m *Manager) Register(acc *domain.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountExists, acc.ID)
	}
	m.accounts[acc.ID] = newAccountState(acc.Clone(), m.cfg.LogCapacity)
	m.metrics.AccountsByStatus.WithLabelValues(domain.StatusOffline.String()).Inc()
	return nil
}

// LoadAccounts поднимает все аккаунты из хранилища
func (m *Manager) LoadAccounts(ctx context.Context) error {
	accs, err := m.repo.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, acc := range accs {
		if err := m.Register(acc); err != nil {
			m.logger.Warn("skip account", zap.String("account_id", string(acc.ID)), zap.Error(err))
		}
	}
	m.logger.Info("accounts loaded", zap.Int("count", len(accs)))
	return nil
}

// AddAccount сохраняет новый аккаунт и регистрирует его
func (m *Manager) AddAccount(ctx context.Context, acc *domain.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	if _, err := m.state(acc.ID); err == nil {
		return fmt.Errorf("%w: %s", domain.ErrAccountExists, acc.ID)
	}
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	if err := m.repo.SaveAccount(ctx, acc); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	if err := m.Register(acc); err != nil {
		return err
	}
	m.publish(notify.Event{Type: notify.AccountUpdated, AccountID: acc.ID})
	return nil
}

// RemoveAccount останавливает аккаунт и удаляет его отовсюду
func (m *Manager) RemoveAccount(ctx context.Context, id domain.AccountID) error {
	st, err := m.state(id)
	if err != nil {
		return err
	}
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	if err := m.repo.DeleteAccount(ctx, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	m.mu.Lock()
	delete(m.accounts, id)
	m.mu.Unlock()

	m.metrics.AccountsByStatus.WithLabelValues(st.Status().String()).Dec()
	m.metrics.QueueDepth.DeleteLabelValues(string(id))
	m.publish(notify.Event{Type: notify.AccountRemoved, AccountID: id})
	return nil
}

// GetStatus — чтение без блокировок, для опроса из UI
func (m *Manager) GetStatus(id domain.AccountID) (domain.Status, error) {
	st, err := m.state(id)
	if err != nil {
		return domain.StatusOffline, err
	}
	return st.Status(), nil
}

// QueueItem — задача в снимке очереди
type QueueItem struct {
	ID       domain.TaskID `json:"id"`
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	ReadyAt  time.Time     `json:"ready_at"`
	Attempts int           `json:"attempts"`
}

// AccountSnapshot — согласованная копия состояния аккаунта
type AccountSnapshot struct {
	ID        domain.AccountID `json:"id"`
	Username  string           `json:"username"`
	ServerURL string           `json:"server_url"`
	Status    domain.Status    `json:"status"`
	Active    string           `json:"active,omitempty"`
	Queue     []QueueItem      `json:"queue"`
	Proxy     string           `json:"proxy,omitempty"`
	UserAgent string           `json:"user_agent,omitempty"`
}

func (m *Manager) Snapshot(id domain.AccountID) (AccountSnapshot, error) {
	st, err := m.state(id)
	if err != nil {
		return AccountSnapshot{}, err
	}
	return st.snapshot(), nil
}

// Accounts — снимки всех аккаунтов, по id
func (m *Manager) Accounts() []AccountSnapshot {
	m.mu.RLock()
	states := make([]*accountState, 0, len(m.accounts))
	for _, st := range m.accounts {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]AccountSnapshot, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Account — копия конфигурации аккаунта
func (m *Manager) Account(id domain.AccountID) (*domain.Account, error) {
	st, err := m.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.account.Clone(), nil
}

// Logs — буфер логов аккаунта, свежие строки первыми
func (m *Manager) Logs(id domain.AccountID) ([]string, error) {
	st, err := m.state(id)
	if err != nil {
		return nil, err
	}
	return st.logs.Lines(), nil
}

// SubscribeLogs — поток новых строк лога аккаунта
func (m *Manager) SubscribeLogs(id domain.AccountID, buffer int) (<-chan string, func(), error) {
	st, err := m.state(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := st.logs.Subscribe(buffer)
	return ch, cancel, nil
}

// Page отдает командам живую сессию аккаунта
func (m *Manager) Page(id domain.AccountID) (command.Page, error) {
	st, err := m.state(id)
	if err != nil {
		return nil, failure.FatalErr(err, "lookup account")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.session == nil {
		return nil, failure.Stop(fmt.Sprintf("account %s: %v", id, ErrNoSession))
	}
	return st.session, nil
}

// ServerURL и Settings — справочник для игровых задач
func (m *Manager) ServerURL(id domain.AccountID) (string, error) {
	acc, err := m.Account(id)
	if err != nil {
		return "", err
	}
	return acc.ServerURL, nil
}

func (m *Manager) Settings(id domain.AccountID) (domain.Settings, error) {
	acc, err := m.Account(id)
	if err != nil {
		return domain.Settings{}, err
	}
	return acc.Settings, nil
}

func (m *Manager) state(id domain.AccountID) (*accountState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return st, nil
}

func (m *Manager) publish(e notify.Event) {
	if m.events != nil {
		m.events.Publish(e)
	}
}

// setStatus меняет статус и рассылает уведомление, если он действительно изменился
func (m *Manager) setStatus(st *accountState, to domain.Status) {
	from := domain.Status(st.status.Swap(int32(to)))
	if from == to {
		return
	}
	m.metrics.statusChanged(from, to)
	m.logger.Info("account status changed",
		zap.String("account_id", string(st.id)),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	m.publish(notify.Event{Type: notify.AccountStatusChanged, AccountID: st.id, Status: to.String()})
}

// accountLog пишет строку в буфер аккаунта и в zap
func (m *Manager) accountLog(st *accountState, msg string, fields ...zap.Field) {
	st.logs.Write(msg)
	m.logger.Info(msg, append(fields, zap.String("account_id", string(st.id)))...)
}
