package catalog

/*
Pool — общий на процесс пул user-agent'ов (Resource Pool).

Все мутации (Allocate, Refresh) идут под одним мьютексом: корректность выдачи
зависит от согласованного чтения множества исключений. Выданная строка удаляется
из каталога навсегда, а каталог сохраняется после каждой выдачи и каждого обновления.
Обновление ленивое: при загрузке и перед выдачей, если каталога нет, он просрочен
или в нем меньше MinSize записей. Отдельного таймера нет. Из Allocate источник
опрашивается не чаще раза в RefreshCooldown, пустой ответ источника каталог не заменяет.
*/

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/xela07ax/tbs-engine/internal/failure"
)

// MinSize — если в каталоге осталось меньше записей, он обновляется
const MinSize = 1000

// refreshMonths — срок жизни скачанного каталога
const refreshMonths = 1

// RefreshCooldown — минимальный интервал между попытками обновления из Allocate
const RefreshCooldown = 15 * time.Minute

var errEmptyList = errors.New("source returned no user agents")

type Pool struct {
	mu     sync.Mutex
	store  Store
	source Source
	logger *zap.Logger

	snapshot    *Snapshot
	minSize     int
	cooldown    time.Duration
	lastAttempt time.Time
	now         func() time.Time
	rnd         *rand.Rand

	size prometheus.Gauge
}

type Option func(*Pool)

// WithMinSize меняет порог обновления (в тестах)
func WithMinSize(n int) Option {
	return func(p *Pool) { p.minSize = n }
}

// WithClock подменяет часы (в тестах)
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithRand фиксирует генератор случайных чисел
func WithRand(r *rand.Rand) Option {
	return func(p *Pool) { p.rnd = r }
}

// WithRegistry регистрирует метрику размера каталога
func WithRegistry(reg prometheus.Registerer) Option {
	return func(p *Pool) {
		p.size = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "tbs_catalog_size",
			Help: "Number of user agents left in the catalog.",
		})
	}
}

func NewPool(store Store, source Source, logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		store:    store,
		source:   source,
		logger:   logger.Named("catalog"),
		minSize:  MinSize,
		cooldown: RefreshCooldown,
		now:      time.Now,
		rnd:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x7b5)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.size == nil {
		// Null Object: метрика есть, но никуда не экспортируется
		p.size = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tbs_catalog_size"})
	}
	return p
}

// Load поднимает каталог из хранилища и при необходимости обновляет его.
func (p *Pool) Load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, err := p.store.LoadCatalog(ctx)
	if err != nil {
		p.logger.Warn("stored catalog is unreadable, downloading a fresh one", zap.Error(err))
		snap = nil
	}
	p.snapshot = snap

	if p.staleLocked() {
		return p.refreshLocked(ctx)
	}
	p.size.Set(float64(len(p.snapshot.UserAgents)))
	p.logger.Info("user-agent catalog loaded",
		zap.Int("count", len(p.snapshot.UserAgents)),
		zap.Time("expiry", p.snapshot.Expiry))
	return nil
}

// Refresh принудительно скачивает свежий список и перезаписывает каталог.
func (p *Pool) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked(ctx)
}

// Allocate выдает случайный user-agent, чей хэш не входит в exclude.
// Выданная запись удаляется из каталога. Пустой набор кандидатов — Fatal.
func (p *Pool) Allocate(ctx context.Context, exclude map[string]struct{}) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.staleLocked() && p.refreshDueLocked() {
		if err := p.refreshLocked(ctx); err != nil {
			// Работаем на том, что есть: лучше старый каталог, чем простой аккаунта
			p.logger.Warn("catalog refresh failed, allocating from the current list", zap.Error(err))
		}
	}
	if p.snapshot == nil {
		return "", "", failure.Fatalf("user-agent catalog is not loaded")
	}

	list := p.snapshot.UserAgents
	candidates := make([]int, 0, len(list))
	hashes := make([]string, len(list))
	for i, ua := range list {
		h := Hash(ua)
		hashes[i] = h
		if _, taken := exclude[h]; taken {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return "", "", failure.Fatalf("user-agent catalog exhausted (%d entries, all in use)", len(list))
	}

	idx := candidates[p.rnd.IntN(len(candidates))]
	ua, hash := list[idx], hashes[idx]

	p.snapshot.UserAgents = append(list[:idx:idx], list[idx+1:]...)
	p.size.Set(float64(len(p.snapshot.UserAgents)))

	if err := p.store.SaveCatalog(ctx, p.snapshot); err != nil {
		// Запись уже вынута из памяти, поэтому повторно она не выдастся.
		// При рестарте процесса дубль отсечет exclude-проверка по хэшу.
		p.logger.Error("failed to persist catalog after allocation", zap.Error(err))
	}
	return ua, hash, nil
}

// Len — сколько записей осталось
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshot == nil {
		return 0
	}
	return len(p.snapshot.UserAgents)
}

// Expiry — когда каталог будет считаться просроченным
func (p *Pool) Expiry() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshot == nil {
		return time.Time{}
	}
	return p.snapshot.Expiry
}

func (p *Pool) staleLocked() bool {
	if p.snapshot == nil {
		return true
	}
	return p.snapshot.Expired(p.now()) || len(p.snapshot.UserAgents) < p.minSize
}

// refreshDueLocked: без каталога пробуем всегда, иначе не чаще cooldown
func (p *Pool) refreshDueLocked() bool {
	if p.snapshot == nil || p.lastAttempt.IsZero() {
		return true
	}
	return p.now().Sub(p.lastAttempt) >= p.cooldown
}

func (p *Pool) refreshLocked(ctx context.Context) error {
	p.lastAttempt = p.now()

	list, err := p.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("catalog refresh: %w", err)
	}
	list = Normalize(list)
	if len(list) == 0 {
		return fmt.Errorf("catalog refresh: %w", errEmptyList)
	}

	p.snapshot = &Snapshot{
		Version:    SnapshotVersion,
		Expiry:     p.now().UTC().AddDate(0, refreshMonths, 0),
		UserAgents: list,
	}
	p.size.Set(float64(len(p.snapshot.UserAgents)))

	if err := p.store.SaveCatalog(ctx, p.snapshot); err != nil {
		return fmt.Errorf("catalog refresh: persist: %w", err)
	}
	p.logger.Info("user-agent catalog refreshed",
		zap.Int("count", len(p.snapshot.UserAgents)),
		zap.Time("expiry", p.snapshot.Expiry))
	return nil
}
