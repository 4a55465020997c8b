package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/failure"
	"github.com/xela07ax/tbs-engine/internal/notify"
)

// RotateAccess переводит аккаунт на следующий прокси из его списка и
// закрепляет за ним новый user-agent. Реализует session.Rotator.
func (m *Manager) RotateAccess(ctx context.Context, id domain.AccountID) (domain.Access, error) {
	m.identity.Lock()
	defer m.identity.Unlock()

	st, err := m.state(id)
	if err != nil {
		return domain.Access{}, failure.FatalErr(err, "rotate access")
	}

	ua, hash, err := m.pool.Allocate(ctx, m.collectHashes())
	if err != nil {
		return domain.Access{}, failure.Trace(err)
	}

	st.mu.Lock()
	acc := st.account.Clone()
	st.mu.Unlock()

	if len(acc.Accesses) == 0 {
		acc.Accesses = []domain.Access{{}}
	}
	next := (acc.CurrentAccess + 1) % len(acc.Accesses)
	if next < 0 {
		next = 0
	}
	access := m.assign(acc, next, ua, hash)

	m.persist(ctx, st, acc)
	m.accountLog(st, "Access rotated to proxy "+proxyName(access),
		zap.String("ua_hash", hash))
	return access, nil
}

// ensureAccess закрепляет user-agent за текущим доступом, если его нет
func (m *Manager) ensureAccess(ctx context.Context, st *accountState) error {
	m.identity.Lock()
	defer m.identity.Unlock()

	st.mu.Lock()
	acc := st.account.Clone()
	st.mu.Unlock()

	if len(acc.Accesses) == 0 {
		acc.Accesses = []domain.Access{{}}
	}
	if _, ok := acc.Current(); !ok {
		acc.CurrentAccess = 0
	}
	if cur, _ := acc.Current(); cur.UserAgent != "" {
		return nil
	}

	ua, hash, err := m.pool.Allocate(ctx, m.collectHashes())
	if err != nil {
		return failure.Trace(err)
	}
	m.assign(acc, acc.CurrentAccess, ua, hash)
	m.persist(ctx, st, acc)
	m.accountLog(st, "User-agent assigned", zap.String("ua_hash", hash))
	return nil
}

func (m *Manager) assign(acc *domain.Account, idx int, ua, hash string) domain.Access {
	now := time.Now().UTC()
	a := acc.Accesses[idx]
	a.UserAgent = ua
	a.UserAgentHash = hash
	a.LastUsed = now
	acc.Accesses[idx] = a
	acc.CurrentAccess = idx
	acc.UpdatedAt = now
	return a
}

// persist обновляет аккаунт в памяти и в хранилище. Память обновляется
// всегда: user-agent уже изъят из каталога и должен попасть в исключения.
func (m *Manager) persist(ctx context.Context, st *accountState, acc *domain.Account) {
	st.mu.Lock()
	st.account = acc
	st.mu.Unlock()

	if err := m.repo.SaveAccount(ctx, acc); err != nil {
		m.logger.Error("failed to persist account", zap.String("account_id", string(acc.ID)), zap.Error(err))
	}
	m.publish(notify.Event{Type: notify.AccountUpdated, AccountID: acc.ID})
}

// collectHashes — хэши всех доступов всех аккаунтов. Вызывается под identity.
func (m *Manager) collectHashes() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]struct{})
	for _, st := range m.accounts {
		st.mu.Lock()
		for _, h := range st.account.Hashes() {
			out[h] = struct{}{}
		}
		st.mu.Unlock()
	}
	return out
}

func proxyName(a domain.Access) string {
	if !a.HasProxy() {
		return "none"
	}
	return a.ProxyServer()
}
