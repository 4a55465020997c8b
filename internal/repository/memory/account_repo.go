package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/tbs-engine/internal/domain"
)

// AccountRepo — хранилище аккаунтов в памяти (тесты и запуск без БД)
type AccountRepo struct {
	mu       sync.RWMutex
	accounts map[domain.AccountID]*domain.Account
}

func NewAccountRepo(seed ...*domain.Account) *AccountRepo {
	r := &AccountRepo{accounts: make(map[domain.AccountID]*domain.Account)}
	for _, acc := range seed {
		r.accounts[acc.ID] = acc.Clone()
	}
	return r
}

func (r *AccountRepo) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, acc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *AccountRepo) LoadAccount(ctx context.Context, id domain.AccountID) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return acc.Clone(), nil
}

func (r *AccountRepo) SaveAccount(ctx context.Context, acc *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[acc.ID] = acc.Clone()
	return nil
}

func (r *AccountRepo) DeleteAccount(ctx context.Context, id domain.AccountID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	delete(r.accounts, id)
	return nil
}
