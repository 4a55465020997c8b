package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/tbs-engine/internal/domain"
)

func TestAccountRepoCopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	acc := &domain.Account{ID: "a1", Username: "bob", ServerURL: "https://ts1.example", Accesses: []domain.Access{{Proxy: "10.0.0.1"}}}
	r := NewAccountRepo()

	require.NoError(t, r.SaveAccount(ctx, acc))
	acc.Accesses[0].Proxy = "mutated"

	got, err := r.LoadAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.Accesses[0].Proxy)

	got.Accesses[0].Proxy = "mutated again"
	again, _ := r.LoadAccount(ctx, "a1")
	assert.Equal(t, "10.0.0.1", again.Accesses[0].Proxy)
}

func TestAccountRepoListAndDelete(t *testing.T) {
	ctx := context.Background()
	r := NewAccountRepo(
		&domain.Account{ID: "b", Username: "b"},
		&domain.Account{ID: "a", Username: "a"},
	)

	list, err := r.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.AccountID("a"), list[0].ID)

	require.NoError(t, r.DeleteAccount(ctx, "a"))
	assert.True(t, errors.Is(r.DeleteAccount(ctx, "a"), domain.ErrAccountNotFound))

	_, err = r.LoadAccount(ctx, "a")
	assert.True(t, errors.Is(err, domain.ErrAccountNotFound))
}
