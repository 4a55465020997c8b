package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/failure"
)

func TestStartAssignsDistinctUserAgents(t *testing.T) {
	h := newHarness(t, testAccount("a1"), testAccount("a2"), testAccount("a3"))

	seen := map[string]bool{}
	for _, id := range []domain.AccountID{"a1", "a2", "a3"} {
		require.NoError(t, h.m.Start(context.Background(), id))
		acc, err := h.m.Account(id)
		require.NoError(t, err)
		cur, ok := acc.Current()
		require.True(t, ok)
		require.NotEmpty(t, cur.UserAgentHash)
		assert.False(t, seen[cur.UserAgentHash], "user-agent reused")
		seen[cur.UserAgentHash] = true

		stored, err := h.repo.LoadAccount(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, cur.UserAgentHash, stored.Accesses[0].UserAgentHash)
	}
}

func TestRotateAccessMovesToNextProxy(t *testing.T) {
	acc := testAccount("a1")
	acc.Accesses = []domain.Access{
		{Proxy: "10.0.0.1", ProxyPort: 8080, UserAgent: "ua-1", UserAgentHash: "h1"},
		{Proxy: "10.0.0.2", ProxyPort: 8080},
	}
	other := testAccount("a2")
	other.Accesses = []domain.Access{{UserAgent: "ua-2", UserAgentHash: "h2"}}
	h := newHarness(t, acc, other)

	next, err := h.m.RotateAccess(context.Background(), "a1")
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.2", next.Proxy)
	assert.NotEmpty(t, next.UserAgent)
	assert.NotEqual(t, "h1", next.UserAgentHash)
	assert.NotEqual(t, "h2", next.UserAgentHash)

	got, _ := h.m.Account("a1")
	assert.Equal(t, 1, got.CurrentAccess)

	// круг: снова первый прокси, но уже с новым user-agent
	again, err := h.m.RotateAccess(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", again.Proxy)
	assert.NotEqual(t, "ua-1", again.UserAgent)
}

func TestRotateAccessWhenCatalogExhaustedIsFatal(t *testing.T) {
	h := newHarness(t, testAccount("a1"))
	h.alloc.uas = nil

	_, err := h.m.RotateAccess(context.Background(), "a1")
	assert.Equal(t, failure.Fatal, failure.KindOf(err))

	err = h.m.Start(context.Background(), "a1")
	assert.Equal(t, failure.Fatal, failure.KindOf(err))
	assert.Equal(t, domain.StatusOffline, mustStatus(t, h.m, "a1"))
}

func TestSessionUsesAssignedAccess(t *testing.T) {
	acc := testAccount("a1")
	acc.Accesses = []domain.Access{{Proxy: "10.0.0.9", ProxyPort: 3128, UserAgent: "fixed-ua", UserAgentHash: "fixed"}}
	acc.Settings.Headless = true
	h := newHarness(t, acc)

	require.NoError(t, h.m.Start(context.Background(), "a1"))
	waitStatus(t, h.m, "a1", domain.StatusOnline)

	h.driver.mu.Lock()
	cfg := h.driver.configs[0]
	h.driver.mu.Unlock()
	assert.Equal(t, "10.0.0.9:3128", cfg.ProxyServer)
	assert.Equal(t, "fixed-ua", cfg.UserAgent)
	assert.True(t, cfg.Headless)
	assert.Equal(t, 100, len(h.alloc.uas), "existing user-agent must be reused")
}
