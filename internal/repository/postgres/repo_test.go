package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/notify"
)

func TestBuildEventInsert(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []notify.Event{
		{Type: notify.AccountStatusChanged, AccountID: "acc-1", Status: "online", Timestamp: ts},
		{Type: notify.TaskFinished, AccountID: "acc-2", TaskID: "t-1", TaskName: "Claim quest", TaskKind: "claim_quest", Outcome: "ok", DurationMs: 1200, Timestamp: ts},
	}

	query, vals := buildEventInsert(events)

	assert.True(t, strings.HasPrefix(query, "INSERT INTO account_events"))
	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7, $8, $9), ($10, $11, $12, $13, $14, $15, $16, $17, $18)")
	assert.False(t, strings.HasSuffix(query, ","))
	require.Len(t, vals, 2*eventFields)
	assert.Equal(t, "account_status_changed", vals[0])
	assert.Equal(t, "acc-2", vals[eventFields+1])
	assert.Equal(t, int64(1200), vals[eventFields+7])
	assert.Equal(t, ts, vals[eventFields+8])
}

func TestAccountJSONColumns(t *testing.T) {
	acc := &domain.Account{
		ID: "acc-1",
		Accesses: []domain.Access{
			{Proxy: "10.0.0.1", ProxyPort: 9000, UserAgent: "Mozilla/5.0", UserAgentHash: "abc"},
		},
		Settings: domain.Settings{Headless: true, ClickDelayMin: 300, ClickDelayMax: 900},
	}

	accesses, settings, err := encodeAccount(acc)
	require.NoError(t, err)

	var got domain.Account
	require.NoError(t, decodeAccount(&got, accesses, settings))
	assert.Equal(t, acc.Accesses[0].ProxyServer(), got.Accesses[0].ProxyServer())
	assert.Equal(t, "abc", got.Accesses[0].UserAgentHash)
	assert.Equal(t, acc.Settings, got.Settings)

	// Пустой список доступов хранится как [], не null
	accesses, _, err = encodeAccount(&domain.Account{ID: "acc-2"})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(accesses))

	assert.Error(t, decodeAccount(&got, []byte(`{`), nil))
}
