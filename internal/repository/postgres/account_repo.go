package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/tbs-engine/internal/domain"
)

// AccountRepo хранит конфигурацию аккаунтов; доступы и настройки лежат в JSONB
type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `id, username, password, server_url, accesses, current_access, settings, created_at, updated_at`

func (r *AccountRepo) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	return out, nil
}

func (r *AccountRepo) LoadAccount(ctx context.Context, id domain.AccountID) (*domain.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, string(id))
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return acc, err
}

// SaveAccount — upsert по id
func (r *AccountRepo) SaveAccount(ctx context.Context, acc *domain.Account) error {
	accesses, settings, err := encodeAccount(acc)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO accounts (id, username, password, server_url, accesses, current_access, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()), NOW())
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			server_url = EXCLUDED.server_url,
			accesses = EXCLUDED.accesses,
			current_access = EXCLUDED.current_access,
			settings = EXCLUDED.settings,
			updated_at = NOW()`

	var createdAt any
	if !acc.CreatedAt.IsZero() {
		createdAt = acc.CreatedAt
	}
	_, err = r.pool.Exec(ctx, query,
		string(acc.ID), acc.Username, acc.Password, acc.ServerURL,
		accesses, acc.CurrentAccess, settings, createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save account %s: %w", acc.ID, err)
	}
	return nil
}

func (r *AccountRepo) DeleteAccount(ctx context.Context, id domain.AccountID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("postgres: delete account %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return nil
}

func encodeAccount(acc *domain.Account) (accesses, settings []byte, err error) {
	list := acc.Accesses
	if list == nil {
		list = []domain.Access{}
	}
	if accesses, err = json.Marshal(list); err != nil {
		return nil, nil, fmt.Errorf("postgres: encode accesses: %w", err)
	}
	if settings, err = json.Marshal(acc.Settings); err != nil {
		return nil, nil, fmt.Errorf("postgres: encode settings: %w", err)
	}
	return accesses, settings, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acc                domain.Account
		id                 string
		accesses, settings []byte
	)
	err := row.Scan(&id, &acc.Username, &acc.Password, &acc.ServerURL,
		&accesses, &acc.CurrentAccess, &settings, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan account: %w", err)
	}
	acc.ID = domain.AccountID(id)
	if err := decodeAccount(&acc, accesses, settings); err != nil {
		return nil, err
	}
	return &acc, nil
}

func decodeAccount(acc *domain.Account, accesses, settings []byte) error {
	if len(accesses) > 0 {
		if err := json.Unmarshal(accesses, &acc.Accesses); err != nil {
			return fmt.Errorf("postgres: decode accesses of %s: %w", acc.ID, err)
		}
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &acc.Settings); err != nil {
			return fmt.Errorf("postgres: decode settings of %s: %w", acc.ID, err)
		}
	}
	return nil
}
