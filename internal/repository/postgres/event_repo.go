package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/notify"
)

// EventRepo — журнал событий аккаунтов (приемник шины notify)
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// Количество колонок в таблице account_events (без id)
const eventFields = 9

func (r *EventRepo) WriteBatch(ctx context.Context, events []notify.Event) error {
	if len(events) == 0 {
		return nil
	}
	query, vals := buildEventInsert(events)
	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write %d events: %w", len(events), err)
	}
	return nil
}

// buildEventInsert динамически строит запрос для пакетной вставки
func buildEventInsert(events []notify.Event) (string, []any) {
	var sb strings.Builder
	vals := make([]any, 0, len(events)*eventFields)

	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		p := i * eventFields
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		vals = append(vals,
			string(e.Type), string(e.AccountID), e.Status,
			string(e.TaskID), e.TaskName, e.TaskKind, e.Outcome,
			e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO account_events (type, account_id, status, task_id, task_name, task_kind, outcome, duration_ms, timestamp) VALUES " + sb.String()
	return query, vals
}

// FetchEvents — свежие события первыми. Пустой accountID — все аккаунты.
func (r *EventRepo) FetchEvents(ctx context.Context, accountID string, limit int) ([]notify.Event, error) {
	query := `
		SELECT type, account_id, status, task_id, task_name, task_kind, outcome, duration_ms, timestamp
		FROM account_events
		WHERE ($1 = '' OR account_id = $1)
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch events: %w", err)
	}
	defer rows.Close()

	var out []notify.Event
	for rows.Next() {
		var (
			e                  notify.Event
			typ, accID, taskID string
		)
		if err := rows.Scan(&typ, &accID, &e.Status, &taskID, &e.TaskName, &e.TaskKind,
			&e.Outcome, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.Type = notify.Type(typ)
		e.AccountID = domain.AccountID(accID)
		e.TaskID = domain.TaskID(taskID)
		out = append(out, e)
	}
	return out, rows.Err()
}
