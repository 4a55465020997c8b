package notify

import (
	"time"

	"github.com/xela07ax/tbs-engine/internal/domain"
)

type Type string

const (
	AccountStatusChanged Type = "account_status_changed"
	AccountUpdated       Type = "account_updated"
	AccountRemoved       Type = "account_removed"
	TaskFinished         Type = "task_finished"
)

// Event — уведомление для слоя представления. Ядро только публикует.
type Event struct {
	Type      Type             `json:"type"`
	AccountID domain.AccountID `json:"account_id"`
	Status    string           `json:"status,omitempty"`

	// Заполняются для TaskFinished
	TaskID     domain.TaskID `json:"task_id,omitempty"`
	TaskName   string        `json:"task_name,omitempty"`
	TaskKind   string        `json:"task_kind,omitempty"`
	Outcome    string        `json:"outcome,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
