package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/task"
)

type Action string

const (
	ActionStart   Action = "start"
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionEnqueue Action = "enqueue"
)

var ErrBadSignal = errors.New("invalid control signal")

// ControlSignal — разобранная команда управления "accountID:action[:taskKind]"
type ControlSignal struct {
	AccountID domain.AccountID
	Action    Action
	TaskKind  string
}

func ParseControl(payload string) (ControlSignal, error) {
	parts := strings.Split(strings.TrimSpace(payload), ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return ControlSignal{}, fmt.Errorf("%w: %q", ErrBadSignal, payload)
	}
	sig := ControlSignal{AccountID: domain.AccountID(parts[0]), Action: Action(strings.ToLower(parts[1]))}
	if len(parts) == 3 {
		sig.TaskKind = parts[2]
	}

	switch sig.Action {
	case ActionStart, ActionPause, ActionResume, ActionStop, ActionRestart:
		if sig.TaskKind != "" {
			return ControlSignal{}, fmt.Errorf("%w: %q takes no task kind", ErrBadSignal, sig.Action)
		}
	case ActionEnqueue:
		if sig.TaskKind == "" {
			return ControlSignal{}, fmt.Errorf("%w: enqueue requires task kind", ErrBadSignal)
		}
	default:
		return ControlSignal{}, fmt.Errorf("%w: unknown action %q", ErrBadSignal, sig.Action)
	}
	return sig, nil
}

// Apply выполняет команду управления. Registry нужен только для enqueue.
func (m *Manager) Apply(ctx context.Context, sig ControlSignal, registry *task.Registry) error {
	switch sig.Action {
	case ActionStart:
		return m.Start(ctx, sig.AccountID)
	case ActionPause:
		return m.Pause(sig.AccountID)
	case ActionResume:
		return m.Resume(sig.AccountID)
	case ActionStop:
		return m.Stop(ctx, sig.AccountID)
	case ActionRestart:
		return m.Restart(ctx, sig.AccountID)
	case ActionEnqueue:
		if registry == nil {
			return fmt.Errorf("%w: no task registry", ErrBadSignal)
		}
		t, err := registry.Build(sig.TaskKind, sig.AccountID, nil)
		if err != nil {
			return err
		}
		_, err = m.Enqueue(sig.AccountID, t)
		return err
	}
	return fmt.Errorf("%w: unknown action %q", ErrBadSignal, sig.Action)
}

// ListenControl слушает канал управления в Redis до отмены ctx
func (m *Manager) ListenControl(ctx context.Context, rdb *redis.Client, channel string, registry *task.Registry, timeout time.Duration) {
	logger := m.logger.With(zap.String("chan", channel))
	logger.Info("control listener started")

	ListenResilient(ctx, rdb, logger, channel, nil, func(payload string) {
		sig, err := ParseControl(payload)
		if err != nil {
			logger.Error("invalid signal format", zap.String("payload", payload), zap.Error(err))
			return
		}
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := m.Apply(actx, sig, registry); err != nil {
			logger.Warn("control signal failed",
				zap.String("account_id", string(sig.AccountID)),
				zap.String("action", string(sig.Action)),
				zap.Error(err),
			)
			return
		}
		logger.Info("control signal applied",
			zap.String("account_id", string(sig.AccountID)),
			zap.String("action", string(sig.Action)),
		)
	})
}
