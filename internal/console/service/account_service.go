package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/engine"
	"github.com/xela07ax/tbs-engine/internal/task"
)

// AccountManager — то, что Control API требует от планировщика
type AccountManager interface {
	Accounts() []engine.AccountSnapshot
	Snapshot(id domain.AccountID) (engine.AccountSnapshot, error)
	AddAccount(ctx context.Context, acc *domain.Account) error
	RemoveAccount(ctx context.Context, id domain.AccountID) error
	Apply(ctx context.Context, sig engine.ControlSignal, registry *task.Registry) error
	Enqueue(id domain.AccountID, t task.Task) (domain.TaskID, error)
	Logs(id domain.AccountID) ([]string, error)
	SubscribeLogs(id domain.AccountID, buffer int) (<-chan string, func(), error)
}

type AccountService struct {
	manager  AccountManager
	registry *task.Registry
	logger   *zap.Logger
}

func NewAccountService(manager AccountManager, registry *task.Registry, logger *zap.Logger) *AccountService {
	return &AccountService{
		manager:  manager,
		registry: registry,
		logger:   logger.Named("account-service"),
	}
}

// CreateAccountRequest — тело POST /v1/accounts
type CreateAccountRequest struct {
	ID        string          `json:"id,omitempty"`
	Username  string          `json:"username"`
	Password  string          `json:"password"`
	ServerURL string          `json:"server_url"`
	Accesses  []domain.Access `json:"accesses"`
	Settings  domain.Settings `json:"settings"`
}

// EnqueueRequest — тело POST /v1/accounts/{id}/tasks
type EnqueueRequest struct {
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (s *AccountService) List() []engine.AccountSnapshot {
	return s.manager.Accounts()
}

func (s *AccountService) Get(id domain.AccountID) (engine.AccountSnapshot, error) {
	return s.manager.Snapshot(id)
}

func (s *AccountService) Create(ctx context.Context, req CreateAccountRequest) (engine.AccountSnapshot, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	acc := &domain.Account{
		ID:        domain.AccountID(id),
		Username:  strings.TrimSpace(req.Username),
		Password:  req.Password,
		ServerURL: strings.TrimRight(strings.TrimSpace(req.ServerURL), "/"),
		Accesses:  req.Accesses,
		Settings:  req.Settings,
	}
	// Хэш и user-agent выдаются только из каталога
	for i := range acc.Accesses {
		acc.Accesses[i].UserAgent = ""
		acc.Accesses[i].UserAgentHash = ""
	}

	if err := s.manager.AddAccount(ctx, acc); err != nil {
		return engine.AccountSnapshot{}, err
	}
	s.logger.Info("account created", zap.String("account_id", id), zap.String("username", acc.Username))
	return s.manager.Snapshot(acc.ID)
}

func (s *AccountService) Delete(ctx context.Context, id domain.AccountID) error {
	if err := s.manager.RemoveAccount(ctx, id); err != nil {
		return err
	}
	s.logger.Info("account removed", zap.String("account_id", string(id)))
	return nil
}

// Control — start/pause/resume/stop/restart
func (s *AccountService) Control(ctx context.Context, id domain.AccountID, action string) error {
	sig, err := engine.ParseControl(fmt.Sprintf("%s:%s", id, action))
	if err != nil {
		return err
	}
	if sig.Action == engine.ActionEnqueue {
		return fmt.Errorf("%w: use the tasks endpoint to enqueue", engine.ErrBadSignal)
	}
	if err := s.manager.Apply(ctx, sig, s.registry); err != nil {
		s.logger.Warn("control action failed",
			zap.String("account_id", string(id)),
			zap.String("action", action),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *AccountService) EnqueueTask(id domain.AccountID, req EnqueueRequest) (domain.TaskID, error) {
	t, err := s.registry.Build(req.Kind, id, req.Params)
	if err != nil {
		return "", err
	}
	return s.manager.Enqueue(id, t)
}

func (s *AccountService) TaskKinds() []string {
	return s.registry.Kinds()
}

func (s *AccountService) Logs(id domain.AccountID, limit int) ([]string, error) {
	lines, err := s.manager.Logs(id)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	return lines, nil
}

func (s *AccountService) SubscribeLogs(id domain.AccountID) (<-chan string, func(), error) {
	return s.manager.SubscribeLogs(id, 256)
}
