package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/tbs-engine/internal/notify"
)

// EventProvider описывает контракт чтения журнала событий.
// Модель общая с шиной notify.
type EventProvider interface {
	FetchEvents(ctx context.Context, accountID string, limit int) ([]notify.Event, error)
}

type EventService struct {
	repo EventProvider
}

func NewEventService(repo EventProvider) *EventService {
	return &EventService{repo: repo}
}

const maxEventLimit = 1000

// FetchEvents запрашивает журнал. Пустой accountID = все аккаунты.
func (s *EventService) FetchEvents(ctx context.Context, accountID string, limit int) ([]notify.Event, error) {
	if limit <= 0 || limit > maxEventLimit {
		limit = maxEventLimit
	}
	events, err := s.repo.FetchEvents(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("event_service: failed to fetch events: %w", err)
	}
	return events, nil
}
