package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xela07ax/tbs-engine/internal/notify"
)

type EventReader interface {
	FetchEvents(ctx context.Context, accountID string, limit int) ([]notify.Event, error)
}

type EventHandler struct {
	service EventReader
}

func NewEventHandler(s EventReader) *EventHandler {
	return &EventHandler{service: s}
}

// List возвращает журнал событий аккаунтов
// GET /v1/events?account_id=...&limit=...
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.service.FetchEvents(r.Context(), accountID, limit)
	if err != nil {
		http.Error(w, "Failed to fetch events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
