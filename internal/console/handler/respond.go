package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/engine"
	"github.com/xela07ax/tbs-engine/internal/failure"
	"github.com/xela07ax/tbs-engine/internal/task"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf разделяет ошибки планировщика на 4xx/5xx
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidAccount),
		errors.Is(err, task.ErrUnknownKind),
		errors.Is(err, task.ErrInvalidParams),
		errors.Is(err, engine.ErrBadSignal):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountExists),
		errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrNotPaused),
		errors.Is(err, engine.ErrTaskMismatch):
		return http.StatusConflict
	case errors.Is(err, engine.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	var f *failure.Failure
	if errors.As(err, &f) && f.Kind == failure.Fatal {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{Error: err.Error()})
}
