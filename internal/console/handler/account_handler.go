package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xela07ax/tbs-engine/internal/console/service"
	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/engine"
)

// AccountService описываем, что нам нужно от сервиса аккаунтов
type AccountService interface {
	List() []engine.AccountSnapshot
	Get(id domain.AccountID) (engine.AccountSnapshot, error)
	Create(ctx context.Context, req service.CreateAccountRequest) (engine.AccountSnapshot, error)
	Delete(ctx context.Context, id domain.AccountID) error
	Control(ctx context.Context, id domain.AccountID, action string) error
	EnqueueTask(id domain.AccountID, req service.EnqueueRequest) (domain.TaskID, error)
	TaskKinds() []string
	Logs(id domain.AccountID, limit int) ([]string, error)
	SubscribeLogs(id domain.AccountID) (<-chan string, func(), error)
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

type AccountHandler struct {
	service  AccountService
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewAccountHandler(s AccountService, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		service: s,
		logger:  logger.Named("account-handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Токен уже проверен middleware, Origin не ограничиваем
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func accountID(r *http.Request) domain.AccountID {
	return domain.AccountID(chi.URLParam(r, "id"))
}

// List GET /v1/accounts
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.List())
}

// Get GET /v1/accounts/{id}
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Get(accountID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Create POST /v1/accounts
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	snap, err := h.service.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// Delete DELETE /v1/accounts/{id}
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), accountID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Control POST /v1/accounts/{id}/{action}
func (h *AccountHandler) Control(w http.ResponseWriter, r *http.Request) {
	id := accountID(r)
	action := chi.URLParam(r, "action")
	if err := h.service.Control(r.Context(), id, action); err != nil {
		writeError(w, err)
		return
	}
	snap, err := h.service.Get(id)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

type enqueueResponse struct {
	TaskID domain.TaskID `json:"task_id"`
}

// Enqueue POST /v1/accounts/{id}/tasks
func (h *AccountHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req service.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	id, err := h.service.EnqueueTask(accountID(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{TaskID: id})
}

// TaskKinds GET /v1/tasks/kinds
func (h *AccountHandler) TaskKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.TaskKinds())
}

// Logs GET /v1/accounts/{id}/logs?limit=N
func (h *AccountHandler) Logs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	lines, err := h.service.Logs(accountID(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

// StreamLogs GET /v1/accounts/{id}/logs/stream (WebSocket)
func (h *AccountHandler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	id := accountID(r)
	lines, cancel, err := h.service.SubscribeLogs(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade сам ответил клиенту
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Читаем входящие только ради close/pong
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case line, ok := <-lines:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "log stream closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				h.logger.Debug("websocket write failed", zap.String("account_id", string(id)), zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
