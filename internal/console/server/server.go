package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/tbs-engine/internal/console/handler"
	"github.com/xela07ax/tbs-engine/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256)
	authValidator auth.TokenValidator

	authHandler    *handler.AuthHandler    // /auth/token
	accountHandler *handler.AccountHandler // /v1/accounts
	eventHandler   *handler.EventHandler   // /v1/events, nil без Postgres
}

// NewConsoleServer инициализирует Control API со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	accountH *handler.AccountHandler,
	eventH *handler.EventHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:         chi.NewRouter(),
		logger:         logger.Named("console-api"),
		authValidator:  validator,
		authHandler:    authH,
		accountHandler: accountH,
		eventHandler:   eventH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.authHandler.Login)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Чтение: статусы, очереди, логи
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeRead))

			r.Get("/v1/accounts", s.accountHandler.List)
			r.Get("/v1/accounts/{id}", s.accountHandler.Get)
			r.Get("/v1/accounts/{id}/logs", s.accountHandler.Logs)
			r.Get("/v1/accounts/{id}/logs/stream", s.accountHandler.StreamLogs)
			r.Get("/v1/tasks/kinds", s.accountHandler.TaskKinds)
			if s.eventHandler != nil {
				r.Get("/v1/events", s.eventHandler.List)
			}
		})

		// Управление: жизненный цикл и очередь
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeControl))

			r.Post("/v1/accounts/{id}/tasks", s.accountHandler.Enqueue)
			r.Post("/v1/accounts/{id}/{action:start|pause|resume|stop|restart}", s.accountHandler.Control)
		})

		// Администрирование: состав аккаунтов
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeAdmin))

			r.Post("/v1/accounts", s.accountHandler.Create)
			r.Delete("/v1/accounts/{id}", s.accountHandler.Delete)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
