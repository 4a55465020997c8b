package server

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/infra/auth"
	"github.com/xela07ax/tbs-engine/internal/notify"
)

// Методы без токена (пробы оркестратора)
var publicMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
}

// UnaryAuthInterceptor проверяет RS256 токен в метаданных gRPC вызова
func UnaryAuthInterceptor(v auth.TokenValidator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Ищем токен (в gRPC заголовки в нижнем регистре)
		tokens := md.Get("authorization")
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing access token")
		}

		// 3. Та же проверка, что и в HTTP
		claims, err := v.VerifyToken(tokens[0])
		if err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Errorf(codes.Unauthenticated, "invalid access token")
		}
		if !(claims.Scopes[auth.ScopeRead] || claims.Scopes[auth.ScopeAdmin]) {
			return nil, status.Errorf(codes.PermissionDenied, "scope %s required", auth.ScopeRead)
		}

		return handler(auth.WithClaims(ctx, claims), req)
	}
}

// HealthServiceName — имя сервиса health-check для аккаунта
func HealthServiceName(id domain.AccountID) string {
	return "account/" + string(id)
}

// AccountHealth отражает статусы аккаунтов в grpc.health.v1:
// SERVING пока аккаунт Online, иначе NOT_SERVING.
type AccountHealth struct {
	hs     *health.Server
	logger *zap.Logger
}

func NewAccountHealth(logger *zap.Logger) *AccountHealth {
	return &AccountHealth{
		hs:     health.NewServer(),
		logger: logger.Named("grpc-health"),
	}
}

func (h *AccountHealth) Server() *health.Server {
	return h.hs
}

// Set выставляет статус аккаунта
func (h *AccountHealth) Set(id domain.AccountID, st domain.Status) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if st == domain.StatusOnline {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus(HealthServiceName(id), serving)
}

// Apply обрабатывает одно событие шины
func (h *AccountHealth) Apply(e notify.Event) {
	switch e.Type {
	case notify.AccountStatusChanged:
		st, err := domain.ParseStatus(e.Status)
		if err != nil {
			h.logger.Warn("unknown status in event", zap.String("status", e.Status))
			return
		}
		h.Set(e.AccountID, st)
	case notify.AccountRemoved:
		h.hs.SetServingStatus(HealthServiceName(e.AccountID), healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	}
}

// Run применяет события до закрытия канала или отмены ctx.
// При выходе все сервисы переводятся в NOT_SERVING.
func (h *AccountHealth) Run(ctx context.Context, events <-chan notify.Event) {
	defer h.hs.Shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			h.Apply(e)
		}
	}
}

// NewGRPCServer собирает gRPC сервер с health-check аккаунтов
func NewGRPCServer(v auth.TokenValidator, h *AccountHealth, logger *zap.Logger) *grpc.Server {
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(v, logger)))
	healthpb.RegisterHealthServer(srv, h.Server())
	return srv
}
