package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultSourceURL — публичный список user-agent'ов на GitHub
const DefaultSourceURL = "https://raw.githubusercontent.com/vinaghost/user-agent/main/user-agent.json"

// Source — удаленный источник свежего списка user-agent'ов.
type Source interface {
	Fetch(ctx context.Context) ([]string, error)
}

// HTTPSource скачивает JSON-массив строк. Вызов защищен предохранителем
// и повторами, как и любые вызовы внешних систем.
type HTTPSource struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

func NewHTTPSource(url string, timeout time.Duration, logger *zap.Logger) *HTTPSource {
	if url == "" {
		url = DefaultSourceURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "useragent-source",
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     5 * time.Minute, // Не долбим GitHub, если он недоступен
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
		cb:     cb,
		logger: logger.Named("useragent-source"),
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]string, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		var list []string
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
			retry.OnRetry(func(n uint, err error) {
				s.logger.Warn("user-agent list download failed, retrying",
					zap.Uint("attempt", n+1), zap.Error(err))
			}),
		)
		err := r.Do(func() error {
			var fetchErr error
			list, fetchErr = s.fetchOnce(ctx)
			return fetchErr
		})
		return list, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, fmt.Errorf("catalog: source %s temporarily disabled: %w", s.url, err)
		}
		return nil, fmt.Errorf("catalog: fetch %s: %w", s.url, err)
	}
	return Normalize(res.([]string)), nil
}

func (s *HTTPSource) fetchOnce(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list []string
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("decode user-agent list: %w", err))
	}
	return list, nil
}

// Normalize убирает пустые строки и дубли (по хэшу), сохраняя порядок
func Normalize(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, ua := range list {
		if ua == "" {
			continue
		}
		h := Hash(ua)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, ua)
	}
	return out
}
