package domain

import (
	"fmt"
	"strings"
)

// Status — состояние аккаунта в планировщике. У аккаунта всегда ровно одно значение.
type Status int32

const (
	StatusOffline Status = iota
	StatusStarting
	StatusOnline
	StatusPausing
	StatusPaused
	StatusStopping
)

var statusNames = [...]string{
	StatusOffline:  "offline",
	StatusStarting: "starting",
	StatusOnline:   "online",
	StatusPausing:  "pausing",
	StatusPaused:   "paused",
	StatusStopping: "stopping",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int32(s))
	}
	return statusNames[s]
}

// MarshalText отдает статус строкой в JSON
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus разбирает строковое представление статуса
func ParseStatus(v string) (Status, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	return StatusOffline, fmt.Errorf("unknown status %q", v)
}

// Statuses перечисляет все статусы (метрика tbs_accounts создает по ним метки заранее)
func Statuses() []Status {
	out := make([]Status, len(statusNames))
	for i := range statusNames {
		out[i] = Status(i)
	}
	return out
}
