package failure

/*
Пакет failure — типизированный результат любой операции ядра.

Успех — это nil error. Неуспех — *Failure одного из четырех видов (Kind).
По мере подъема по стеку вызывающий код добавляет кадр трассировки (Trace),
но никогда не меняет вид ошибки: решение "повторить / сдаться" принимает
только планировщик (engine.Manager).
*/

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Kind определяет реакцию планировщика на неуспех.
type Kind int

const (
	KindNone Kind = iota // успех
	Retryable
	Cancelled
	Stopped
	Fatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case Retryable:
		return "retryable"
	case Cancelled:
		return "cancelled"
	case Stopped:
		return "stopped"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Frame — один кадр трассировки: место вызова + сообщение.
type Frame struct {
	Site    string `json:"site"`
	Message string `json:"message,omitempty"`
}

func (f Frame) String() string {
	if f.Message == "" {
		return f.Site
	}
	return f.Site + ": " + f.Message
}

// Failure — неуспешный результат. Frames[0] — первопричина.
type Failure struct {
	Kind   Kind
	Frames []Frame
	cause  error
}

func (f *Failure) Error() string {
	if len(f.Frames) == 0 {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Frames[0].Message
}

// Unwrap дает errors.Is/As добраться до исходной ошибки драйвера
func (f *Failure) Unwrap() error {
	return f.cause
}

// Trace возвращает всю цепочку кадров, снизу вверх
func (f *Failure) Trace() string {
	var b strings.Builder
	b.WriteString(f.Kind.String())
	for _, fr := range f.Frames {
		b.WriteString("\n  at ")
		b.WriteString(fr.String())
	}
	return b.String()
}

func newFailure(kind Kind, cause error, msg string) *Failure {
	return &Failure{
		Kind:   kind,
		Frames: []Frame{{Site: site(3), Message: msg}},
		cause:  cause,
	}
}

// Retry — ожидаемый элемент не найден, временная сетевая ошибка и т.п.
func Retry(format string, args ...any) error {
	return newFailure(Retryable, nil, fmt.Sprintf(format, args...))
}

// RetryErr оборачивает ошибку драйвера как повторяемую
func RetryErr(err error, format string, args ...any) error {
	return newFailure(Retryable, err, fmt.Sprintf(format, args...)+": "+err.Error())
}

// Cancel — задача увидела кооперативную остановку
func Cancel() error {
	return newFailure(Cancelled, context.Canceled, "cancellation requested")
}

// Stop — сессия аккаунта разбирается
func Stop(reason string) error {
	return newFailure(Stopped, nil, reason)
}

// Fatalf — невосстановимая ошибка, автоповтора не будет
func Fatalf(format string, args ...any) error {
	return newFailure(Fatal, nil, fmt.Sprintf(format, args...))
}

// FatalErr оборачивает ошибку как невосстановимую
func FatalErr(err error, format string, args ...any) error {
	return newFailure(Fatal, err, fmt.Sprintf(format, args...)+": "+err.Error())
}

// ButtonNotFound — стандартная причина Retryable для команд
func ButtonNotFound(name string) error {
	return newFailure(Retryable, nil, fmt.Sprintf("cannot find %s button", name))
}

// MarkerNotFound — на странице нет ожидаемого маркера
func MarkerNotFound(name string) error {
	return newFailure(Retryable, nil, fmt.Sprintf("cannot find marker %s", name))
}

// KindOf классифицирует любую ошибку.
// Неизвестные ошибки считаются Fatal: без явной классификации автоповтор небезопасен.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Retryable
	}
	return Fatal
}

// From приводит любую ошибку к *Failure (nil остается nil)
func From(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{
		Kind:   KindOf(err),
		Frames: []Frame{{Site: site(2), Message: err.Error()}},
		cause:  err,
	}
}

// Trace добавляет кадр с местом вызова и возвращает ту же ошибку.
// Вид ошибки не меняется.
func Trace(err error) error {
	return trace(err, "")
}

// Tracef — Trace с поясняющим сообщением
func Tracef(err error, format string, args ...any) error {
	return trace(err, fmt.Sprintf(format, args...))
}

func trace(err error, msg string) error {
	if err == nil {
		return nil
	}
	f := From(err)
	f.Frames = append(f.Frames, Frame{Site: site(3), Message: msg})
	return f
}

// Escalate переводит неуспех в Fatal с сохранением кадров.
// Вызывается только планировщиком (исчерпан лимит повторов).
func Escalate(err error, reason string) error {
	f := From(err)
	if f == nil {
		return nil
	}
	f.Kind = Fatal
	f.Frames = append(f.Frames, Frame{Site: site(2), Message: reason})
	return f
}

func site(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	name := "?"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	}
	return fmt.Sprintf("%s (%s:%d)", name, filepath.Base(file), line)
}
