package task

/*
Task — именованная единица работы аккаунта, упорядоченная цепочка шагов.
Задача не повторяет себя сама: Retryable уходит в менеджер, который решает,
запускать ли свежую копию (Renew) позже.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xela07ax/tbs-engine/internal/command"
	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/failure"
)

// State — жизненный цикл одного экземпляра задачи
type State int32

const (
	Pending State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Task interface {
	ID() domain.TaskID
	// Key — логическая идентичность задачи. Счетчик повторов ведется по ключу,
	// поэтому Renew сохраняет ключ и выдает новый ID.
	Key() string
	Name() string
	Kind() string
	AccountID() domain.AccountID
	VillageID() string
	State() State
	Run(ctx context.Context) error
	Renew() Task
}

// Step — либо команда, либо вложенная задача
type Step struct {
	Command command.Command
	Task    Task
}

func (s Step) name() string {
	if s.Task != nil {
		return s.Task.Name()
	}
	if s.Command != nil {
		return s.Command.Name()
	}
	return "empty step"
}

func (s Step) run(ctx context.Context, id domain.AccountID) error {
	switch {
	case s.Task != nil:
		return s.Task.Run(ctx)
	case s.Command != nil:
		return s.Command.Execute(ctx, id)
	}
	return nil
}

// Do — шаг-команда
func Do(c command.Command) Step { return Step{Command: c} }

// Sub — шаг-подзадача
func Sub(t Task) Step { return Step{Task: t} }

// NameFunc вычисляет отображаемое имя при создании экземпляра
type NameFunc func() string

// Spec описывает, как собирать экземпляры одной логической задачи
type Spec struct {
	Kind      string
	AccountID domain.AccountID
	VillageID string
	Key       string // пустой — Kind/AccountID/VillageID
	Name      NameFunc
	Steps     func() []Step
}

// Sequence — задача из шагов, выполняемых по порядку.
// Первый неуспешный шаг завершает задачу с его видом ошибки.
type Sequence struct {
	spec  Spec
	id    domain.TaskID
	name  string
	steps []Step
	state atomic.Int32
}

func NewSequence(spec Spec) *Sequence {
	if spec.Key == "" {
		spec.Key = fmt.Sprintf("%s/%s/%s", spec.Kind, spec.AccountID, spec.VillageID)
	}
	name := spec.Kind
	if spec.Name != nil {
		name = spec.Name()
	}
	var steps []Step
	if spec.Steps != nil {
		steps = spec.Steps()
	}
	return &Sequence{
		spec:  spec,
		id:    domain.NewTaskID(),
		name:  name,
		steps: steps,
	}
}

func (t *Sequence) ID() domain.TaskID           { return t.id }
func (t *Sequence) Key() string                 { return t.spec.Key }
func (t *Sequence) Name() string                { return t.name }
func (t *Sequence) Kind() string                { return t.spec.Kind }
func (t *Sequence) AccountID() domain.AccountID { return t.spec.AccountID }
func (t *Sequence) VillageID() string           { return t.spec.VillageID }
func (t *Sequence) State() State                { return State(t.state.Load()) }

// Renew — свежий экземпляр той же задачи (новый ID, шаги собраны заново)
func (t *Sequence) Renew() Task {
	return NewSequence(t.spec)
}

func (t *Sequence) Run(ctx context.Context) error {
	t.state.Store(int32(Running))
	err := t.run(ctx)
	switch failure.KindOf(err) {
	case failure.KindNone:
		t.state.Store(int32(Completed))
	case failure.Cancelled:
		t.state.Store(int32(Cancelled))
	default:
		t.state.Store(int32(Failed))
	}
	return err
}

func (t *Sequence) run(ctx context.Context) error {
	for i, step := range t.steps {
		// Кооперативная отмена проверяется только между шагами
		if ctx.Err() != nil {
			return failure.Cancel()
		}
		if err := step.run(ctx, t.spec.AccountID); err != nil {
			return failure.Tracef(err, "%s: step %d (%s)", t.name, i+1, step.name())
		}
	}
	return nil
}

// Builder собирает задачу по имени вида и JSON-параметрам
type Builder func(accountID domain.AccountID, params json.RawMessage) (Task, error)

// Registry — таблица вид задачи → Builder
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

func (r *Registry) Register(kind string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = b
}

// Build создает задачу. Неизвестный вид — ошибка ErrUnknownKind.
func (r *Registry) Build(kind string, accountID domain.AccountID, params json.RawMessage) (Task, error) {
	r.mu.RLock()
	b, ok := r.builders[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	t, err := b(accountID, params)
	if err != nil {
		return nil, fmt.Errorf("build task %q: %w", kind, err)
	}
	return t, nil
}

// Kinds — зарегистрированные виды, по алфавиту
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builders))
	for k := range r.builders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
