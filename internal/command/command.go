package command

/*
Command — одно атомарное действие в браузере аккаунта: перейти, нажать,
дождаться смены страницы. Команда не повторяет сама себя и не переклассифицирует
ошибки: она только добавляет кадр трассировки и отдает результат задаче.
*/

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/xela07ax/tbs-engine/internal/dom"
	"github.com/xela07ax/tbs-engine/internal/domain"
	"github.com/xela07ax/tbs-engine/internal/failure"
	"github.com/xela07ax/tbs-engine/internal/session"
)

type Command interface {
	Name() string
	Execute(ctx context.Context, id domain.AccountID) error
}

// Page — часть сессии, которая нужна командам. *session.Session ей удовлетворяет.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, loc dom.Locator) error
	WaitForChange(ctx context.Context, marker string) error
	Document() *dom.Document
	URL() string
	Log(msg string)
}

var _ Page = (*session.Session)(nil)

// SessionProvider выдает живую сессию аккаунта
type SessionProvider interface {
	Page(id domain.AccountID) (Page, error)
}

// Set собирает команды с общими зависимостями
type Set struct {
	Sessions SessionProvider
	Query    dom.Query
}

func NewSet(sessions SessionProvider, query dom.Query) *Set {
	if query == nil {
		query = dom.NewHTMLQuery()
	}
	return &Set{Sessions: sessions, Query: query}
}

func (s *Set) page(id domain.AccountID) (Page, error) {
	p, err := s.Sessions.Page(id)
	if err != nil {
		return nil, failure.Trace(err)
	}
	return p, nil
}

// --- Navigate ---

type navigate struct {
	set *Set
	url string
}

func (s *Set) Navigate(url string) Command {
	return &navigate{set: s, url: url}
}

func (c *navigate) Name() string { return "navigate " + c.url }

func (c *navigate) Execute(ctx context.Context, id domain.AccountID) error {
	p, err := c.set.page(id)
	if err != nil {
		return err
	}
	return failure.Trace(p.Navigate(ctx, c.url))
}

// --- Click ---

type click struct {
	set    *Set
	button string
	loc    dom.Locator
}

// Click ищет элемент в текущем снимке и нажимает на него.
// Нет элемента — Retryable сразу, без обращения к браузеру.
func (s *Set) Click(button string, loc dom.Locator) Command {
	return &click{set: s, button: button, loc: loc}
}

func (c *click) Name() string { return "click " + c.button }

func (c *click) Execute(ctx context.Context, id domain.AccountID) error {
	p, err := c.set.page(id)
	if err != nil {
		return err
	}
	return c.run(ctx, p)
}

func (c *click) run(ctx context.Context, p Page) error {
	doc := p.Document()
	if doc == nil {
		return failure.Retry("page is not loaded")
	}
	if _, ok := c.set.Query.FindInteractiveElement(doc, c.loc); !ok {
		return failure.ButtonNotFound(c.button)
	}
	return failure.Trace(p.Click(ctx, c.loc))
}

// --- WaitForChange ---

type waitForChange struct {
	set    *Set
	marker string
}

func (s *Set) WaitForChange(marker string) Command {
	return &waitForChange{set: s, marker: marker}
}

func (c *waitForChange) Name() string { return "wait for " + c.marker }

func (c *waitForChange) Execute(ctx context.Context, id domain.AccountID) error {
	p, err := c.set.page(id)
	if err != nil {
		return err
	}
	return failure.Trace(p.WaitForChange(ctx, c.marker))
}

// --- ClickAndWait ---

type clickAndWait struct {
	click  *click
	marker string
}

// ClickAndWait: найти кнопку, нажать, дождаться адреса с marker
func (s *Set) ClickAndWait(button string, loc dom.Locator, marker string) Command {
	return &clickAndWait{click: &click{set: s, button: button, loc: loc}, marker: marker}
}

func (c *clickAndWait) Name() string { return c.click.Name() + " and wait for " + c.marker }

func (c *clickAndWait) Execute(ctx context.Context, id domain.AccountID) error {
	p, err := c.click.set.page(id)
	if err != nil {
		return err
	}
	if err := c.click.run(ctx, p); err != nil {
		return failure.Trace(err)
	}
	return failure.Trace(p.WaitForChange(ctx, c.marker))
}

// --- RequireMarker ---

type requireMarker struct {
	set   *Set
	name  string
	loc   dom.Locator
	class string
}

// RequireMarker — Retryable, если внутри loc нет элемента с классом class.
// Пустой class проверяет только наличие самого loc.
func (s *Set) RequireMarker(name string, loc dom.Locator, class string) Command {
	return &requireMarker{set: s, name: name, loc: loc, class: class}
}

func (c *requireMarker) Name() string { return "require " + c.name }

func (c *requireMarker) Execute(ctx context.Context, id domain.AccountID) error {
	p, err := c.set.page(id)
	if err != nil {
		return err
	}
	doc := p.Document()
	if doc == nil {
		return failure.Retry("page is not loaded")
	}
	found := false
	if c.class == "" {
		_, found = c.set.Query.FindInteractiveElement(doc, c.loc)
	} else {
		found = c.set.Query.HasMarker(doc, c.loc, c.class)
	}
	if !found {
		return failure.MarkerNotFound(c.name)
	}
	return nil
}

// --- Delay ---

type delay struct {
	min, max time.Duration
}

// Delay — случайная пауза между кликами. Прерывается отменой контекста.
func Delay(min, max time.Duration) Command {
	if max < min {
		max = min
	}
	return &delay{min: min, max: max}
}

func (c *delay) Name() string { return fmt.Sprintf("delay %s..%s", c.min, c.max) }

func (c *delay) Execute(ctx context.Context, _ domain.AccountID) error {
	d := c.min
	if c.max > c.min {
		d += time.Duration(rand.Int64N(int64(c.max - c.min)))
	}
	return session.Sleep(ctx, d)
}

// --- Func ---

type funcCommand struct {
	name string
	fn   func(ctx context.Context, id domain.AccountID) error
}

// Func превращает функцию в команду (разовые действия в задачах)
func Func(name string, fn func(ctx context.Context, id domain.AccountID) error) Command {
	return &funcCommand{name: name, fn: fn}
}

func (c *funcCommand) Name() string { return c.name }

func (c *funcCommand) Execute(ctx context.Context, id domain.AccountID) error {
	return c.fn(ctx, id)
}
