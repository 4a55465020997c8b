package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Document — снимок страницы, загруженной в браузере.
type Document struct {
	Raw  string
	Root *html.Node
}

// Parse разбирает HTML страницы
func Parse(raw string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("dom: failed to parse HTML: %w", err)
	}
	return &Document{Raw: raw, Root: root}, nil
}

// Locator — семантический адрес элемента. Один и тот же локатор используется
// и для поиска в снимке (Query), и для клика в браузере (Selector).
type Locator struct {
	Tag        string   // "button", "a"; пусто — любой тег
	ID         string   // id элемента
	Classes    []string // все классы должны присутствовать
	NotClasses []string // ни один из классов не должен присутствовать
	Within     *Locator // элемент ищется внутри первого совпадения Within
}

// ByID — сокращение для поиска по id
func ByID(id string) Locator {
	return Locator{ID: id}
}

// Selector строит CSS-селектор для драйвера браузера
func (l Locator) Selector() string {
	var b strings.Builder
	if l.Within != nil {
		b.WriteString(l.Within.Selector())
		b.WriteByte(' ')
	}
	b.WriteString(l.Tag)
	if l.ID != "" {
		b.WriteByte('#')
		b.WriteString(l.ID)
	}
	for _, c := range l.Classes {
		b.WriteByte('.')
		b.WriteString(c)
	}
	for _, c := range l.NotClasses {
		b.WriteString(":not(.")
		b.WriteString(c)
		b.WriteByte(')')
	}
	s := b.String()
	if s == "" || strings.HasSuffix(s, " ") {
		s += "*"
	}
	return s
}

func (l Locator) String() string {
	return l.Selector()
}

// Element — найденный интерактивный элемент.
type Element struct {
	Node     *html.Node
	Selector string
}

// Text — текстовое содержимое элемента
func (e *Element) Text() string {
	var b strings.Builder
	collectText(e.Node, &b)
	return strings.TrimSpace(b.String())
}

// Attr возвращает значение атрибута
func (e *Element) Attr(name string) (string, bool) {
	return attr(e.Node, name)
}

// Query — DOM-сервис, которым пользуются команды.
type Query interface {
	FindInteractiveElement(doc *Document, loc Locator) (*Element, bool)
	HasMarker(doc *Document, loc Locator, markerClass string) bool
}

// HTMLQuery — реализация Query поверх golang.org/x/net/html.
type HTMLQuery struct{}

func NewHTMLQuery() *HTMLQuery {
	return &HTMLQuery{}
}

func (HTMLQuery) FindInteractiveElement(doc *Document, loc Locator) (*Element, bool) {
	if doc == nil || doc.Root == nil {
		return nil, false
	}
	n := find(doc.Root, loc)
	if n == nil {
		return nil, false
	}
	return &Element{Node: n, Selector: loc.Selector()}, true
}

// HasMarker проверяет, есть ли внутри найденного по loc элемента
// потомок с классом markerClass. Пустой loc — поиск по всему документу.
func (HTMLQuery) HasMarker(doc *Document, loc Locator, markerClass string) bool {
	if doc == nil || doc.Root == nil {
		return false
	}
	scope := doc.Root
	if !loc.empty() {
		scope = find(doc.Root, loc)
		if scope == nil {
			return false
		}
	}
	return findNode(scope, func(n *html.Node) bool {
		return n != scope && hasClass(n, markerClass)
	}) != nil
}

func (l Locator) empty() bool {
	return l.Tag == "" && l.ID == "" && len(l.Classes) == 0 && len(l.NotClasses) == 0 && l.Within == nil
}

func find(root *html.Node, loc Locator) *html.Node {
	scope := root
	if loc.Within != nil {
		scope = find(root, *loc.Within)
		if scope == nil {
			return nil
		}
	}
	return findNode(scope, func(n *html.Node) bool {
		return n != scope && matches(n, loc)
	})
}

func matches(n *html.Node, loc Locator) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if loc.Tag != "" && !strings.EqualFold(n.Data, loc.Tag) {
		return false
	}
	if loc.ID != "" {
		if id, _ := attr(n, "id"); id != loc.ID {
			return false
		}
	}
	for _, c := range loc.Classes {
		if !hasClass(n, c) {
			return false
		}
	}
	for _, c := range loc.NotClasses {
		if hasClass(n, c) {
			return false
		}
	}
	return true
}

// findNode — обход в глубину в порядке документа
func findNode(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if pred(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, pred); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	v, ok := attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}
