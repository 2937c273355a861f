package page

import (
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/dop251/goja"
	"golang.org/x/net/html"
)

type cssSelector = cascadia.Selector

// selector 编译并缓存 CSS 选择器
func (p *Page) selector(sel string) (cssSelector, error) {
	if s, ok := p.selectors[sel]; ok {
		return s, nil
	}
	s, err := cascadia.Compile(sel)
	if err != nil {
		return nil, err
	}
	p.selectors[sel] = s
	return s, nil
}

// wrap 返回节点对应的元素对象，同一节点始终得到同一对象
func (p *Page) wrap(n *html.Node) *goja.Object {
	if n == nil {
		return nil
	}
	if o, ok := p.byNode[n]; ok {
		return o
	}
	o := p.rt.CreateObject(p.protos.element)
	p.byNode[n] = o
	p.byObj[o] = n
	return o
}

func (p *Page) nodeOf(v goja.Value) *html.Node {
	o, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	return p.byObj[o]
}

func (p *Page) wrapAll(nodes []*html.Node) goja.Value {
	items := make([]any, len(nodes))
	for i, n := range nodes {
		items[i] = p.wrap(n)
	}
	return p.rt.NewArray(items...)
}

func (p *Page) elementOrNull(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	return p.wrap(n)
}

func (p *Page) mustSelector(v goja.Value) cssSelector {
	s, err := p.selector(v.String())
	if err != nil {
		panic(p.rt.NewTypeError("'" + v.String() + "' is not a valid selector"))
	}
	return s
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func findElement(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

func tagNode(root *html.Node, tag string) *html.Node {
	return findElement(root, func(n *html.Node) bool { return n.Data == tag })
}

func (p *Page) getter(fn func(n *html.Node) goja.Value) goja.Value {
	return p.rt.ToValue(func(call goja.FunctionCall) goja.Value {
		n := p.nodeOf(call.This)
		if n == nil {
			return goja.Undefined()
		}
		return fn(n)
	})
}

func (p *Page) installDocument() error {
	rt := p.rt
	el := p.protos.element
	accessors := map[string]func(n *html.Node) goja.Value{
		"id": func(n *html.Node) goja.Value {
			v, _ := attr(n, "id")
			return rt.ToValue(v)
		},
		"className": func(n *html.Node) goja.Value {
			v, _ := attr(n, "class")
			return rt.ToValue(v)
		},
		"tagName": func(n *html.Node) goja.Value {
			return rt.ToValue(strings.ToUpper(n.Data))
		},
		"parentElement": func(n *html.Node) goja.Value {
			if n.Parent == nil || n.Parent.Type != html.ElementNode {
				return goja.Null()
			}
			return p.wrap(n.Parent)
		},
	}
	for name, fn := range accessors {
		if err := el.DefineAccessorProperty(name, p.getter(fn), nil, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
			return err
		}
	}
	methods := map[string]func(goja.FunctionCall) goja.Value{
		"matches": func(call goja.FunctionCall) goja.Value {
			n := p.nodeOf(call.This)
			return rt.ToValue(n != nil && p.mustSelector(call.Argument(0)).Match(n))
		},
		"getAttribute": func(call goja.FunctionCall) goja.Value {
			n := p.nodeOf(call.This)
			if n == nil {
				return goja.Null()
			}
			v, ok := attr(n, call.Argument(0).String())
			if !ok {
				return goja.Null()
			}
			return rt.ToValue(v)
		},
		"hasAttribute": func(call goja.FunctionCall) goja.Value {
			n := p.nodeOf(call.This)
			if n == nil {
				return rt.ToValue(false)
			}
			_, ok := attr(n, call.Argument(0).String())
			return rt.ToValue(ok)
		},
		"querySelector": func(call goja.FunctionCall) goja.Value {
			return p.elementOrNull(p.mustSelector(call.Argument(0)).MatchFirst(p.scope(call.This)))
		},
		"querySelectorAll": func(call goja.FunctionCall) goja.Value {
			return p.wrapAll(p.mustSelector(call.Argument(0)).MatchAll(p.scope(call.This)))
		},
	}
	for name, fn := range methods {
		if err := el.Set(name, fn); err != nil {
			return err
		}
		if name == "querySelector" || name == "querySelectorAll" {
			if err := p.protos.document.Set(name, fn); err != nil {
				return err
			}
		}
	}

	doc := rt.CreateObject(p.protos.document)
	p.document = doc
	if err := doc.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		return p.elementOrNull(findElement(p.root, func(n *html.Node) bool {
			v, ok := attr(n, "id")
			return ok && v == id
		}))
	}); err != nil {
		return err
	}
	docAccessors := map[string]func() goja.Value{
		"readyState":      func() goja.Value { return rt.ToValue(p.state) },
		"body":            func() goja.Value { return p.elementOrNull(tagNode(p.root, "body")) },
		"head":            func() goja.Value { return p.elementOrNull(tagNode(p.root, "head")) },
		"documentElement": func() goja.Value { return p.elementOrNull(tagNode(p.root, "html")) },
	}
	for name, fn := range docAccessors {
		fn := fn
		get := rt.ToValue(func(goja.FunctionCall) goja.Value { return fn() })
		if err := doc.DefineAccessorProperty(name, get, nil, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
			return err
		}
	}

	loc := rt.NewObject()
	ancestors := make([]any, len(p.ancestors))
	for i, a := range p.ancestors {
		ancestors[i] = a
	}
	for k, v := range map[string]any{
		"href":            p.href,
		"hostname":        p.hostname,
		"origin":          p.origin,
		"ancestorOrigins": rt.NewArray(ancestors...),
	} {
		if err := loc.Set(k, v); err != nil {
			return err
		}
	}
	if err := doc.Set("location", loc); err != nil {
		return err
	}
	if err := doc.Set("defaultView", rt.GlobalObject()); err != nil {
		return err
	}
	g := rt.GlobalObject()
	if err := g.Set("document", doc); err != nil {
		return err
	}
	return g.Set("location", loc)
}

// scope 查询的起点：元素自身或整个文档
func (p *Page) scope(this goja.Value) *html.Node {
	if n := p.nodeOf(this); n != nil {
		return n
	}
	return p.root
}

// describe 元素的 #id.class[attr="v"] 描述
func describe(n *html.Node) string {
	var b strings.Builder
	if id, ok := attr(n, "id"); ok && id != "" {
		b.WriteString("#" + cssEscape(id))
	}
	if cls, ok := attr(n, "class"); ok {
		for _, c := range strings.Fields(cls) {
			b.WriteString("." + cssEscape(c))
		}
	}
	for _, a := range n.Attr {
		if a.Key == "id" || a.Key == "class" {
			continue
		}
		b.WriteString("[" + cssEscape(a.Key) + `="` + a.Val + `"]`)
	}
	return b.String()
}

func cssEscape(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '-', r >= 0x80:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteString(`\3` + string(r) + " ")
			} else {
				b.WriteRune(r)
			}
		default:
			b.WriteString(`\` + string(r))
		}
	}
	return b.String()
}
