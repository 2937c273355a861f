package page

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"scriptguard/internal/defuser"
	"scriptguard/internal/diag"
	"scriptguard/internal/intercept"
)

// jsFunc 页面中的原始函数
type jsFunc struct {
	p    *Page
	obj  *goja.Object
	call goja.Callable
	src  string
}

func (f *jsFunc) Call(this any, args []any) (any, error) {
	res, err := f.call(f.p.value(this), f.p.values(args)...)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *jsFunc) Construct(args []any) (any, error) {
	ctor, ok := goja.AssertConstructor(f.obj)
	if !ok {
		return nil, intercept.ErrNotConstructible
	}
	obj, err := ctor(nil, f.p.values(args)...)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Constructible 对应 fn.prototype?.constructor === fn
func (f *jsFunc) Constructible() bool {
	proto, ok := f.obj.Get("prototype").(*goja.Object)
	if !ok {
		return false
	}
	ctor := proto.Get("constructor")
	return ctor != nil && ctor.SameAs(f.obj)
}

func (f *jsFunc) Source() string { return f.src }

func (p *Page) value(v any) goja.Value {
	switch x := v.(type) {
	case nil:
		return goja.Undefined()
	case goja.Value:
		return x
	}
	return p.rt.ToValue(v)
}

func (p *Page) values(args []any) []goja.Value {
	out := make([]goja.Value, len(args))
	for i, a := range args {
		out[i] = p.value(a)
	}
	return out
}

func anys(args []goja.Value) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

// throw 将错误作为页面异常抛出
func (p *Page) throw(err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex)
	}
	panic(p.rt.NewGoError(err))
}

// walk 沿点分路径解析到属性所在对象
func (p *Page) walk(path string) (owner *goja.Object, prop string, err error) {
	segs := strings.Split(path, ".")
	owner = p.rt.GlobalObject()
	for _, s := range segs[:len(segs)-1] {
		var v goja.Value
		if ex := p.rt.Try(func() { v = owner.Get(s) }); ex != nil {
			return nil, "", ex
		}
		next, ok := v.(*goja.Object)
		if !ok {
			return nil, "", fmt.Errorf("%w: %s", intercept.ErrUnresolved, path)
		}
		owner = next
	}
	return owner, segs[len(segs)-1], nil
}

// Resolve 解析点分路径上的函数
func (p *Page) Resolve(path string) (intercept.Target, error) {
	owner, prop, err := p.walk(path)
	if err != nil {
		return nil, err
	}
	var v goja.Value
	if ex := p.rt.Try(func() { v = owner.Get(prop) }); ex != nil {
		return nil, ex
	}
	call, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s", intercept.ErrNotCallable, path)
	}
	src, err := p.functionToString(v)
	if err != nil {
		return nil, err
	}
	return &jsFunc{p: p, obj: v.(*goja.Object), call: call, src: src}, nil
}

// Install 以 Proxy 替换路径上的函数，toString 仍返回原始源码
func (p *Page) Install(path string, w *intercept.Wrapper) error {
	fn, ok := w.Target().(*jsFunc)
	if !ok || fn.p != p {
		return fmt.Errorf("page: foreign target for %s", path)
	}
	owner, prop, err := p.walk(path)
	if err != nil {
		return err
	}
	src := w.String()
	toString := p.rt.ToValue(func(goja.FunctionCall) goja.Value { return p.rt.ToValue(src) })
	traps := &goja.ProxyTrapConfig{
		Apply: func(_ *goja.Object, this goja.Value, args []goja.Value) goja.Value {
			res, err := w.Call(this, anys(args))
			if err != nil {
				p.throw(err)
			}
			return p.value(res)
		},
		Get: func(target *goja.Object, name string, _ goja.Value) goja.Value {
			if name == "toString" {
				return toString
			}
			if v := target.Get(name); v != nil {
				return v
			}
			return goja.Undefined()
		},
	}
	if w.Constructible() {
		traps.Construct = func(_ *goja.Object, args []goja.Value, _ *goja.Object) *goja.Object {
			res, err := w.Construct(anys(args))
			if err != nil {
				p.throw(err)
			}
			if obj, ok := res.(*goja.Object); ok {
				return obj
			}
			return p.rt.NewObject()
		}
	}
	proxy := p.rt.NewProxy(fn.obj, traps)
	if ex := p.rt.Try(func() { err = owner.Set(prop, p.rt.ToValue(proxy)) }); ex != nil {
		return ex
	}
	if err != nil {
		return err
	}
	p.log.Debug("已安装拦截", "path", path)
	return nil
}

func (p *Page) functionToString(v goja.Value) (string, error) {
	res, err := p.fnString(v)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// Kind 调用参数的类别
func (p *Page) Kind(v any) defuser.ArgKind {
	val := p.value(v)
	if _, ok := goja.AssertFunction(val); ok {
		return defuser.ArgFunction
	}
	if _, ok := val.(*goja.Object); ok {
		return defuser.ArgObject
	}
	return defuser.ArgPrimitive
}

// Method 读取对象方法，getter 抛出的异常作为错误返回
func (p *Page) Method(obj any, name string) (any, bool, error) {
	o, ok := p.value(obj).(*goja.Object)
	if !ok {
		return nil, false, nil
	}
	var m goja.Value
	if ex := p.rt.Try(func() { m = o.Get(name) }); ex != nil {
		return nil, false, ex
	}
	if _, ok := goja.AssertFunction(m); !ok {
		return nil, false, nil
	}
	return m, true, nil
}

// Stringify 等价于 String(v)
func (p *Page) Stringify(v any) (s string, err error) {
	val := p.value(v)
	if ex := p.rt.Try(func() { s = val.String() }); ex != nil {
		return "", ex
	}
	return s, nil
}

func (p *Page) IsWindow(v any) bool   { return p.value(v).SameAs(p.rt.GlobalObject()) }
func (p *Page) IsDocument(v any) bool { return p.value(v).SameAs(p.document) }

func (p *Page) Matches(v any, sel string) (bool, error) {
	n := p.nodeOf(p.value(v))
	if n == nil {
		return false, nil
	}
	s, err := p.selector(sel)
	if err != nil {
		return false, err
	}
	return s.Match(n), nil
}

func (p *Page) QueryAll(sel string) ([]any, error) {
	s, err := p.selector(sel)
	if err != nil {
		return nil, err
	}
	nodes := s.MatchAll(p.root)
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = p.wrap(n)
	}
	return out, nil
}

func (p *Page) SameAs(a, b any) bool { return p.value(a).SameAs(p.value(b)) }

func (p *Page) Describe(v any) string {
	switch {
	case p.IsWindow(v):
		return "window"
	case p.IsDocument(v):
		return "document"
	}
	if n := p.nodeOf(p.value(v)); n != nil {
		return describe(n)
	}
	return "?"
}

// Primitives 诊断通道在初始化时捕获的原语
func (p *Page) Primitives() diag.Primitives {
	return diag.Primitives{
		FunctionToString: func(v any) (string, error) { return p.functionToString(p.value(v)) },
		Now:              func() time.Time { return p.now() },
		Location:         func() (string, string) { return p.hostname, p.href },
		RequestIdle:      func(fn func()) int { return p.schedule(taskIdle, fn) },
		CancelIdle:       p.cancel,
		RequestFrame:     func(fn func()) int { return p.schedule(taskFrame, fn) },
		CancelFrame:      p.cancel,
		Print:            p.print,
	}
}
