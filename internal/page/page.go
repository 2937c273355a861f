// Package page 基于 goja 的页面宿主：提供最小化的 window/document/EventTarget 环境，
// 供拦截层解析与替换全局函数，并驱动文档就绪状态。
//
// goja 运行时不是并发安全的，导出的入口方法（Run、SetReadyState、Dispatch、Do 等）
// 在页面锁内执行；拦截处理过程中回调宿主的方法不再加锁。
package page

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"golang.org/x/net/html"

	"scriptguard/internal/activation"
	"scriptguard/internal/logger"
	"scriptguard/internal/lifecycle"
	"scriptguard/pkg/model"
)

var (
	ErrUnknownState  = errors.New("page: unknown ready state")
	ErrUnknownTarget = errors.New("page: unknown event target")
)

// Config 页面配置
type Config struct {
	URL string
	// Ancestors 祖先帧来源，由近及远
	Ancestors  []string
	HTML       string
	ReadyState model.ReadyState
	Logger     logger.Logger
	Now        func() time.Time
}

// FromModel 由对外配置构造页面配置
func FromModel(c model.PageConfig, log logger.Logger) Config {
	return Config{URL: c.URL, Ancestors: c.Ancestors, HTML: c.HTML, ReadyState: c.ReadyState, Logger: log}
}

type protos struct {
	eventTarget *goja.Object
	element     *goja.Object
	document    *goja.Object
}

// Page goja 页面宿主
type Page struct {
	mu  sync.Mutex
	rt  *goja.Runtime
	log logger.Logger
	now func() time.Time

	href      string
	hostname  string
	origin    string
	ancestors []string

	state  string
	subs   map[int]func()
	nextID int

	protos   protos
	document *goja.Object
	fnString goja.Callable

	root      *html.Node
	byNode    map[*html.Node]*goja.Object
	byObj     map[*goja.Object]*html.Node
	selectors map[string]cssSelector

	listeners map[*goja.Object]map[string][]listener

	tasks    []task
	nextTask int

	consoleMu sync.Mutex
	console   []string
}

// New 创建页面
func New(cfg Config) (*Page, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("解析页面地址失败: %w", err)
	}
	root, err := html.Parse(strings.NewReader(cfg.HTML))
	if err != nil {
		return nil, fmt.Errorf("解析页面文档失败: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	state := string(cfg.ReadyState)
	if state == "" {
		state = string(model.ReadyStateLoading)
	}
	if lifecycle.Ordinal(state) == lifecycle.None {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, state)
	}

	p := &Page{
		rt:        goja.New(),
		log:       cfg.Logger.With("url", cfg.URL),
		now:       cfg.Now,
		href:      u.String(),
		hostname:  u.Hostname(),
		origin:    originOf(u),
		ancestors: cfg.Ancestors,
		state:     state,
		subs:      make(map[int]func()),
		root:      root,
		byNode:    make(map[*html.Node]*goja.Object),
		byObj:     make(map[*goja.Object]*html.Node),
		selectors: make(map[string]cssSelector),
		listeners: make(map[*goja.Object]map[string][]listener),
	}
	if strings.HasPrefix(u.Host, "[") {
		p.hostname = "[" + p.hostname + "]"
	}
	if err := p.bootstrap(); err != nil {
		return nil, fmt.Errorf("初始化页面环境失败: %w", err)
	}
	return p, nil
}

func originOf(u *url.URL) string {
	if u.Scheme == "" || u.Host == "" {
		return "null"
	}
	return u.Scheme + "://" + u.Host
}

const bootstrapJS = `(function (g) {
	class EventTarget {}
	class Node extends EventTarget {}
	class Element extends Node {}
	class HTMLElement extends Element {}
	class Document extends Node {}
	class Window extends EventTarget {}
	Object.setPrototypeOf(g, Window.prototype);
	Object.assign(g, { EventTarget, Node, Element, HTMLElement, Document, Window });
	g.window = g;
	g.self = g;
})(globalThis);`

func (p *Page) bootstrap() error {
	rt := p.rt
	if _, err := rt.RunString(bootstrapJS); err != nil {
		return err
	}
	proto := func(name string) *goja.Object {
		return rt.Get(name).ToObject(rt).Get("prototype").ToObject(rt)
	}
	p.protos = protos{
		eventTarget: proto("EventTarget"),
		element:     proto("HTMLElement"),
		document:    proto("Document"),
	}
	fp := rt.Get("Function").ToObject(rt).Get("prototype").ToObject(rt)
	fts, ok := goja.AssertFunction(fp.Get("toString"))
	if !ok {
		return errors.New("Function.prototype.toString unavailable")
	}
	p.fnString = fts

	if err := p.installEventTarget(); err != nil {
		return err
	}
	if err := p.installDocument(); err != nil {
		return err
	}
	return p.installGlobals()
}

func (p *Page) installGlobals() error {
	g := p.rt.GlobalObject()
	console := p.rt.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		p.print(strings.Join(parts, " "))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	defs := map[string]any{
		"console": console,
		"requestIdleCallback": func(call goja.FunctionCall) goja.Value {
			return p.rt.ToValue(p.schedule(taskIdle, p.callback(call.Argument(0))))
		},
		"cancelIdleCallback": func(call goja.FunctionCall) goja.Value {
			p.cancel(int(call.Argument(0).ToInteger()))
			return goja.Undefined()
		},
		"requestAnimationFrame": func(call goja.FunctionCall) goja.Value {
			return p.rt.ToValue(p.schedule(taskFrame, p.callback(call.Argument(0))))
		},
		"cancelAnimationFrame": func(call goja.FunctionCall) goja.Value {
			p.cancel(int(call.Argument(0).ToInteger()))
			return goja.Undefined()
		},
	}
	for k, v := range defs {
		if err := g.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// callback 将页面回调包装为任务，异常只记录日志
func (p *Page) callback(v goja.Value) func() {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return func() {}
	}
	return func() {
		if _, err := fn(goja.Undefined()); err != nil {
			p.log.Warn("页面回调异常", "error", err.Error())
		}
	}
}

func (p *Page) print(text string) {
	p.consoleMu.Lock()
	p.console = append(p.console, text)
	p.consoleMu.Unlock()
	p.log.Info("页面输出", "text", text)
}

// Console 页面控制台输出
func (p *Page) Console() []string {
	p.consoleMu.Lock()
	defer p.consoleMu.Unlock()
	return append([]string(nil), p.console...)
}

// Runtime 底层运行时，仅在 Do 内使用
func (p *Page) Runtime() *goja.Runtime { return p.rt }

// Do 在页面锁内执行 fn
func (p *Page) Do(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn()
}

// Run 执行页面脚本
func (p *Page) Run(src string) (goja.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rt.RunString(src)
}

// URL 页面地址
func (p *Page) URL() string { return p.href }

// Origins 当前帧及祖先帧的来源
func (p *Page) Origins() []activation.Origin {
	return activation.OriginsFromLocation(p.origin, p.ancestors)
}

// ReadyState 当前就绪状态
func (p *Page) ReadyState() string { return p.state }

// OnReadyStateChange 订阅就绪状态变更
func (p *Page) OnReadyStateChange(fn func()) func() {
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	return func() { delete(p.subs, id) }
}

// SetReadyState 推进就绪状态并派发 readystatechange 等事件
func (p *Page) SetReadyState(state model.ReadyState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setReadyState(string(state))
}

func (p *Page) setReadyState(state string) error {
	if lifecycle.Ordinal(state) == lifecycle.None {
		return fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
	if state == p.state {
		return nil
	}
	p.state = state
	p.log.Debug("就绪状态变更", "state", state)

	ids := make([]int, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := p.subs[id]; ok {
			fn()
		}
	}

	errs := []error{p.dispatch(p.document, "readystatechange")}
	switch state {
	case string(model.ReadyStateInteractive):
		errs = append(errs, p.dispatch(p.document, "DOMContentLoaded"))
	case string(model.ReadyStateComplete):
		errs = append(errs, p.dispatch(p.rt.GlobalObject(), "load"))
	}
	return errors.Join(errs...)
}
