// Package defuser 实现 addEventListener-defuser 脚本片段：
// 拦截页面的事件监听注册，按事件类型与处理函数源码匹配后丢弃注册。
package defuser

import (
	"errors"
	"fmt"
	"time"

	"scriptguard/internal/diag"
	"scriptguard/internal/intercept"
	"scriptguard/internal/lifecycle"
	"scriptguard/internal/logger"
	"scriptguard/internal/pattern"
	"scriptguard/pkg/model"
)

const (
	// Name 脚本片段名
	Name = "addEventListener-defuser"
	// Alias 脚本片段别名
	Alias = "aeld"
	// LogName 日志前缀中使用的名称
	LogName = "prevent-addEventListener"
)

// 拦截路径，两条路径共用同一个处理函数
var Paths = []string{
	"EventTarget.prototype.addEventListener",
	"document.addEventListener",
}

// 保留的元素标记
const (
	TokenWindow   = "window"
	TokenDocument = "document"
)

var ErrNilHost = errors.New("defuser: nil host")

// ArgKind 调用参数的类别
type ArgKind int

const (
	ArgPrimitive ArgKind = iota
	ArgFunction
	ArgObject
)

// Host 宿主提供的页面能力
type Host interface {
	intercept.Environment
	lifecycle.Document

	Kind(v any) ArgKind
	// Method 读取对象上的方法，非函数时 ok 为 false
	Method(obj any, name string) (fn any, ok bool, err error)
	// Stringify 等价于 String(v)，可能抛出
	Stringify(v any) (string, error)

	IsWindow(v any) bool
	IsDocument(v any) bool
	Matches(v any, selector string) (bool, error)
	QueryAll(selector string) ([]any, error)
	SameAs(a, b any) bool
	// Describe 元素的简要描述，用于日志
	Describe(v any) string
}

// Break 调试断点信息
type Break struct {
	Rule    model.RuleID
	Type    string
	Handler string
	Both    bool
}

// Options 安装选项
type Options struct {
	Rule model.RuleID
	Page model.PageID
	// Observe 接收拦截事件，不得阻塞
	Observe func(model.Event)
	// OnBreak 调试断点回调，仅在诊断通道允许调试时触发
	OnBreak func(Break)
	Logger  logger.Logger
}

// text 提取出的文本，ok 为 false 表示 undefined
type text struct {
	s  string
	ok bool
}

func (t text) String() string {
	if !t.ok {
		return "undefined"
	}
	return t.s
}

// Defuser 单条规则的拦截状态
type Defuser struct {
	host      Host
	safe      *diag.Channel
	opts      Options
	log       logger.Logger
	typ       string
	pat       string
	prefix    string
	reType    pattern.Matcher
	reHandler pattern.Matcher
	selector  string
	debug     int
	wrappers  []*intercept.Wrapper
}

// Install 解析规则参数并在文档就绪阶段满足 runAt 后安装拦截
func Install(host Host, safe *diag.Channel, args model.RuleArgs, opts Options) (*Defuser, error) {
	if host == nil {
		return nil, ErrNilHost
	}
	d := New(host, safe, args, opts)
	var when any
	if v, ok := args.Extra["runAt"]; ok && v.Set {
		when = v.String()
	}
	lifecycle.RunAt(host, d.install, when)
	return d, nil
}

// New 构造拦截状态但不安装
func New(host Host, safe *diag.Channel, args model.RuleArgs, opts Options) *Defuser {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	d := &Defuser{
		host:      host,
		safe:      safe,
		opts:      opts,
		log:       log.With("rule", int(opts.Rule), "scriptlet", Name),
		typ:       args.Arg(0),
		pat:       args.Arg(1),
		reType:    pattern.ToRegex(args.Arg(0), "", true),
		reHandler: pattern.ToRegex(args.Arg(1), "", false),
	}
	if safe != nil {
		d.prefix = safe.MakeLogPrefix(LogName, d.typ, d.pat)
		if safe.CanDebug() {
			d.debug = args.ExtraInt("debug")
		}
	}
	if sel, ok := args.ExtraString("elements"); ok {
		d.selector = sel
	}
	return d
}

// Installed 已安装的包装器
func (d *Defuser) Installed() []*intercept.Wrapper { return d.wrappers }

func (d *Defuser) install() {
	for _, path := range Paths {
		if w, ok := intercept.ApplyFn(d.host, path, d.Handle, d.log); ok {
			d.wrappers = append(d.wrappers, w)
		}
	}
	d.log.Debug("事件监听拦截已安装", "paths", len(d.wrappers), "type", d.typ, "pattern", d.pat)
	d.emit(model.EventInstalled, text{}, text{}, "")
}

// Handle 拦截处理函数
func (d *Defuser) Handle(inv intercept.Invocation) (any, error) {
	this := inv.This()
	t, h := d.extract(inv)
	if d.typ == "" && d.pat == "" {
		details := d.host.Describe(this)
		d.logf("Called: %s\n%s\n%s", t, h, details)
		d.emit(model.EventLogged, t, h, details)
		return inv.Reflect()
	}
	if d.shouldPrevent(this, t, h) {
		details := d.host.Describe(this)
		d.logf("Prevented: %s\n%s\n%s", t, h, details)
		d.emit(model.EventSuppressed, t, h, details)
		return nil, nil
	}
	d.emit(model.EventPassed, t, h, "")
	return inv.Reflect()
}

// extract 提取事件类型与处理函数文本，失败时保持 undefined
func (d *Defuser) extract(inv intercept.Invocation) (t, h text) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Debug("提取调用参数异常", "panic", fmt.Sprint(r))
		}
	}()
	s, err := d.host.Stringify(inv.Arg(0))
	if err != nil {
		return t, h
	}
	t = text{s: s, ok: true}

	arg := inv.Arg(1)
	switch d.host.Kind(arg) {
	case ArgFunction:
		h = d.source(arg)
	case ArgObject:
		fn, ok, err := d.host.Method(arg, "handleEvent")
		if err == nil && ok {
			h = d.source(fn)
		}
	default:
		if s, err := d.host.Stringify(arg); err == nil {
			h = text{s: s, ok: true}
		}
	}
	return t, h
}

func (d *Defuser) source(fn any) text {
	if d.safe == nil {
		return text{}
	}
	s, err := d.safe.FunctionToString(fn)
	if err != nil {
		return text{}
	}
	return text{s: s, ok: true}
}

func (d *Defuser) test(m pattern.Matcher, t text) bool {
	if !t.ok {
		return m.IsMatchAll()
	}
	return m.Test(t.s)
}

func (d *Defuser) shouldPrevent(this any, t, h text) bool {
	matchesType := d.test(d.reType, t)
	matchesHandler := d.test(d.reHandler, h)
	both := matchesType && matchesHandler
	either := matchesType || matchesHandler
	if (d.debug == 1 && both) || (d.debug == 2 && either) {
		if d.opts.OnBreak != nil {
			d.opts.OnBreak(Break{Rule: d.opts.Rule, Type: t.String(), Handler: h.String(), Both: both})
		}
	}
	if both && d.selector != "" && !d.elementMatches(this) {
		return false
	}
	return both
}

func (d *Defuser) elementMatches(elem any) bool {
	switch d.selector {
	case TokenWindow:
		return d.host.IsWindow(elem)
	case TokenDocument:
		return d.host.IsDocument(elem)
	}
	if ok, err := d.host.Matches(elem, d.selector); err == nil && ok {
		return true
	}
	elems, err := d.host.QueryAll(d.selector)
	if err != nil {
		d.log.Debug("元素选择器无效", "selector", d.selector, "error", err)
		return false
	}
	for _, e := range elems {
		if d.host.SameAs(e, elem) {
			return true
		}
	}
	return false
}

func (d *Defuser) logf(format string, args ...any) {
	if d.safe == nil || d.prefix == "" {
		return
	}
	d.safe.Log(d.prefix, fmt.Sprintf(format, args...))
}

func (d *Defuser) emit(typ string, t, h text, target string) {
	if d.opts.Observe == nil {
		return
	}
	evt := model.Event{
		Type:      typ,
		Page:      d.opts.Page,
		Rule:      d.opts.Rule,
		Target:    target,
		Timestamp: time.Now().UnixMilli(),
	}
	if t.ok {
		evt.EventType = t.s
	}
	if h.ok {
		evt.Handler = h.s
	}
	d.opts.Observe(evt)
}
