// Package engine 将规则表应用到页面：解析激活规则，按脚本片段名安装拦截。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scriptguard/internal/activation"
	"scriptguard/internal/defuser"
	"scriptguard/internal/diag"
	"scriptguard/internal/logger"
	"scriptguard/pkg/model"
)

// DefaultEventBuffer 事件通道缓冲
const DefaultEventBuffer = 256

var (
	ErrUnknownScriptlet = errors.New("engine: unknown scriptlet")
	ErrNilTable         = errors.New("engine: nil rule table")
)

// Host 页面宿主
type Host interface {
	defuser.Host
	diag.PrimitiveSource
}

// Instance 单条规则的安装上下文
type Instance struct {
	Rule    model.RuleID
	Page    model.PageID
	Observe func(model.Event)
	OnBreak func(defuser.Break)
	Logger  logger.Logger
}

// Scriptlet 脚本片段安装函数
type Scriptlet func(host Host, safe *diag.Channel, args model.RuleArgs, inst Instance) error

// Registry 脚本片段注册表
type Registry struct {
	mu    sync.RWMutex
	items map[string]Scriptlet
}

// NewRegistry 创建注册表并注册内置脚本片段
func NewRegistry() *Registry {
	r := &Registry{items: make(map[string]Scriptlet)}
	r.Register(installDefuser, defuser.Name, defuser.Alias)
	return r
}

// Register 以名称及别名注册脚本片段
func (r *Registry) Register(s Scriptlet, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.items[n] = s
	}
}

// Lookup 查找脚本片段，兼容带 .js 后缀的名称
func (r *Registry) Lookup(name string) (Scriptlet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[name]
	if !ok && len(name) > 3 && name[len(name)-3:] == ".js" {
		s, ok = r.items[name[:len(name)-3]]
	}
	return s, ok
}

func installDefuser(host Host, safe *diag.Channel, args model.RuleArgs, inst Instance) error {
	_, err := defuser.Install(host, safe, args, defuser.Options{
		Rule:    inst.Rule,
		Page:    inst.Page,
		Observe: inst.Observe,
		OnBreak: inst.OnBreak,
		Logger:  inst.Logger,
	})
	return err
}

// Options 引擎选项
type Options struct {
	Page     model.PageID
	Registry *Registry
	Globals  *diag.Globals
	OnBreak  func(defuser.Break)
	Logger   logger.Logger
	// EventBuffer 事件通道容量，满时丢弃
	EventBuffer int
}

// Engine 单个执行上下文的规则引擎
type Engine struct {
	page     model.PageID
	registry *Registry
	globals  *diag.Globals
	onBreak  func(defuser.Break)
	log      logger.Logger
	events   chan model.Event

	mu    sync.Mutex
	stats model.EngineStats
}

// New 创建引擎
func New(opts Options) *Engine {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Globals == nil {
		opts.Globals = &diag.Globals{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	return &Engine{
		page:     opts.Page,
		registry: opts.Registry,
		globals:  opts.Globals,
		onBreak:  opts.OnBreak,
		log:      opts.Logger.With("page", string(opts.Page)),
		events:   make(chan model.Event, opts.EventBuffer),
		stats:    model.EngineStats{ByRule: make(map[model.RuleID]int64)},
	}
}

// Events 拦截事件流
func (e *Engine) Events() <-chan model.Event { return e.events }

// Apply 解析当前上下文的激活规则并逐条安装，返回已安装的规则序号。
// 单条规则的失败只记录日志，不影响其他规则。
func (e *Engine) Apply(ctx context.Context, host Host, table *model.RuleTable, origins []activation.Origin) ([]model.RuleID, error) {
	if table == nil {
		return nil, ErrNilTable
	}
	scriptlet, ok := e.registry.Lookup(table.Scriptlet)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScriptlet, table.Scriptlet)
	}
	ids := activation.NewResolver(table).Resolve(origins)
	if len(ids) == 0 {
		e.log.Debug("无激活规则", "origins", len(origins))
		return nil, nil
	}
	safe := e.globals.Safe(host)

	applied := make([]model.RuleID, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if int(id) < 0 || int(id) >= len(table.ArgsList) {
			e.log.Warn("规则序号越界", "rule", int(id))
			continue
		}
		args := model.ParseRuleArgs(table.ArgsList[id], 2)
		if err := e.install(scriptlet, host, safe, id, args); err != nil {
			e.log.Err(err, "规则安装失败，保持页面原状", "rule", int(id))
			e.observe(model.Event{Type: model.EventDegraded, Page: e.page, Rule: id, Timestamp: time.Now().UnixMilli()})
			continue
		}
		applied = append(applied, id)
	}
	e.log.Info("规则已应用", "scriptlet", table.Scriptlet, "active", len(ids), "applied", len(applied))
	return applied, nil
}

func (e *Engine) install(s Scriptlet, host Host, safe *diag.Channel, id model.RuleID, args model.RuleArgs) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s(host, safe, args, Instance{
		Rule:    id,
		Page:    e.page,
		Observe: e.observe,
		OnBreak: e.onBreak,
		Logger:  e.log,
	})
}

func (e *Engine) observe(evt model.Event) {
	e.mu.Lock()
	switch evt.Type {
	case model.EventSuppressed:
		e.stats.Total++
		e.stats.Suppressed++
		e.stats.ByRule[evt.Rule]++
	case model.EventPassed, model.EventLogged:
		e.stats.Total++
	}
	e.mu.Unlock()

	select {
	case e.events <- evt:
	default:
	}
}

// Stats 返回统计快照
func (e *Engine) Stats() model.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := model.EngineStats{
		Total:      e.stats.Total,
		Suppressed: e.stats.Suppressed,
		ByRule:     make(map[model.RuleID]int64, len(e.stats.ByRule)),
	}
	for k, v := range e.stats.ByRule {
		out.ByRule[k] = v
	}
	return out
}
