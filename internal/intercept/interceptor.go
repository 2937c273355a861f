// Package intercept 为宿主环境中的任意全局可调用对象安装拦截包装。
//
// 宿主通过 Environment 暴露点分路径解析与替换能力，拦截层本身不依赖具体运行时。
// 每个包装器为调用与构造两个陷阱各维护一个上下文对象池，热路径不做分配。
// 安装过程中的任何失败都静默降级为不安装，保持页面原有行为。
package intercept

import (
	"errors"
	"fmt"

	"scriptguard/internal/logger"
)

var (
	// ErrUnresolved 点分路径无法解析
	ErrUnresolved = errors.New("intercept: path does not resolve")
	// ErrNotCallable 路径终点不是可调用对象
	ErrNotCallable = errors.New("intercept: target is not callable")
)

// Target 宿主中被拦截的原始可调用对象
type Target interface {
	Call(this any, args []any) (any, error)
	Construct(args []any) (any, error)
	Constructible() bool
	// Source 原始对象的字符串表示
	Source() string
}

// Environment 宿主环境提供的解析与安装能力
type Environment interface {
	Resolve(path string) (Target, error)
	Install(path string, w *Wrapper) error
}

// Handler 拦截处理函数：调用 inv.Reflect() 透传，或直接返回替代结果
type Handler func(inv Invocation) (any, error)

// Descriptor 拦截能力描述
type Descriptor struct {
	Path string
	Kind Kind
}

// Wrapper 拦截包装器，对外表现与原始对象一致
type Wrapper struct {
	path    string
	target  Target
	handler Handler
	calls   Pool
	ctors   Pool
}

// NewWrapper 创建包装器
func NewWrapper(path string, target Target, h Handler) *Wrapper {
	return &Wrapper{path: path, target: target, handler: h}
}

// Path 拦截路径
func (w *Wrapper) Path() string { return w.path }

// Target 被包装的原始对象
func (w *Wrapper) Target() Target { return w.target }

// String 返回原始对象的字符串表示，不暴露拦截层
func (w *Wrapper) String() string { return w.target.Source() }

// Constructible 原始对象是否可构造
func (w *Wrapper) Constructible() bool { return w.target.Constructible() }

// CallPool 调用陷阱的上下文池
func (w *Wrapper) CallPool() *Pool { return &w.calls }

// ConstructPool 构造陷阱的上下文池
func (w *Wrapper) ConstructPool() *Pool { return &w.ctors }

// Call 调用陷阱
func (w *Wrapper) Call(this any, args []any) (any, error) {
	return w.dispatch(w.calls.get().init(KindCall, w.target, this, args))
}

// Construct 构造陷阱
func (w *Wrapper) Construct(args []any) (any, error) {
	if !w.target.Constructible() {
		return nil, ErrNotConstructible
	}
	return w.dispatch(w.ctors.get().init(KindConstruct, w.target, nil, args))
}

func (w *Wrapper) dispatch(inv Invocation) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			// 处理函数异常时放行原始调用
			if inv.Live() {
				res, err = inv.Reflect()
				return
			}
			inv.release()
			res, err = nil, nil
		}
	}()
	res, err = w.handler(inv)
	inv.release()
	return res, err
}

// Intercept 按描述安装拦截；任何失败都退化为不安装
func Intercept(env Environment, d Descriptor, h Handler, log logger.Logger) (w *Wrapper, ok bool) {
	if log == nil {
		log = logger.NewNop()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Debug("安装拦截异常，保持原状", "path", d.Path, "panic", fmt.Sprint(r))
			w, ok = nil, false
		}
	}()
	t, err := env.Resolve(d.Path)
	if err != nil {
		log.Debug("拦截路径不可用", "path", d.Path, "error", err)
		return nil, false
	}
	if d.Kind == KindConstruct && !t.Constructible() {
		log.Debug("拦截目标不可构造", "path", d.Path)
		return nil, false
	}
	w = NewWrapper(d.Path, t, h)
	if err := env.Install(d.Path, w); err != nil {
		log.Debug("替换拦截目标失败", "path", d.Path, "error", err)
		return nil, false
	}
	return w, true
}

// ApplyFn 拦截路径上的函数调用（目标可构造时同时拦截构造）
func ApplyFn(env Environment, path string, h Handler, log logger.Logger) (*Wrapper, bool) {
	return Intercept(env, Descriptor{Path: path, Kind: KindCall}, h, log)
}
