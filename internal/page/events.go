package page

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// listener 已注册的事件监听，fn 为空表示对象形式（handleEvent）
type listener struct {
	value goja.Value
	fn    goja.Callable
}

func (p *Page) installEventTarget() error {
	et := p.protos.eventTarget
	if err := et.Set("addEventListener", p.addEventListener); err != nil {
		return err
	}
	if err := et.Set("removeEventListener", p.removeEventListener); err != nil {
		return err
	}
	return et.Set("dispatchEvent", func(call goja.FunctionCall) goja.Value {
		target := p.thisObject(call.This)
		evt := call.Argument(0)
		obj, ok := evt.(*goja.Object)
		if !ok {
			panic(p.rt.NewTypeError("parameter 1 is not of type 'Event'"))
		}
		if err := p.fire(target, obj.Get("type").String(), obj); err != nil {
			p.log.Warn("事件监听异常", "error", err.Error())
		}
		return p.rt.ToValue(true)
	})
}

func (p *Page) thisObject(v goja.Value) *goja.Object {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return p.rt.GlobalObject()
	}
	return v.ToObject(p.rt)
}

func (p *Page) addEventListener(call goja.FunctionCall) goja.Value {
	target := p.thisObject(call.This)
	typ := call.Argument(0).String()
	value := call.Argument(1)
	if goja.IsUndefined(value) || goja.IsNull(value) {
		return goja.Undefined()
	}
	l := listener{value: value}
	if fn, ok := goja.AssertFunction(value); ok {
		l.fn = fn
	} else if _, ok := value.(*goja.Object); !ok {
		panic(p.rt.NewTypeError("parameter 2 is not of type 'Object'"))
	}
	byType := p.listeners[target]
	if byType == nil {
		byType = make(map[string][]listener)
		p.listeners[target] = byType
	}
	for _, existing := range byType[typ] {
		if existing.value.SameAs(value) {
			return goja.Undefined()
		}
	}
	byType[typ] = append(byType[typ], l)
	return goja.Undefined()
}

func (p *Page) removeEventListener(call goja.FunctionCall) goja.Value {
	target := p.thisObject(call.This)
	typ := call.Argument(0).String()
	value := call.Argument(1)
	ls := p.listeners[target][typ]
	for i, l := range ls {
		if l.value.SameAs(value) {
			p.listeners[target][typ] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	return goja.Undefined()
}

func (p *Page) newEvent(typ string, target *goja.Object) *goja.Object {
	evt := p.rt.NewObject()
	_ = evt.Set("type", typ)
	_ = evt.Set("target", target)
	_ = evt.Set("currentTarget", target)
	_ = evt.Set("defaultPrevented", false)
	_ = evt.Set("timeStamp", p.now().UnixMilli())
	_ = evt.Set("preventDefault", func(goja.FunctionCall) goja.Value {
		_ = evt.Set("defaultPrevented", true)
		return goja.Undefined()
	})
	return evt
}

// fire 依次调用监听，单个监听的异常不影响后续监听
func (p *Page) fire(target *goja.Object, typ string, evt *goja.Object) error {
	ls := append([]listener(nil), p.listeners[target][typ]...)
	var errs []error
	for _, l := range ls {
		var err error
		if l.fn != nil {
			_, err = l.fn(target, evt)
		} else {
			obj := l.value.(*goja.Object)
			if h, ok := goja.AssertFunction(obj.Get("handleEvent")); ok {
				_, err = h(obj, evt)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s listener: %w", typ, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Page) dispatch(target *goja.Object, typ string) error {
	return p.fire(target, typ, p.newEvent(typ, target))
}

// lookup 将目标描述解析为页面对象：window、document 或选择器命中的首个元素
func (p *Page) lookup(target string) (*goja.Object, error) {
	switch target {
	case "window", "":
		return p.rt.GlobalObject(), nil
	case "document":
		return p.document, nil
	}
	sel, err := p.selector(target)
	if err != nil {
		return nil, err
	}
	n := sel.MatchFirst(p.root)
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return p.wrap(n), nil
}

// Dispatch 在目标上派发事件
func (p *Page) Dispatch(target, typ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(target)
	if err != nil {
		return err
	}
	return p.dispatch(obj, typ)
}

// Listeners 目标上某类事件的监听数量
func (p *Page) Listeners(target, typ string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, err := p.lookup(target)
	if err != nil {
		return 0, err
	}
	return len(p.listeners[obj][typ]), nil
}

type taskKind int

const (
	taskFrame taskKind = iota
	taskIdle
)

type task struct {
	id   int
	kind taskKind
	fn   func()
}

func (p *Page) schedule(kind taskKind, fn func()) int {
	p.nextTask++
	p.tasks = append(p.tasks, task{id: p.nextTask, kind: kind, fn: fn})
	return p.nextTask
}

func (p *Page) cancel(id int) {
	for i, t := range p.tasks {
		if t.id == id {
			p.tasks = append(p.tasks[:i:i], p.tasks[i+1:]...)
			return
		}
	}
}

// maxFlushRounds 回调内不断重新调度时的轮数上限
const maxFlushRounds = 16

// FlushIdle 执行排队的帧回调与空闲回调，帧回调优先
func (p *Page) FlushIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ran := 0
	for round := 0; round < maxFlushRounds && len(p.tasks) != 0; round++ {
		batch := p.tasks
		p.tasks = nil
		for _, kind := range []taskKind{taskFrame, taskIdle} {
			for _, t := range batch {
				if t.kind == kind {
					t.fn()
					ran++
				}
			}
		}
	}
	return ran
}
