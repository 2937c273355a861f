package intercept

import "errors"

var (
	// ErrReleased 调用上下文已回收，不能再次透传
	ErrReleased = errors.New("intercept: invocation already released")
	// ErrNotConstructible 目标不支持构造调用
	ErrNotConstructible = errors.New("intercept: target is not constructible")
)

// Kind 调用形式
type Kind int

const (
	KindCall Kind = iota
	KindConstruct
)

func (k Kind) String() string {
	if k == KindConstruct {
		return "construct"
	}
	return "call"
}

type invState uint8

const (
	stateIdle invState = iota
	stateLive
	stateReflecting
)

// record 池化的调用上下文记录，gen 在每次回收时递增
type record struct {
	kind   Kind
	target Target
	this   any
	args   []any
	state  invState
	gen    uint64
	pool   *Pool
}

func (r *record) init(kind Kind, target Target, this any, args []any) Invocation {
	r.kind = kind
	r.target = target
	r.this = this
	r.args = args
	r.state = stateLive
	return Invocation{rec: r, gen: r.gen}
}

func (r *record) release() {
	if r.state == stateIdle {
		return
	}
	r.target, r.this, r.args = nil, nil, nil
	r.state = stateIdle
	r.gen++
	if r.pool != nil {
		r.pool.put(r)
	}
}

// Invocation 一次被拦截调用的句柄。
// 处理函数返回后句柄失效，即使底层记录已被后续调用复用；Reflect 只能调用一次。
type Invocation struct {
	rec *record
	gen uint64
}

func (inv Invocation) current() *record {
	if inv.rec == nil || inv.rec.gen != inv.gen {
		return nil
	}
	return inv.rec
}

// Kind 调用形式，句柄失效后返回 KindCall
func (inv Invocation) Kind() Kind {
	if r := inv.current(); r != nil {
		return r.kind
	}
	return KindCall
}

// This 调用的 this，句柄失效后返回 nil
func (inv Invocation) This() any {
	if r := inv.current(); r != nil {
		return r.this
	}
	return nil
}

// Args 调用实参，句柄失效后返回 nil
func (inv Invocation) Args() []any {
	if r := inv.current(); r != nil {
		return r.args
	}
	return nil
}

// Arg 返回第 i 个实参，越界返回 nil
func (inv Invocation) Arg(i int) any {
	args := inv.Args()
	if i < 0 || i >= len(args) {
		return nil
	}
	return args[i]
}

// Live 句柄是否仍可透传
func (inv Invocation) Live() bool {
	r := inv.current()
	return r != nil && r.state == stateLive
}

// Reflect 以原始参数执行被拦截的操作，然后回收底层记录
func (inv Invocation) Reflect() (any, error) {
	r := inv.current()
	if r == nil || r.state != stateLive {
		return nil, ErrReleased
	}
	r.state = stateReflecting
	var (
		res any
		err error
	)
	if r.kind == KindConstruct {
		res, err = r.target.Construct(r.args)
	} else {
		res, err = r.target.Call(r.this, r.args)
	}
	r.release()
	return res, err
}

func (inv Invocation) release() {
	if r := inv.current(); r != nil {
		r.release()
	}
}

// Pool 单个陷阱私有的上下文空闲链表，仅在单线程内使用
type Pool struct {
	free      []*record
	allocated int
}

func (p *Pool) get() *record {
	if n := len(p.free); n != 0 {
		inv := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return inv
	}
	p.allocated++
	return &record{pool: p}
}

func (p *Pool) put(r *record) {
	p.free = append(p.free, r)
}

// Len 当前空闲上下文数量
func (p *Pool) Len() int { return len(p.free) }

// Allocated 累计分配的上下文数量
func (p *Pool) Allocated() int { return p.allocated }
