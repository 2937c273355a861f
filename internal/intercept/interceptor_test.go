package intercept

import (
	"errors"
	"testing"
)

// fakeFn 测试用的宿主函数
type fakeFn struct {
	src    string
	ctor   bool
	calls  int
	builds int
	body   func(this any, args []any) (any, error)
}

func (f *fakeFn) Call(this any, args []any) (any, error) {
	f.calls++
	if f.body != nil {
		return f.body(this, args)
	}
	return len(args), nil
}

func (f *fakeFn) Construct(args []any) (any, error) {
	f.builds++
	return map[string]any{"args": args}, nil
}

func (f *fakeFn) Constructible() bool { return f.ctor }
func (f *fakeFn) Source() string      { return f.src }

// fakeEnv 以路径为键的宿主环境
type fakeEnv struct {
	globals   map[string]Target
	installed map[string]*Wrapper
	failWith  error
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{globals: map[string]Target{}, installed: map[string]*Wrapper{}}
}

func (e *fakeEnv) Resolve(path string) (Target, error) {
	t, ok := e.globals[path]
	if !ok {
		return nil, ErrUnresolved
	}
	return t, nil
}

func (e *fakeEnv) Install(path string, w *Wrapper) error {
	if e.failWith != nil {
		return e.failWith
	}
	e.installed[path] = w
	return nil
}

func TestApplyFnMissingPathIsNoop(t *testing.T) {
	env := newFakeEnv()
	if w, ok := ApplyFn(env, "EventTarget.prototype.addEventListener", nil, nil); ok || w != nil {
		t.Fatal("missing path should not install")
	}
	if len(env.installed) != 0 {
		t.Fatal("nothing should be installed")
	}
}

func TestApplyFnInstallFailureFailsOpen(t *testing.T) {
	env := newFakeEnv()
	env.globals["fn"] = &fakeFn{src: "function fn() {}"}
	env.failWith = errors.New("read-only")
	if _, ok := ApplyFn(env, "fn", func(inv Invocation) (any, error) { return inv.Reflect() }, nil); ok {
		t.Fatal("install failure should report not installed")
	}
}

func TestWrapperPreservesSource(t *testing.T) {
	env := newFakeEnv()
	fn := &fakeFn{src: "function addEventListener() { [native code] }"}
	env.globals["fn"] = fn
	w, ok := ApplyFn(env, "fn", func(inv Invocation) (any, error) { return inv.Reflect() }, nil)
	if !ok {
		t.Fatal("install failed")
	}
	if w.String() != fn.src {
		t.Fatalf("String() = %q, want %q", w.String(), fn.src)
	}
}

func TestReflectPassesThrough(t *testing.T) {
	fn := &fakeFn{body: func(this any, args []any) (any, error) {
		return this.(string) + ":" + args[0].(string), nil
	}}
	w := NewWrapper("fn", fn, func(inv Invocation) (any, error) { return inv.Reflect() })
	res, err := w.Call("self", []any{"x"})
	if err != nil || res != "self:x" {
		t.Fatalf("Call = %v, %v", res, err)
	}
	if fn.calls != 1 {
		t.Fatalf("target called %d times", fn.calls)
	}
}

func TestSuppressSkipsTarget(t *testing.T) {
	fn := &fakeFn{}
	w := NewWrapper("fn", fn, func(inv Invocation) (any, error) { return "substitute", nil })
	res, err := w.Call(nil, []any{1})
	if err != nil || res != "substitute" {
		t.Fatalf("Call = %v, %v", res, err)
	}
	if fn.calls != 0 {
		t.Fatal("suppressed call reached the target")
	}
	if w.CallPool().Len() != 1 {
		t.Fatalf("unreflected context not recycled, pool len %d", w.CallPool().Len())
	}
}

func TestReflectTwiceIsRejected(t *testing.T) {
	fn := &fakeFn{}
	var second error
	w := NewWrapper("fn", fn, func(inv Invocation) (any, error) {
		res, err := inv.Reflect()
		_, second = inv.Reflect()
		return res, err
	})
	if _, err := w.Call(nil, nil); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(second, ErrReleased) {
		t.Fatalf("second Reflect err = %v, want ErrReleased", second)
	}
	if fn.calls != 1 {
		t.Fatalf("target called %d times, want 1", fn.calls)
	}
}

func TestPoolRoundTrip(t *testing.T) {
	fn := &fakeFn{}
	var w *Wrapper
	depth := 0
	seen := map[*record]int{}
	fn.body = func(this any, args []any) (any, error) {
		// 递归调用包装器，模拟页面在回调里再次注册
		if depth < 2 {
			depth++
			defer func() { depth-- }()
			return w.Call(nil, args)
		}
		return nil, nil
	}
	w = NewWrapper("fn", fn, func(inv Invocation) (any, error) {
		if !inv.Live() {
			t.Fatal("handler received a released context")
		}
		seen[inv.rec]++
		return inv.Reflect()
	})

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := w.Call(nil, []any{i}); err != nil {
			t.Fatal(err)
		}
		if w.CallPool().Len() > n {
			t.Fatalf("pool grew beyond %d", n)
		}
	}
	if got := w.CallPool().Allocated(); got != 3 {
		t.Errorf("allocated %d contexts, want recursion depth 3", got)
	}
	if got := w.CallPool().Len(); got != 3 {
		t.Errorf("pool holds %d contexts, want 3", got)
	}
	total := 0
	for _, c := range seen {
		total += c
	}
	if total != 3*n {
		t.Errorf("handler ran %d times, want %d", total, 3*n)
	}
}

func TestConstructTrap(t *testing.T) {
	fn := &fakeFn{ctor: true}
	w := NewWrapper("Ctor", fn, func(inv Invocation) (any, error) {
		if inv.Kind() != KindConstruct {
			t.Errorf("kind = %v", inv.Kind())
		}
		return inv.Reflect()
	})
	if _, err := w.Construct([]any{"a"}); err != nil {
		t.Fatal(err)
	}
	if fn.builds != 1 || w.ConstructPool().Len() != 1 || w.CallPool().Len() != 0 {
		t.Fatalf("builds=%d ctorPool=%d callPool=%d", fn.builds, w.ConstructPool().Len(), w.CallPool().Len())
	}

	plain := NewWrapper("fn", &fakeFn{}, func(inv Invocation) (any, error) { return inv.Reflect() })
	if _, err := plain.Construct(nil); !errors.Is(err, ErrNotConstructible) {
		t.Fatalf("Construct on plain function err = %v", err)
	}
}

func TestInterceptConstructDescriptorRequiresCtor(t *testing.T) {
	env := newFakeEnv()
	env.globals["fn"] = &fakeFn{}
	if _, ok := Intercept(env, Descriptor{Path: "fn", Kind: KindConstruct}, nil, nil); ok {
		t.Fatal("construct descriptor on plain function should not install")
	}
}

func TestHandlerPanicFailsOpen(t *testing.T) {
	fn := &fakeFn{}
	w := NewWrapper("fn", fn, func(inv Invocation) (any, error) { panic("boom") })
	res, err := w.Call(nil, []any{1, 2})
	if err != nil || res != 2 {
		t.Fatalf("Call = %v, %v; want pass-through result", res, err)
	}
	if fn.calls != 1 {
		t.Fatal("panicking handler should pass the call through")
	}
}

func TestStaleHandleCannotReflectReusedRecord(t *testing.T) {
	fn := &fakeFn{}
	var (
		stale    Invocation
		staleErr error
		first    = true
	)
	w := NewWrapper("fn", fn, func(inv Invocation) (any, error) {
		if first {
			first = false
			stale = inv
			return "blocked", nil
		}
		// 第二次调用复用了同一条记录，旧句柄必须失效
		if stale.rec != inv.rec {
			t.Fatal("record was not reused")
		}
		if stale.Live() || stale.Arg(0) != nil {
			t.Error("stale handle still exposes the live call")
		}
		_, staleErr = stale.Reflect()
		return inv.Reflect()
	})
	if _, err := w.Call(nil, []any{"a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Call(nil, []any{"b"}); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(staleErr, ErrReleased) {
		t.Fatalf("stale Reflect err = %v, want ErrReleased", staleErr)
	}
	if fn.calls != 1 {
		t.Fatalf("target called %d times, want 1", fn.calls)
	}
	if w.CallPool().Allocated() != 1 {
		t.Fatalf("allocated %d records, want 1", w.CallPool().Allocated())
	}
}
