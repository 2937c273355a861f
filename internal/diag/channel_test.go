package diag

import (
	"errors"
	"sync"
	"testing"
	"time"

	"scriptguard/pkg/model"
)

type fakeHost struct {
	mu      sync.Mutex
	now     time.Time
	printed []string
	idle    bool
	idleIDs []int
	frames  []int
}

func (h *fakeHost) Primitives() Primitives {
	p := Primitives{
		FunctionToString: func(v any) (string, error) { return "function f() {}", nil },
		Now: func() time.Time {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.now
		},
		Location: func() (string, string) { return "example.com", "https://example.com/" },
		Print: func(text string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.printed = append(h.printed, text)
		},
		RequestFrame: func(fn func()) int { h.frames = append(h.frames, 1); return len(h.frames) },
		CancelFrame:  func(id int) { h.frames = h.frames[:len(h.frames)-1] },
	}
	if h.idle {
		p.RequestIdle = func(fn func()) int { h.idleIDs = append(h.idleIDs, 7); return 7 }
		p.CancelIdle = func(id int) { h.idleIDs = nil }
	}
	return p
}

func (h *fakeHost) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func TestSafeIsSingleton(t *testing.T) {
	g := &Globals{}
	host := &fakeHost{}
	a := g.Safe(host)
	b := g.Safe(host)
	if a != b {
		t.Fatal("Safe should return the same channel")
	}
	if !g.Loaded() {
		t.Fatal("Loaded should report true after construction")
	}
}

func TestChannelDisabledWithoutSecret(t *testing.T) {
	host := &fakeHost{}
	c := (&Globals{}).Safe(host)
	if c.Enabled() || c.LogLevel() != 0 {
		t.Fatal("channel should be disabled without a secret")
	}
	if p := c.MakeLogPrefix("prevent-addEventListener", "click"); p != "" {
		t.Fatalf("prefix = %q, want empty", p)
	}
	c.Log("[x]", "hello")
	c.Err("[x]", "hello")
	if len(host.printed) != 0 {
		t.Fatal("disabled channel printed")
	}
}

func TestChannelLocalFallbackAndDedup(t *testing.T) {
	host := &fakeHost{now: time.Unix(1000, 0)}
	g := &Globals{
		Secret: "secret",
		Open:   func(string) (Broadcaster, error) { return nil, errors.New("unsupported") },
	}
	c := g.Safe(host)
	if c.LogLevel() != 1 {
		t.Fatalf("log level = %d, want 1", c.LogLevel())
	}
	prefix := c.MakeLogPrefix("prevent-addEventListener", "click", "popunder")
	if prefix != "[prevent-addEventListener ⁝ click ⁝ popunder]" {
		t.Fatalf("prefix = %q", prefix)
	}
	c.Log(prefix, "Prevented: click")
	c.Log(prefix, "Prevented: click")
	host.advance(time.Second)
	c.Log(prefix, "Prevented: click")
	if len(host.printed) != 1 {
		t.Fatalf("printed %d lines, want 1 within dedup window: %v", len(host.printed), host.printed)
	}
	want := "uBO [example.com][prevent-addEventListener ⁝ click ⁝ popunder] Prevented: click"
	if host.printed[0] != want {
		t.Fatalf("printed %q, want %q", host.printed[0], want)
	}
	c.Err(prefix, "Prevented: click")
	if len(host.printed) != 2 {
		t.Fatal("different type must not be de-duplicated")
	}
	host.advance(6 * time.Second)
	c.Err(prefix, "Prevented: click")
	if len(host.printed) != 3 {
		t.Fatal("identical line after the window should be printed")
	}
}

func TestChannelLogLevelFromGlobals(t *testing.T) {
	g := &Globals{Secret: "s", LogLevel: 2}
	c := g.Safe(&fakeHost{})
	if c.LogLevel() != 2 {
		t.Fatalf("log level = %d, want 2", c.LogLevel())
	}
}

func TestChannelHandshakeBuffersUntilReady(t *testing.T) {
	hub := NewHub(0)
	host := &fakeHost{now: time.Unix(0, 0)}
	g := &Globals{Secret: "bc-secret", Open: hub.Open}
	c := g.Safe(host)

	c.Log("[p]", "first")
	c.Err("[p]", "second")
	if c.Buffered() != 2 {
		t.Fatalf("buffered = %d, want 2", c.Buffered())
	}

	bc, err := hub.Open("bc-secret")
	if err != nil {
		t.Fatal(err)
	}
	rec := &memRecorder{}
	con := NewConsole(bc, ConsoleOptions{Session: "s1", Recorder: rec})
	if err := con.Start(); err != nil {
		t.Fatal(err)
	}
	defer con.Stop()

	waitFor(t, func() bool { return len(con.Entries()) == 2 })
	if c.Buffered() != 0 {
		t.Fatal("buffer not flushed")
	}
	c.Log("[p]", "third")
	waitFor(t, func() bool { return len(con.Entries()) == 3 })

	got := con.Entries()
	wantTexts := []string{"[example.com][p] first", "[example.com][p] second", "[example.com][p] third"}
	for i, e := range got {
		if e.Text != wantTexts[i] {
			t.Errorf("entry %d text = %q, want %q", i, e.Text, wantTexts[i])
		}
	}
	if got[1].Type != TypeError {
		t.Errorf("entry 1 type = %q", got[1].Type)
	}
	if rec.len() != 3 {
		t.Errorf("recorder got %d entries", rec.len())
	}

	if err := con.SetLevel(2); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return c.LogLevel() == 2 })
}

func TestConsoleAnswersHandshake(t *testing.T) {
	hub := NewHub(0)
	bc, _ := hub.Open("k")
	con := NewConsole(bc, ConsoleOptions{})
	if err := con.Start(); err != nil {
		t.Fatal(err)
	}
	defer con.Stop()

	// 面板先启动，页面端随后握手
	c := (&Globals{Secret: "k", Open: hub.Open}).Safe(&fakeHost{})
	waitFor(t, c.Ready)
	c.Log("[p]", "direct")
	waitFor(t, func() bool { return len(con.Entries()) == 1 })
}

func TestOnIdlePrefersIdleCallback(t *testing.T) {
	withIdle := &fakeHost{idle: true}
	c := (&Globals{}).Safe(withIdle)
	if id := c.OnIdle(func() {}); id != 7 {
		t.Fatalf("OnIdle id = %d, want idle id 7", id)
	}
	c.OffIdle(7)
	if len(withIdle.idleIDs) != 0 || len(withIdle.frames) != 0 {
		t.Fatal("idle primitive not used")
	}

	noIdle := &fakeHost{}
	c = (&Globals{}).Safe(noIdle)
	id := c.OnIdle(func() {})
	if len(noIdle.frames) != 1 {
		t.Fatal("frame fallback not used")
	}
	c.OffIdle(id)
	if len(noIdle.frames) != 0 {
		t.Fatal("frame callback not cancelled")
	}
}

func TestLogMessageCodec(t *testing.T) {
	msg := EncodeLogMessage("info", `quote " and \ slash`)
	typ, text, ok := DecodeLogMessage(msg)
	if !ok || typ != "info" || text != `quote " and \ slash` {
		t.Fatalf("decode = %q, %q, %v", typ, text, ok)
	}
	for _, m := range []string{MsgIAmReady, `{"what":"other"}`, `[1,2]`} {
		if _, _, ok := DecodeLogMessage(m); ok {
			t.Errorf("DecodeLogMessage(%q) should not be a payload", m)
		}
	}
}

type memRecorder struct {
	mu      sync.Mutex
	entries []model.LogEntry
}

func (r *memRecorder) Record(e model.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *memRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
