package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const filters = `! 测试规则
example.com##+js(aeld, click, popunder)
shop.example.com#@#+js(aeld, click, popunder)
other.org##+js(set-constant, x, 1)
`

type testRoot struct {
	rc     *RootCommand
	config string
}

func (r testRoot) Execute(args []string) error {
	return r.rc.Execute(append([]string{"--config", r.config}, args...))
}

func newTestRoot(t *testing.T) (testRoot, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	rc := NewRootCommand()
	rc.stdout = &out
	rc.stderr = &errOut
	dsn := filepath.Join(t.TempDir(), "logs.sqlite3")
	cfg := writeFile(t, "config.yaml", "log:\n  level: error\n  writer: []\nsqlite:\n  dsn: "+dsn+"\n")
	return testRoot{rc: rc, config: cfg}, &out, &errOut
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	rc, out, _ := newTestRoot(t)
	if err := rc.Execute([]string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "dev") {
		t.Fatalf("version output = %q", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	rc, _, errOut := newTestRoot(t)
	if err := rc.Execute([]string{"nope"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(errOut.String(), "nope") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestResolveCommand(t *testing.T) {
	rules := writeFile(t, "filters.txt", filters)
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.example.com/a", "0\taddEventListener-defuser(click, popunder)\n"},
		{"https://shop.example.com/", ""},
		{"https://other.org/", ""},
	}
	for _, tt := range tests {
		rc, out, _ := newTestRoot(t)
		if err := rc.Execute([]string{"resolve", "-rules", rules, "-url", tt.url}); err != nil {
			t.Fatalf("resolve %s: %v", tt.url, err)
		}
		if out.String() != tt.want {
			t.Errorf("resolve %s = %q, want %q", tt.url, out.String(), tt.want)
		}
	}
}

func TestResolveRequiresURL(t *testing.T) {
	rules := writeFile(t, "filters.txt", filters)
	rc, _, _ := newTestRoot(t)
	if err := rc.Execute([]string{"resolve", "-rules", rules}); err == nil {
		t.Fatal("expected missing -url error")
	}
}

func TestCompileThenResolveJSON(t *testing.T) {
	in := writeFile(t, "filters.txt", filters)
	table := filepath.Join(t.TempDir(), "table.json")
	rc, _, _ := newTestRoot(t)
	if err := rc.Execute([]string{"compile", "-in", in, "-out", table}); err != nil {
		t.Fatal(err)
	}
	rc, out, _ := newTestRoot(t)
	if err := rc.Execute([]string{"resolve", "-rules", table, "-url", "https://example.com/"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "0\t") {
		t.Fatalf("resolve from compiled table = %q", out.String())
	}
}

func TestRunCommand(t *testing.T) {
	rules := writeFile(t, "filters.txt", filters)
	script := writeFile(t, "page.js", `
		window.addEventListener('click', function popunder() { window.hit = true; });
		window.addEventListener('load', function boot() {});
	`)
	rc, out, errOut := newTestRoot(t)
	err := rc.Execute([]string{"run", "-rules", rules, "-url", "https://example.com/", "-script", script, "-dispatch", "window:click"})
	if err != nil {
		t.Fatalf("run: %v (stderr %q)", err, errOut.String())
	}
	got := out.String()
	for _, want := range []string{"applied\t[0]", "installed\trule=0", "suppressed\trule=0\tclick", "passed\trule=0\tload", "stats\ttotal=2\tsuppressed=1"} {
		if !strings.Contains(got, want) {
			t.Errorf("run output missing %q:\n%s", want, got)
		}
	}
}

func TestLogsCommandEmptyStore(t *testing.T) {
	rc, out, _ := newTestRoot(t)
	if err := rc.Execute([]string{"logs"}); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Fatalf("logs output = %q", out.String())
	}
}
