package pattern

import (
	"testing"

	"github.com/dlclark/regexp2"
)

func TestCompileEmptyMatchesEverything(t *testing.T) {
	m := Compile("", Options{CanNegate: true})
	for _, s := range []string{"", "abc", "!x"} {
		if !m.Test(s) {
			t.Errorf("empty pattern should match %q", s)
		}
	}
}

func TestCompileLiteralAndNegation(t *testing.T) {
	haystacks := []string{"popunder()", "function popunder(){}", "pop", "under", ""}
	for _, p := range []string{"popunder", "a.b", "x(y)"} {
		pos := Compile(p, Options{CanNegate: true})
		neg := Compile("!"+p, Options{CanNegate: true})
		for _, h := range append(haystacks, "--"+p+"--") {
			want := contains(h, p)
			if got := pos.Test(h); got != want {
				t.Errorf("Compile(%q).Test(%q) = %v, want %v", p, h, got, want)
			}
			if got := neg.Test(h); got == want {
				t.Errorf("Compile(!%q).Test(%q) = %v, want %v", p, h, got, !want)
			}
		}
	}
}

func TestCompileBangWithoutNegation(t *testing.T) {
	m := Compile("!important", Options{})
	if !m.Test("a !important b") {
		t.Error("leading ! must be literal when negation is disabled")
	}
	if m.Test("important") {
		t.Error("literal !important should not match bare word")
	}
}

func TestCompileRegex(t *testing.T) {
	tests := []struct {
		pattern string
		opts    Options
		in      string
		want    bool
	}{
		{`/^(?:click|mousedown)$/`, Options{}, "click", true},
		{`/^(?:click|mousedown)$/`, Options{}, "clicked", false},
		{`/POP/i`, Options{}, "popunder", true},
		{`/POP/`, Options{}, "popunder", false},
		{`/POP/`, Options{Flags: "i"}, "popunder", true},
		{`!/_0x[a-f0-9]+/`, Options{CanNegate: true}, "var _0xabc", false},
		{`!/_0x[a-f0-9]+/`, Options{CanNegate: true}, "clean", true},
		{`/(?!ad)\w+/`, Options{}, "banner", true},
		{`/a.b/s`, Options{}, "a\nb", true},
		{`/a.b/`, Options{}, "a\nb", false},
		{`a.b`, Options{Flags: "i"}, "A.B", true},
		{`a.b`, Options{Flags: "i"}, "AxB", false},
	}
	for _, tt := range tests {
		m := Compile(tt.pattern, tt.opts)
		if got := m.Test(tt.in); got != tt.want {
			t.Errorf("Compile(%q, %+v).Test(%q) = %v, want %v", tt.pattern, tt.opts, tt.in, got, tt.want)
		}
	}
}

func TestInvalidRegexNeverMatches(t *testing.T) {
	for _, p := range []string{`/(unclosed/`, `/a/ii`, `/[z-a]/`} {
		m := Compile(p, Options{CanNegate: true})
		if m.Kind() != KindNever {
			t.Errorf("Compile(%q) kind = %v, want never", p, m.Kind())
		}
		if m.Test("anything") || m.Test("") {
			t.Errorf("Compile(%q) should never match", p)
		}
		neg := Compile("!"+p, Options{CanNegate: true})
		if neg.Test("anything") {
			t.Errorf("negated invalid %q should still never match", p)
		}
	}
}

func TestNonDelimitedSlashes(t *testing.T) {
	tests := []struct {
		pattern string
		kind    Kind
	}{
		{"/", KindLiteral},
		{"//", KindLiteral},
		{"/a/", KindRegex},
		{"/path/to/file.js", KindLiteral},
		{"/ads/x", KindLiteral},
	}
	for _, tt := range tests {
		if got := Compile(tt.pattern, Options{}).Kind(); got != tt.kind {
			t.Errorf("Compile(%q).Kind() = %v, want %v", tt.pattern, got, tt.kind)
		}
	}
}

func TestToRegexVerbatim(t *testing.T) {
	m := ToRegex("click", "", true)
	if !m.Test("click") {
		t.Error("verbatim should match exact text")
	}
	for _, s := range []string{"clicks", "dblclick", "Click"} {
		if m.Test(s) {
			t.Errorf("verbatim click matched %q", s)
		}
	}
	if !ToRegex("click", "i", true).Test("CLICK") {
		t.Error("verbatim with i flag should be case-insensitive")
	}
	if ToRegex("click", "i", true).Test("CLICKS") {
		t.Error("verbatim with flags should stay anchored")
	}
	if !ToRegex("pop", "", false).Test("function popunder(){}") {
		t.Error("non-verbatim literal should be a substring match")
	}
	if !ToRegex("", "", true).Test("anything") {
		t.Error("empty pattern should match everything")
	}
	if !ToRegex("/^mouse/", "", true).Test("mouseover") {
		t.Error("delimited regex ignores verbatim")
	}
}

func TestEscapeRegex(t *testing.T) {
	tests := map[string]string{
		"plain":    "plain",
		"a.b":      `a\.b`,
		"(x)[y]":   `\(x\)\[y\]`,
		`$^*+?{}|\`: `\$\^\*\+\?\{\}\|\\`,
	}
	for in, want := range tests {
		if got := EscapeRegex(in); got != want {
			t.Errorf("EscapeRegex(%q) = %q, want %q", in, got, want)
		}
	}
}

func contains(h, p string) bool {
	for i := 0; i+len(p) <= len(h); i++ {
		if h[i:i+len(p)] == p {
			return true
		}
	}
	return false
}

func TestDotAllKeepsECMAScriptClasses(t *testing.T) {
	tests := []struct {
		pattern string
		in      string
		want    bool
	}{
		{`/^\d.\d$/s`, "1\n2", true},
		{`/^\d$/s`, "١", false},
		{`/^\w+$/s`, "é", false},
		{`/^[.]$/s`, "\n", false},
		{`/^[.]$/s`, ".", true},
		{`/a\.b/s`, "a\nb", false},
		{`/(a).\1/s`, "a\na", true},
	}
	for _, tt := range tests {
		m := Compile(tt.pattern, Options{})
		if m.Kind() != KindRegex {
			t.Fatalf("Compile(%q) kind = %v", tt.pattern, m.Kind())
		}
		if got := m.Test(tt.in); got != tt.want {
			t.Errorf("Compile(%q).Test(%q) = %v, want %v", tt.pattern, tt.in, got, tt.want)
		}
	}
}

func TestRegexOptionsType(t *testing.T) {
	opts, dotAll, ok := regexOptions("is")
	if !ok || !dotAll {
		t.Fatalf("regexOptions(is) = %v, %v, %v", opts, dotAll, ok)
	}
	if opts&regexp2.ECMAScript == 0 || opts&regexp2.IgnoreCase == 0 {
		t.Fatalf("options %v lost ECMAScript or IgnoreCase", opts)
	}
	if _, _, ok := regexOptions("ss"); ok {
		t.Fatal("duplicate flag should be rejected")
	}
}

func TestToRegexInvalidNeverMatches(t *testing.T) {
	for _, p := range []string{`/(open/`, `/a/ii`} {
		m := ToRegex(p, "", true)
		if m.Kind() != KindNever || m.Test("") || m.Test("open") {
			t.Errorf("ToRegex(%q) should never match, kind %v", p, m.Kind())
		}
	}
}
