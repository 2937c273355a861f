package activation

import (
	"reflect"
	"testing"

	"scriptguard/pkg/model"
)

func newTestResolver() *Resolver {
	return &Resolver{
		Hostnames: model.Index{
			"example.com":     {0},
			"shop.test.org":   {1, 2},
			"kissasian.*":     {3},
			"other.net":       {4},
			"framed.com>>":    {6},
			"sites.example.*": {8},
		},
		Entities: model.Index{
			"yandex.*":        {5},
			"market.yandex.*": {7},
		},
		Exceptions: model.Index{
			"forum.example.com": {0},
			"test.org":          {2},
			"kissasian.*":       {3},
		},
		HasEntities: true,
	}
}

func TestResolveSuffixDescent(t *testing.T) {
	r := newTestResolver()
	for _, hn := range []string{"example.com", "sub.example.com", "a.b.example.com"} {
		got := r.Resolve([]Origin{{Hostname: hn}})
		if !reflect.DeepEqual(got, []model.RuleID{0}) {
			t.Errorf("Resolve(%q) = %v, want [0]", hn, got)
		}
	}
	if got := r.Resolve([]Origin{{Hostname: "notexample.com"}}); len(got) != 0 {
		t.Errorf("label boundary ignored: %v", got)
	}
}

func TestResolveExceptionsDominate(t *testing.T) {
	r := newTestResolver()
	if got := r.Resolve([]Origin{{Hostname: "forum.example.com"}}); len(got) != 0 {
		t.Errorf("exception should remove rule 0, got %v", got)
	}
	got := r.Resolve([]Origin{{Hostname: "www.shop.test.org"}})
	if !reflect.DeepEqual(got, []model.RuleID{1}) {
		t.Errorf("Resolve(www.shop.test.org) = %v, want [1]", got)
	}
}

func TestResolveEntities(t *testing.T) {
	r := newTestResolver()
	tests := []struct {
		host string
		want []model.RuleID
	}{
		{"yandex.ru", []model.RuleID{5}},
		{"yandex.com.tr", []model.RuleID{5}},
		{"market.yandex.ru", []model.RuleID{7, 5}},
		{"kissasian.sh", nil},
		{"sites.example.co.uk", []model.RuleID{8}},
		{"ru", nil},
	}
	for _, tt := range tests {
		got := r.Resolve([]Origin{{Hostname: tt.host}})
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Resolve(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestResolveEntitiesDisabled(t *testing.T) {
	r := newTestResolver()
	r.HasEntities = false
	if got := r.Resolve([]Origin{{Hostname: "yandex.ru"}}); len(got) != 0 {
		t.Errorf("entities disabled but got %v", got)
	}
}

func TestResolveAncestors(t *testing.T) {
	r := newTestResolver()
	origins := []Origin{{Hostname: "ads.cdn.net", Frame: 0}, {Hostname: "www.framed.com", Frame: 1}}
	if got := r.Resolve(origins); len(got) != 0 {
		t.Errorf("ancestors not declared, got %v", got)
	}
	r.HasAncestors = true
	if got := r.Resolve(origins); !reflect.DeepEqual(got, []model.RuleID{6}) {
		t.Errorf("Resolve with ancestors = %v, want [6]", got)
	}
	// 祖先来源不匹配无后缀的键
	if got := r.Resolve([]Origin{{Hostname: "x.net"}, {Hostname: "example.com", Frame: 1}}); len(got) != 0 {
		t.Errorf("ancestor matched unsuffixed key: %v", got)
	}
}

func TestResolveSuffixMonotonic(t *testing.T) {
	r := newTestResolver()
	for key := range r.Hostnames {
		if key[len(key)-1] == '*' || key[len(key)-1] == '>' {
			continue
		}
		base := r.Resolve([]Origin{{Hostname: key}})
		sub := r.Resolve([]Origin{{Hostname: "deep.sub." + key}})
		for _, id := range base {
			found := false
			for _, s := range sub {
				found = found || s == id
			}
			if !found {
				t.Errorf("rule %d active on %s but not on deep.sub.%s", id, key, key)
			}
		}
	}
}

func TestHostnameFromOrigin(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://www.example.com", "www.example.com", true},
		{"http://example.com:8080", "example.com", true},
		{"https://[::1]:443", "[::1]", true},
		{"file:///tmp/x.html", "", true},
		{"null", "", false},
	}
	for _, tt := range tests {
		got, ok := HostnameFromOrigin(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("HostnameFromOrigin(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestOriginsFromLocation(t *testing.T) {
	got := OriginsFromLocation("https://a.com", []string{"null", "https://b.org:8443"})
	want := []Origin{{Hostname: "a.com", Frame: 0}, {Hostname: "b.org", Frame: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("OriginsFromLocation = %v, want %v", got, want)
	}
}
