package cdp

import (
	"reflect"
	"testing"

	"github.com/mafredri/cdp/protocol/page"
)

func TestFramesFromTree(t *testing.T) {
	tree := page.FrameTree{
		Frame: page.Frame{ID: "main", URL: "https://news.example.com/a", SecurityOrigin: "https://news.example.com"},
		ChildFrames: []page.FrameTree{
			{
				Frame: page.Frame{ID: "ad", URL: "https://ads.example.net/slot?x=1", SecurityOrigin: "https://ads.example.net"},
				ChildFrames: []page.FrameTree{
					{Frame: page.Frame{ID: "blank", URL: "about:blank", SecurityOrigin: "null"}},
				},
			},
			{Frame: page.Frame{ID: "cdn", URL: "https://cdn.example.org:8443/embed#top"}},
		},
	}
	got := FramesFromTree(tree)
	if len(got) != 4 {
		t.Fatalf("frames = %d", len(got))
	}
	want := []struct {
		id        string
		origin    string
		ancestors []string
	}{
		{"main", "https://news.example.com", nil},
		{"ad", "https://ads.example.net", []string{"https://news.example.com"}},
		{"blank", "null", []string{"https://ads.example.net", "https://news.example.com"}},
		{"cdn", "https://cdn.example.org:8443", []string{"https://news.example.com"}},
	}
	for i, w := range want {
		f := got[i]
		if f.ID != w.id || f.Origin != w.origin {
			t.Errorf("frame %d = %s/%s, want %s/%s", i, f.ID, f.Origin, w.id, w.origin)
		}
		if len(f.Ancestors) != len(w.ancestors) || (len(w.ancestors) > 0 && !reflect.DeepEqual(f.Ancestors, w.ancestors)) {
			t.Errorf("frame %s ancestors = %v, want %v", f.ID, f.Ancestors, w.ancestors)
		}
	}
}
