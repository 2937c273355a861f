package cdp

import (
	"strings"

	"github.com/mafredri/cdp/protocol/page"

	"scriptguard/pkg/model"
)

// FramesFromTree 将 CDP 帧树展开为帧列表，先序遍历；每帧的祖先来源由近及远
func FramesFromTree(tree page.FrameTree) []model.FrameInfo {
	var out []model.FrameInfo
	var walk func(t page.FrameTree, ancestors []string)
	walk = func(t page.FrameTree, ancestors []string) {
		origin := FrameOrigin(t.Frame)
		out = append(out, model.FrameInfo{
			ID:        string(t.Frame.ID),
			URL:       t.Frame.URL,
			Origin:    origin,
			Ancestors: append([]string(nil), ancestors...),
		})
		next := append([]string{origin}, ancestors...)
		for _, child := range t.ChildFrames {
			walk(child, next)
		}
	}
	walk(tree, nil)
	return out
}

// FrameOrigin 帧来源；opaque 来源（about:blank 等）退回到地址推导
func FrameOrigin(f page.Frame) string {
	if f.SecurityOrigin != "" && f.SecurityOrigin != "null" && f.SecurityOrigin != "://" {
		return f.SecurityOrigin
	}
	u := f.URL
	i := strings.Index(u, "://")
	if i < 0 {
		return "null"
	}
	end := strings.IndexAny(u[i+3:], "/?#")
	if end < 0 {
		return u
	}
	return u[:i+3+end]
}
