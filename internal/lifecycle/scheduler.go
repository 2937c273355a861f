// Package lifecycle 将回调推迟到文档就绪状态达到指定阶段后执行。
package lifecycle

import (
	"fmt"
	"sync"
)

// 就绪阶段序数
const (
	None        = 0
	Loading     = 1
	Interactive = 2
	Complete    = 3
)

var ordinals = map[string]int{
	"loading":     Loading,
	"asap":        Loading,
	"interactive": Interactive,
	"end":         Interactive,
	"2":           Interactive,
	"complete":    Complete,
	"idle":        Complete,
	"3":           Complete,
}

// Document 宿主文档的就绪状态与变更通知
type Document interface {
	ReadyState() string
	// OnReadyStateChange 订阅就绪状态变更，返回取消订阅函数
	OnReadyStateChange(fn func()) (cancel func())
}

// Ordinal 将阶段标记映射为序数，多个标记时取第一个可识别的
func Ordinal(tokens ...any) int {
	for _, tok := range tokens {
		switch v := tok.(type) {
		case nil:
			continue
		case []string:
			for _, s := range v {
				if n, ok := ordinals[s]; ok {
					return n
				}
			}
			continue
		case []any:
			if n := Ordinal(v...); n != None {
				return n
			}
			continue
		}
		if n, ok := ordinals[fmt.Sprint(tok)]; ok {
			return n
		}
	}
	return None
}

// RunAt 在文档就绪状态达到 when 时执行 fn，已满足时同步执行
func RunAt(doc Document, fn func(), when ...any) {
	target := Ordinal(when...)
	if Ordinal(doc.ReadyState()) >= target {
		fn()
		return
	}
	var (
		once   sync.Once
		cancel func()
		fired  bool
	)
	cancel = doc.OnReadyStateChange(func() {
		if Ordinal(doc.ReadyState()) < target {
			return
		}
		once.Do(func() {
			fired = true
			fn()
			if cancel != nil {
				cancel()
			}
		})
	})
	// 订阅期间同步触发时 cancel 尚未赋值
	if fired && cancel != nil {
		cancel()
	}
}
