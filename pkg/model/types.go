package model

import (
	"regexp"
	"strconv"
	"time"
)

type PageID string
type TargetID string
type RuleID int

// Index 后缀/实体字符串到规则序号的索引
type Index map[string][]RuleID

// Add 追加规则序号，保持插入顺序
func (ix Index) Add(key string, ids ...RuleID) {
	ix[key] = append(ix[key], ids...)
}

// RuleTable 编译器产出的规则表
type RuleTable struct {
	Scriptlet    string     `json:"scriptlet"`
	ArgsList     [][]string `json:"argsList"`
	Hostnames    Index      `json:"hostnamesMap"`
	Entities     Index      `json:"entitiesMap"`
	Exceptions   Index      `json:"exceptionsMap"`
	HasEntities  bool       `json:"hasEntities"`
	HasAncestors bool       `json:"hasAncestors"`
}

// ExtraValue 附加参数值，纯数字字符串解析为整数
type ExtraValue struct {
	Str   string
	Int   int
	IsInt bool
	Set   bool
}

// String 返回原始文本形式
func (v ExtraValue) String() string {
	if v.IsInt {
		return strconv.Itoa(v.Int)
	}
	return v.Str
}

// RuleArgs 单条规则的参数：位置参数加尾部键值对
type RuleArgs struct {
	Positional []string
	Extra      map[string]ExtraValue
}

// Arg 返回第 i 个位置参数，缺省为空串
func (a RuleArgs) Arg(i int) string {
	if i < 0 || i >= len(a.Positional) {
		return ""
	}
	return a.Positional[i]
}

// ExtraString 返回附加参数的字符串值
func (a RuleArgs) ExtraString(key string) (string, bool) {
	v, ok := a.Extra[key]
	if !ok || !v.Set {
		return "", false
	}
	return v.String(), true
}

// ExtraInt 返回附加参数的整数值
func (a RuleArgs) ExtraInt(key string) int {
	v, ok := a.Extra[key]
	if !ok || !v.IsInt {
		return 0
	}
	return v.Int
}

var reDigits = regexp.MustCompile(`^\d+$`)

// ParseRuleArgs 解析规则参数，offset 之后按 (key, value) 成对读取
func ParseRuleArgs(raw []string, offset int) RuleArgs {
	if offset > len(raw) {
		offset = len(raw)
	}
	pos := make([]string, offset)
	copy(pos, raw[:offset])
	out := RuleArgs{Positional: pos, Extra: make(map[string]ExtraValue)}
	rest := raw[offset:]
	for i := 0; i < len(rest); i += 2 {
		var v ExtraValue
		if i+1 < len(rest) {
			s := rest[i+1]
			v = ExtraValue{Str: s, Set: true}
			if reDigits.MatchString(s) {
				if n, err := strconv.Atoi(s); err == nil {
					v.Int, v.IsInt = n, true
				}
			}
		}
		out.Extra[rest[i]] = v
	}
	return out
}

type ReadyState string

const (
	ReadyStateLoading     ReadyState = "loading"
	ReadyStateInteractive ReadyState = "interactive"
	ReadyStateComplete    ReadyState = "complete"
)

type EngineStats struct {
	Total      int64            `json:"total"`
	Suppressed int64            `json:"suppressed"`
	ByRule     map[RuleID]int64 `json:"byRule"`
}

// Event 拦截事件
type Event struct {
	Type      string `json:"type"`
	Page      PageID `json:"page"`
	Rule      RuleID `json:"rule"`
	EventType string `json:"eventType,omitempty"`
	Handler   string `json:"handler,omitempty"`
	Target    string `json:"target,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

const (
	EventInstalled  = "installed"
	EventSuppressed = "suppressed"
	EventPassed     = "passed"
	EventLogged     = "logged"
	EventDegraded   = "degraded"
)

type PageConfig struct {
	URL        string     `json:"url"`
	Ancestors  []string   `json:"ancestors"`
	HTML       string     `json:"html"`
	ReadyState ReadyState `json:"readyState"`
}

type TargetInfo struct {
	ID    TargetID `json:"id"`
	Type  string   `json:"type"`
	URL   string   `json:"url"`
	Title string   `json:"title"`
}

// FrameInfo 帧信息，Ancestors 按由近及远排列
type FrameInfo struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Origin    string   `json:"origin"`
	Ancestors []string `json:"ancestors"`
}

// LogEntry 诊断日志记录
type LogEntry struct {
	Session string    `json:"session"`
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}
