// Package pattern 将规则参数中的字符串编译为匹配器。
//
// 参数可以是普通字面量、`/body/flags` 形式的正则表达式，或者空串（匹配一切）。
// 允许取反的参数以 `!` 开头时期望结果取反。正则语法按 ECMAScript 解释，
// 语法错误不会向调用方抛出，而是退化为永不匹配的匹配器。
package pattern

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// Kind 匹配器种类
type Kind int

const (
	KindMatchAll Kind = iota
	KindLiteral
	KindExact
	KindRegex
	KindNever
)

// MatchTimeout 单次正则匹配的时间上限
const MatchTimeout = time.Second

// Matcher 编译后的不可变匹配器
type Matcher struct {
	kind    Kind
	literal string
	re      *regexp2.Regexp
	expect  bool
}

// Options 编译选项
type Options struct {
	// CanNegate 允许前导 `!` 取反
	CanNegate bool
	// Flags 非定界模式时使用的正则标志
	Flags string
}

// MatchAll 返回匹配一切的匹配器
func MatchAll() Matcher { return Matcher{kind: KindMatchAll, expect: true} }

// Never 返回永不匹配的匹配器
func Never() Matcher { return Matcher{kind: KindNever, expect: true} }

// Compile 编译模式字符串
func Compile(pattern string, opts Options) Matcher {
	if pattern == "" {
		return MatchAll()
	}
	expect := true
	if opts.CanNegate && strings.HasPrefix(pattern, "!") {
		expect = false
		pattern = pattern[1:]
	}
	if body, flags, ok := splitDelimited(pattern); ok {
		if flags == "" {
			flags = opts.Flags
		}
		return compileRegex(body, flags, expect)
	}
	if opts.Flags != "" {
		return compileRegex(EscapeRegex(pattern), opts.Flags, expect)
	}
	return Matcher{kind: KindLiteral, literal: pattern, expect: expect}
}

// ToRegex 按事件类型等场景的规则编译：verbatim 时字面量需完整匹配
func ToRegex(pattern, flags string, verbatim bool) Matcher {
	if pattern == "" {
		return MatchAll()
	}
	if body, reFlags, ok := splitDelimited(pattern); ok {
		return compileRegex(body, reFlags, true)
	}
	if flags != "" {
		expr := EscapeRegex(pattern)
		if verbatim {
			expr = "^" + expr + "$"
		}
		return compileRegex(expr, flags, true)
	}
	if verbatim {
		return Matcher{kind: KindExact, literal: pattern, expect: true}
	}
	return Matcher{kind: KindLiteral, literal: pattern, expect: true}
}

// Kind 返回匹配器种类
func (m Matcher) Kind() Kind { return m.kind }

// Expect 返回期望的匹配结果，取反时为 false
func (m Matcher) Expect() bool { return m.expect }

// IsMatchAll 是否为空模式
func (m Matcher) IsMatchAll() bool { return m.kind == KindMatchAll }

// Test 判断 haystack 是否满足匹配器
func (m Matcher) Test(haystack string) bool {
	switch m.kind {
	case KindMatchAll:
		return true
	case KindLiteral:
		return strings.Contains(haystack, m.literal) == m.expect
	case KindExact:
		return (haystack == m.literal) == m.expect
	case KindRegex:
		ok, err := m.re.MatchString(haystack)
		if err != nil {
			return false
		}
		return ok == m.expect
	default:
		return false
	}
}

// String 返回便于日志输出的描述
func (m Matcher) String() string {
	neg := ""
	if !m.expect {
		neg = "!"
	}
	switch m.kind {
	case KindMatchAll:
		return "*"
	case KindLiteral:
		return neg + m.literal
	case KindExact:
		return neg + "=" + m.literal
	case KindRegex:
		return neg + "/" + m.re.String() + "/"
	default:
		return "<never>"
	}
}

const regexSpecials = `.*+?^${}()|[]\`

// EscapeRegex 转义正则元字符
func EscapeRegex(s string) string {
	if !strings.ContainsAny(s, regexSpecials) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(regexSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// splitDelimited 识别 `/body/flags`，flags 仅允许 gimsu
func splitDelimited(s string) (body, flags string, ok bool) {
	if len(s) < 3 || s[0] != '/' {
		return "", "", false
	}
	end := strings.LastIndexByte(s, '/')
	if end < 2 {
		return "", "", false
	}
	flags = s[end+1:]
	for i := 0; i < len(flags); i++ {
		if !strings.ContainsRune("gimsu", rune(flags[i])) {
			return "", "", false
		}
	}
	body = s[1:end]
	if strings.ContainsAny(body, "\n\r\u2028\u2029") {
		return "", "", false
	}
	return body, flags, true
}

func compileRegex(expr, flags string, expect bool) Matcher {
	opts, dotAll, ok := regexOptions(flags)
	if !ok {
		return Never()
	}
	if dotAll {
		expr = rewriteDotAll(expr)
	}
	re, err := regexp2.Compile(expr, opts)
	if err != nil {
		return Never()
	}
	re.MatchTimeout = MatchTimeout
	return Matcher{kind: KindRegex, re: re, expect: expect}
}

// regexOptions 将 JS 正则标志映射为 regexp2 选项，g/u 对单次测试无影响
func regexOptions(flags string) (opts regexp2.RegexOptions, dotAll, ok bool) {
	opts = regexp2.RegexOptions(regexp2.ECMAScript)
	seen := make(map[rune]bool, len(flags))
	for _, f := range flags {
		if seen[f] {
			return 0, false, false
		}
		seen[f] = true
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			dotAll = true
		case 'g', 'u':
		default:
			return 0, false, false
		}
	}
	return opts, dotAll, true
}

// rewriteDotAll 将字符类之外的 . 改写为 [\s\S]。
// ECMAScript 模式不接受 Singleline，改写后 \d \w 与反向引用保持 JS 语义。
func rewriteDotAll(expr string) string {
	var b strings.Builder
	b.Grow(len(expr) + 8)
	inClass := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '\\' && i+1 < len(expr):
			b.WriteByte(c)
			i++
			b.WriteByte(expr[i])
			continue
		case c == '[' && !inClass:
			inClass = true
		case c == ']' && inClass:
			inClass = false
		case c == '.' && !inClass:
			b.WriteString(`[\s\S]`)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
