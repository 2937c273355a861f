package ruleset

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"scriptguard/pkg/model"
)

// Compile 将 `host1,~host2,entity.*##+js(name, a, b)` 形式的过滤规则编译为规则表。
//
// 只保留 name 属于 names 的规则；参数元组相同的规则共享同一个序号。
// `#@#+js(...)` 形式的规则与 `~host` 一样进入例外索引。
func Compile(r io.Reader, scriptlet string, names ...string) (*model.RuleTable, error) {
	accept := map[string]bool{scriptlet: true}
	for _, n := range names {
		accept[n] = true
	}
	t := &model.RuleTable{
		Scriptlet:  scriptlet,
		Hostnames:  make(model.Index),
		Entities:   make(model.Index),
		Exceptions: make(model.Index),
	}
	ids := make(map[string]model.RuleID)

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}
		f, ok, err := parseFilter(line)
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", lineNo, err)
		}
		if !ok || !accept[f.name] {
			continue
		}
		key := strings.Join(f.args, "\x00")
		id, seen := ids[key]
		if !seen {
			id = model.RuleID(len(t.ArgsList))
			ids[key] = id
			t.ArgsList = append(t.ArgsList, f.args)
		}
		for _, d := range f.domains {
			negated := strings.HasPrefix(d, "~")
			d = strings.TrimPrefix(d, "~")
			if d == "" {
				continue
			}
			if strings.Contains(d, ">>") {
				t.HasAncestors = true
			}
			switch {
			case negated || f.exception:
				t.Exceptions.Add(d, id)
			case strings.HasSuffix(d, ".*"):
				t.Entities.Add(d, id)
				t.HasEntities = true
			default:
				t.Hostnames.Add(d, id)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

type filter struct {
	domains   []string
	name      string
	args      []string
	exception bool
}

func parseFilter(line string) (filter, bool, error) {
	var f filter
	sep := "##+js("
	i := strings.Index(line, sep)
	if i < 0 {
		sep = "#@#+js("
		if i = strings.Index(line, sep); i < 0 {
			return f, false, nil
		}
		f.exception = true
	}
	body := line[i+len(sep):]
	if !strings.HasSuffix(body, ")") {
		return f, false, fmt.Errorf("%w: unterminated +js(", ErrInvalidTable)
	}
	body = body[:len(body)-1]
	if line[:i] == "" {
		// 无域名的通用规则不参与主机名激活
		return f, false, nil
	}
	f.domains = strings.Split(line[:i], ",")
	parts := splitArgs(body)
	if len(parts) == 0 || parts[0] == "" {
		return f, false, fmt.Errorf("%w: missing scriptlet name", ErrInvalidTable)
	}
	f.name = strings.TrimSuffix(parts[0], ".js")
	f.args = parts[1:]
	return f, true, nil
}

// splitArgs 按逗号切分参数，`\,` 表示字面逗号，引号包围的参数整体保留
func splitArgs(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		a := strings.TrimSpace(cur.String())
		if n := len(a); n >= 2 && (a[0] == '"' || a[0] == '\'') && a[n-1] == a[0] {
			a = a[1 : n-1]
		}
		out = append(out, a)
		cur.Reset()
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && s[i+1] == ',':
			cur.WriteByte(',')
			i++
		case quote != 0:
			if c == quote {
				quote = 0
			}
			cur.WriteByte(c)
		case (c == '"' || c == '\'') && strings.TrimSpace(cur.String()) == "":
			quote = c
			cur.WriteByte(c)
		case c == ',':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
