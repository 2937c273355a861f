// Package activation 根据页面来源计算当前执行上下文生效的规则序号。
package activation

import (
	"strings"

	"scriptguard/pkg/model"
)

// AncestorSuffix 祖先帧来源在索引键上附加的后缀
const AncestorSuffix = ">>"

// Origin 执行上下文的一个来源，Frame 为 0 表示当前帧
type Origin struct {
	Hostname string
	Frame    int
}

// Resolver 主机名/实体/例外三类索引的解析器，索引构造后只读
type Resolver struct {
	Hostnames    model.Index
	Entities     model.Index
	Exceptions   model.Index
	HasEntities  bool
	HasAncestors bool
}

// NewResolver 由规则表构造解析器
func NewResolver(t *model.RuleTable) *Resolver {
	return &Resolver{
		Hostnames:    t.Hostnames,
		Entities:     t.Entities,
		Exceptions:   t.Exceptions,
		HasEntities:  t.HasEntities,
		HasAncestors: t.HasAncestors,
	}
}

// ruleSet 保持插入顺序的集合
type ruleSet struct {
	seen  map[model.RuleID]struct{}
	order []model.RuleID
}

func newRuleSet() *ruleSet {
	return &ruleSet{seen: make(map[model.RuleID]struct{})}
}

func (s *ruleSet) add(ids []model.RuleID) {
	for _, id := range ids {
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.order = append(s.order, id)
	}
}

func (s *ruleSet) has(id model.RuleID) bool {
	_, ok := s.seen[id]
	return ok
}

// Resolve 计算生效规则：(主机名命中 ∪ 实体命中) − 例外命中
func (r *Resolver) Resolve(origins []Origin) []model.RuleID {
	if len(origins) == 0 {
		return nil
	}
	todo, tonotdo := newRuleSet(), newRuleSet()
	r.collect(origins[0].Hostname, "", todo, tonotdo)
	if r.HasAncestors {
		for _, o := range origins {
			if o.Frame == 0 {
				continue
			}
			r.collect(o.Hostname, AncestorSuffix, todo, tonotdo)
		}
	}
	out := make([]model.RuleID, 0, len(todo.order))
	for _, id := range todo.order {
		if tonotdo.has(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (r *Resolver) collect(hostname, suffix string, todo, tonotdo *ruleSet) {
	if hostname == "" {
		return
	}
	labels := strings.Split(hostname, ".")
	n := len(labels)
	for i := 0; i < n; i++ {
		hn := strings.Join(labels[i:], ".") + suffix
		todo.add(r.Hostnames[hn])
		tonotdo.add(r.Exceptions[hn])
	}
	if !r.HasEntities {
		return
	}
	// 最后一个标签视为顶级域，不参与实体匹配
	last := n - 1
	for i := 0; i < last; i++ {
		for j := last; j > i; j-- {
			en := strings.Join(labels[i:j], ".") + ".*" + suffix
			todo.add(r.Entities[en])
			todo.add(r.Hostnames[en])
			tonotdo.add(r.Exceptions[en])
		}
	}
}

// HostnameFromOrigin 去除协议与端口，得到裸主机名
func HostnameFromOrigin(origin string) (string, bool) {
	beg := strings.LastIndex(origin, "://")
	if beg == -1 {
		return "", false
	}
	hn := origin[beg+3:]
	if end := strings.IndexByte(hn, '/'); end != -1 {
		hn = hn[:end]
	}
	if strings.HasPrefix(hn, "[") {
		// IPv6 字面量保留方括号内的地址
		if end := strings.IndexByte(hn, ']'); end != -1 {
			return hn[:end+1], true
		}
	}
	if end := strings.IndexByte(hn, ':'); end != -1 {
		hn = hn[:end]
	}
	return hn, true
}

// OriginsFromLocation 由当前来源与祖先来源链构造来源列表，无法解析的来源被跳过
func OriginsFromLocation(origin string, ancestors []string) []Origin {
	all := append([]string{origin}, ancestors...)
	out := make([]Origin, 0, len(all))
	for i, o := range all {
		hn, ok := HostnameFromOrigin(o)
		if !ok {
			continue
		}
		out = append(out, Origin{Hostname: hn, Frame: i})
	}
	return out
}
