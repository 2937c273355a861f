// Package ruleset 读写编译后的规则表。
//
// 规则表与上游编译器产出的脚本片段结构一致：argsList 为参数元组列表，
// hostnamesMap / entitiesMap / exceptionsMap 既可以是 [[key, value], ...] 的
// Map 构造形式，也可以是普通对象；value 为单个序号或序号数组。
package ruleset

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"scriptguard/pkg/model"
)

var (
	// ErrInvalidTable 规则表结构不合法
	ErrInvalidTable = errors.New("ruleset: invalid rule table")
)

// Load 从文件读取规则表
func Load(path string) (*model.RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取规则表失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析规则表
func Parse(data []byte) (*model.RuleTable, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed json", ErrInvalidTable)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: root is not an object", ErrInvalidTable)
	}
	t := &model.RuleTable{
		Scriptlet:    root.Get("scriptlet").String(),
		HasEntities:  root.Get("hasEntities").Bool(),
		HasAncestors: root.Get("hasAncestors").Bool(),
	}

	args := root.Get("argsList")
	if !args.IsArray() {
		return nil, fmt.Errorf("%w: argsList must be an array", ErrInvalidTable)
	}
	var parseErr error
	args.ForEach(func(_, row gjson.Result) bool {
		if !row.IsArray() {
			parseErr = fmt.Errorf("%w: argsList[%d] is not an array", ErrInvalidTable, len(t.ArgsList))
			return false
		}
		var tuple []string
		row.ForEach(func(_, v gjson.Result) bool {
			tuple = append(tuple, v.String())
			return true
		})
		t.ArgsList = append(t.ArgsList, tuple)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	n := len(t.ArgsList)
	var err error
	if t.Hostnames, err = parseIndex(root.Get("hostnamesMap"), n, false); err != nil {
		return nil, fmt.Errorf("hostnamesMap: %w", err)
	}
	if t.Entities, err = parseIndex(root.Get("entitiesMap"), n, true); err != nil {
		return nil, fmt.Errorf("entitiesMap: %w", err)
	}
	if t.Exceptions, err = parseIndex(root.Get("exceptionsMap"), n, false); err != nil {
		return nil, fmt.Errorf("exceptionsMap: %w", err)
	}
	if len(t.Entities) != 0 {
		t.HasEntities = true
	}
	return t, nil
}

func parseIndex(r gjson.Result, n int, entity bool) (model.Index, error) {
	ix := make(model.Index)
	if !r.Exists() || r.Type == gjson.Null {
		return ix, nil
	}
	add := func(key string, v gjson.Result) error {
		if entity && !strings.HasSuffix(key, ".*") {
			key += ".*"
		}
		ids, err := parseIDs(v, n)
		if err != nil {
			return fmt.Errorf("%q: %w", key, err)
		}
		ix.Add(key, ids...)
		return nil
	}
	var err error
	switch {
	case r.IsArray():
		r.ForEach(func(_, pair gjson.Result) bool {
			kv := pair.Array()
			if !pair.IsArray() || len(kv) != 2 {
				err = fmt.Errorf("%w: entry must be [key, value]", ErrInvalidTable)
				return false
			}
			err = add(kv[0].String(), kv[1])
			return err == nil
		})
	case r.IsObject():
		r.ForEach(func(k, v gjson.Result) bool {
			err = add(k.String(), v)
			return err == nil
		})
	default:
		err = fmt.Errorf("%w: index must be an array or object", ErrInvalidTable)
	}
	if err != nil {
		return nil, err
	}
	return ix, nil
}

func parseIDs(v gjson.Result, n int) ([]model.RuleID, error) {
	one := func(r gjson.Result) (model.RuleID, error) {
		if r.Type != gjson.Number || r.Num != float64(int64(r.Num)) {
			return 0, fmt.Errorf("%w: rule id %s is not an integer", ErrInvalidTable, r.Raw)
		}
		id := int(r.Int())
		if id < 0 || id >= n {
			return 0, fmt.Errorf("%w: rule id %d out of range [0,%d)", ErrInvalidTable, id, n)
		}
		return model.RuleID(id), nil
	}
	if !v.IsArray() {
		id, err := one(v)
		if err != nil {
			return nil, err
		}
		return []model.RuleID{id}, nil
	}
	var (
		out []model.RuleID
		err error
	)
	v.ForEach(func(_, e gjson.Result) bool {
		var id model.RuleID
		if id, err = one(e); err != nil {
			return false
		}
		out = append(out, id)
		return true
	})
	return out, err
}

// Marshal 序列化规则表，索引使用 Map 构造形式并按键排序
func Marshal(t *model.RuleTable) ([]byte, error) {
	doc := `{}`
	var err error
	set := func(path string, v any) {
		if err != nil {
			return
		}
		doc, err = sjson.Set(doc, path, v)
	}
	set("scriptlet", t.Scriptlet)
	args := t.ArgsList
	if args == nil {
		args = [][]string{}
	}
	set("argsList", args)
	for _, ix := range []struct {
		name string
		m    model.Index
	}{
		{"hostnamesMap", t.Hostnames},
		{"entitiesMap", t.Entities},
		{"exceptionsMap", t.Exceptions},
	} {
		set(ix.name, []any{})
		keys := make([]string, 0, len(ix.m))
		for k := range ix.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ids := ix.m[k]
			var v any = ids
			if len(ids) == 1 {
				v = ids[0]
			}
			set(ix.name+".-1", []any{k, v})
		}
	}
	set("hasEntities", t.HasEntities)
	set("hasAncestors", t.HasAncestors)
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}
