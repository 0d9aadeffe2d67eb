package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operator 谓词运算符
type Operator string

const (
	OpEq            Operator = "=="
	OpArrayContains Operator = "array-contains"
)

// Predicate 字段谓词
type Predicate struct {
	Field string
	Op    Operator
	Value any
}

// Eq 等值谓词
func Eq(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpEq, Value: value}
}

// ArrayContains 数组包含谓词
func ArrayContains(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpArrayContains, Value: value}
}

// Match 判断字段是否满足谓词
func (p Predicate) Match(f Fields) bool {
	v, ok := f[p.Field]
	if !ok {
		return false
	}
	switch p.Op {
	case OpEq:
		return valuesEqual(v, p.Value)
	case OpArrayContains:
		switch arr := v.(type) {
		case []any:
			for _, item := range arr {
				if valuesEqual(item, p.Value) {
					return true
				}
			}
		case []string:
			for _, item := range arr {
				if valuesEqual(item, p.Value) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %v", p.Field, p.Op, p.Value)
}

// MatchAll 所有谓词均满足
func MatchAll(f Fields, preds []Predicate) bool {
	for _, p := range preds {
		if !p.Match(f) {
			return false
		}
	}
	return true
}

// valuesEqual 数字按 float64 比较，其他类型直接比较
func valuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Query 实时查询目标：单个文档或带谓词的集合
type Query struct {
	Path       string
	Collection string
	Predicates []Predicate
}

// DocQuery 单文档查询
func DocQuery(path string) Query {
	return Query{Path: path}
}

// CollectionQuery 集合查询
func CollectionQuery(collection string, preds ...Predicate) Query {
	return Query{Collection: collection, Predicates: preds}
}

// IsDocument 是否为单文档查询
func (q Query) IsDocument() bool {
	return q.Path != ""
}

// Matches 文档是否属于查询结果
func (q Query) Matches(d Document) bool {
	if q.IsDocument() {
		return d.Path == q.Path
	}
	collection, _ := Split(d.Path)
	return collection == q.Collection && MatchAll(d.Fields, q.Predicates)
}

// Touches 某路径的变更是否可能影响查询结果
func (q Query) Touches(path string) bool {
	if q.IsDocument() {
		return path == q.Path
	}
	collection, _ := Split(path)
	return collection == q.Collection
}

func (q Query) String() string {
	if q.IsDocument() {
		return q.Path
	}
	if len(q.Predicates) == 0 {
		return q.Collection
	}
	parts := make([]string, len(q.Predicates))
	for i, p := range q.Predicates {
		parts[i] = p.String()
	}
	return q.Collection + " where " + strings.Join(parts, " && ")
}
