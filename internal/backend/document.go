package backend

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// Fields 文档字段
type Fields map[string]any

// Clone 复制字段，嵌套的 map 与切片一并复制
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Fields:
		return val.Clone()
	case map[string]any:
		return map[string]any(Fields(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// Document 文档快照
type Document struct {
	Path   string `json:"path"`
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// NewDocument 由路径和字段构造文档
func NewDocument(path string, fields Fields) Document {
	_, id := Split(path)
	return Document{Path: path, ID: id, Fields: fields}
}

// String 字符串字段，不存在或类型不符返回空串
func (d Document) String(key string) string {
	s, _ := d.Fields[key].(string)
	return s
}

// Bool 布尔字段
func (d Document) Bool(key string) bool {
	b, _ := d.Fields[key].(bool)
	return b
}

// Millis 时间字段归一化为毫秒
func (d Document) Millis(key string, now time.Time) int64 {
	return ToMillis(d.Fields[key], now)
}

// Strings 字符串数组字段
func (d Document) Strings(key string) []string {
	switch v := d.Fields[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Snapshot 一次查询结果
type Snapshot struct {
	Documents []Document `json:"documents"`
}

// Empty 是否为空结果
func (s Snapshot) Empty() bool {
	return len(s.Documents) == 0
}

// First 第一个文档，结果为空时返回 nil
func (s Snapshot) First() *Document {
	if len(s.Documents) == 0 {
		return nil
	}
	d := s.Documents[0]
	return &d
}

// SortByPath 按路径排序，保证结果顺序稳定
func SortByPath(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
}

// EncodeFields 适配层写入前的编码：time.Time 转为毫秒时间戳
func EncodeFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UnixMilli()
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UnixMilli()
	case Fields:
		return map[string]any(EncodeFields(val))
	case map[string]any:
		return map[string]any(EncodeFields(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}

// DecodeFields 解码 JSON 文档，数字保留为 json.Number
func DecodeFields(data []byte) (Fields, error) {
	var f Fields
	if err := unmarshalUseNumber(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}

func unmarshalUseNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
