package backend

import (
	"encoding/json"
	"reflect"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// millisConverter 原生时间戳类型
type millisConverter interface {
	ToMillis() int64
}

// dateConverter 可转换为 time.Time 的类型
type dateConverter interface {
	ToDate() time.Time
}

// ToMillis 将后端可能返回的各种时间表示归一化为毫秒时间戳
// 优先级: 原生时间戳 > 日期对象 > 数字 > {seconds, nanoseconds} > now
// 无法解析时返回 now，调用方永远不会拿到空时间
func ToMillis(v any, now time.Time) int64 {
	if v == nil {
		return now.UnixMilli()
	}

	// 原生时间戳
	switch ts := v.(type) {
	case millisConverter:
		return ts.ToMillis()
	case *timestamppb.Timestamp:
		if ts != nil {
			return ts.AsTime().UnixMilli()
		}
		return now.UnixMilli()
	}

	// 日期对象
	switch d := v.(type) {
	case time.Time:
		return d.UnixMilli()
	case *time.Time:
		if d != nil {
			return d.UnixMilli()
		}
		return now.UnixMilli()
	case dateConverter:
		return d.ToDate().UnixMilli()
	}

	// 数字
	if ms, ok := numberMillis(v); ok {
		return ms
	}

	// {seconds, nanoseconds}
	if ms, ok := compositeMillis(v); ok {
		return ms
	}

	return now.UnixMilli()
}

func numberMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

func compositeMillis(v any) (int64, bool) {
	var seconds, nanos any
	switch m := v.(type) {
	case map[string]any:
		seconds, nanos = firstOf(m, "seconds", "_seconds"), firstOf(m, "nanoseconds", "_nanoseconds")
	case Fields:
		seconds, nanos = firstOf(m, "seconds", "_seconds"), firstOf(m, "nanoseconds", "_nanoseconds")
	default:
		rv := reflect.Indirect(reflect.ValueOf(v))
		if rv.Kind() != reflect.Struct {
			return 0, false
		}
		if f := rv.FieldByName("Seconds"); f.IsValid() && f.CanInterface() {
			seconds = f.Interface()
		}
		if f := rv.FieldByName("Nanoseconds"); f.IsValid() && f.CanInterface() {
			nanos = f.Interface()
		} else if f := rv.FieldByName("Nanos"); f.IsValid() && f.CanInterface() {
			nanos = f.Interface()
		}
	}

	s, ok := integer(seconds)
	if !ok || s == 0 {
		return 0, false
	}
	ns, _ := integer(nanos)
	return s*1000 + ns/int64(time.Millisecond), true
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func integer(v any) (int64, bool) {
	if n, ok := numberMillis(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	}
	return 0, false
}
