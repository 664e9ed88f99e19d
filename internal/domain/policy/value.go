package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind discriminates the Value sum type.
type ValueKind int

const (
	// KindNull is the absent or JSON-null value.
	KindNull ValueKind = iota
	// KindBool is a boolean.
	KindBool
	// KindInt is a signed integer.
	KindInt
	// KindFloat is a floating-point number.
	KindFloat
	// KindString is a string.
	KindString
	// KindList is an ordered list of values.
	KindList
	// KindMap is a string-keyed map of values.
	KindMap
)

// Value is the attribute value model used by condition evaluation.
// Attribute resolution walks these values directly; host objects are
// converted once at the boundary, never reflected over.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null is the absent value.
var Null = Value{kind: KindNull}

// Kind returns the value's discriminant.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is absent.
func (v Value) IsNull() bool { return v.kind == KindNull }

// FromAny converts a decoded JSON/YAML value into a Value. Unsupported
// host types become Null.
func FromAny(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return Null
	case bool:
		return Value{kind: KindBool, b: t}
	case int:
		return Value{kind: KindInt, i: int64(t)}
	case int64:
		return Value{kind: KindInt, i: t}
	case uint64:
		return Value{kind: KindInt, i: int64(t)}
	case float64:
		return Value{kind: KindFloat, f: t}
	case float32:
		return Value{kind: KindFloat, f: float64(t)}
	case string:
		return Value{kind: KindString, s: t}
	case []interface{}:
		list := make([]Value, len(t))
		for i, e := range t {
			list[i] = FromAny(e)
		}
		return Value{kind: KindList, list: list}
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Value{kind: KindMap, m: m}
	default:
		return Null
	}
}

// FromMap converts a string-keyed map into a map Value.
func FromMap(m map[string]interface{}) Value {
	out := make(map[string]Value, len(m))
	for k, e := range m {
		out[k] = FromAny(e)
	}
	return Value{kind: KindMap, m: out}
}

// String renders the value for reasons and log lines.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindList:
		return fmt.Sprintf("list(%d)", len(v.list))
	case KindMap:
		return fmt.Sprintf("map(%d)", len(v.m))
	}
	return "unknown"
}

// asFloat widens numeric values for ordered comparison. The bool result
// is false for non-numeric kinds.
func (v Value) asFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// PathError is the typed failure from attribute resolution.
type PathError struct {
	// Path is the full dot path being resolved.
	Path string
	// Segment is the segment that failed.
	Segment string
	// Reason says why: missing key, index out of range, or a non-container.
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("attribute path %q: segment %q: %s", e.Path, e.Segment, e.Reason)
}

// Resolve walks a dot-notation path into the value. List elements are
// addressed by decimal index segments. A missing key or out-of-range
// index returns a PathError; callers decide whether that means the
// condition simply does not match.
func (v Value) Resolve(path string) (Value, error) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindMap:
			next, ok := cur.m[seg]
			if !ok {
				return Null, &PathError{Path: path, Segment: seg, Reason: "missing key"}
			}
			cur = next
		case KindList:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return Null, &PathError{Path: path, Segment: seg, Reason: "list index is not a number"}
			}
			if idx < 0 || idx >= len(cur.list) {
				return Null, &PathError{Path: path, Segment: seg, Reason: "index out of range"}
			}
			cur = cur.list[idx]
		default:
			return Null, &PathError{Path: path, Segment: seg, Reason: "value is not a container"}
		}
	}
	return cur, nil
}

// equal compares two values. Ints and floats compare numerically across
// kinds; containers compare element-wise.
func (a Value) equal(b Value) bool {
	if af, ok := a.asFloat(); ok {
		if bf, bok := b.asFloat(); bok {
			return af == bf
		}
		return false
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindString:
		return a.s == b.s
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !a.list[i].equal(b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !av.equal(bv) {
				return false
			}
		}
		return true
	}
	return false
}
