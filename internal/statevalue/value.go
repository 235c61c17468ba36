// Package statevalue implements the tagged dynamic value type that backs
// every Object.value in the device-state cache. The wire protocol carries
// arbitrary nested JSON; Go's map[string]interface{} is the obvious
// representation but gives no home for Merge/Equal semantics, so we wrap it
// in a small variant type instead.
package statevalue

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind tags which alternative a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// Value is a variant over the JSON data model: map, list, string, number,
// bool, or null. Zero value is KindNull.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	l    []Value
	m    map[string]Value
}

func Null() Value                  { return Value{kind: KindNull} }
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func Number(n float64) Value       { return Value{kind: KindNumber, n: n} }
func String(s string) Value        { return Value{kind: KindString, s: s} }
func List(items []Value) Value     { return Value{kind: KindList, l: items} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) IsMap() bool  { return v.kind == KindMap }

func (v Value) Bool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) Number() (float64, bool)  { return v.n, v.kind == KindNumber }
func (v Value) String() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) List() ([]Value, bool)    { return v.l, v.kind == KindList }
func (v Value) Map() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// MapValue returns the underlying map, or nil if v is not a map. Convenience
// for callers that already know the kind (derivation rules, mostly).
func (v Value) MapValue() map[string]Value {
	if v.kind != KindMap {
		return nil
	}
	return v.m
}

// FromAny converts a generic decoded-JSON value (as produced by
// json.Unmarshal into interface{}) into a Value.
func FromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case json.Number:
		f, _ := t.Float64()
		return Number(f)
	case string:
		return String(t)
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromAny(e)
		}
		return List(items)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Map(m)
	default:
		return Null()
	}
}

// ToAny converts a Value back into plain interface{} for JSON marshaling.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.l))
		for i, e := range v.l {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var a any
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*v = FromAny(a)
	return nil
}

// Merge performs the deep recursive merge required by the protocol: when
// both existing and incoming are maps, each key is merged recursively;
// otherwise incoming wins outright. A null incoming field is still treated
// as a value present in the update (devices occasionally clear fields this
// way), so it overwrites rather than being skipped.
func Merge(existing, incoming Value) Value {
	if existing.kind == KindMap && incoming.kind == KindMap {
		out := make(map[string]Value, len(existing.m)+len(incoming.m))
		for k, v := range existing.m {
			out[k] = v
		}
		for k, v := range incoming.m {
			if prior, ok := out[k]; ok {
				out[k] = Merge(prior, v)
			} else {
				out[k] = v
			}
		}
		return Map(out)
	}
	return incoming
}

// Equal reports structural equality independent of map key order and list
// backing array identity.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	case KindString:
		return a.s == b.s
	case KindList:
		if len(a.l) != len(b.l) {
			return false
		}
		for i := range a.l {
			if !Equal(a.l[i], b.l[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, v := range a.m {
			ov, ok := b.m[k]
			if !ok || !Equal(v, ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Canonical returns a deterministic string encoding used where a stable
// serialization is required (diagnostics, hashing); map keys are sorted.
func Canonical(v Value) string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindNumber:
		return fmt.Sprintf("%g", v.n)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindList:
		out := "["
		for i, e := range v.l {
			if i > 0 {
				out += ","
			}
			out += Canonical(e)
		}
		return out + "]"
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			out += fmt.Sprintf("%q:%s", k, Canonical(v.m[k]))
		}
		return out + "}"
	default:
		return "null"
	}
}

// Field reads a top-level field from a map Value; returns Null, false if
// v is not a map or the key is absent.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindMap {
		return Null(), false
	}
	f, ok := v.m[key]
	return f, ok
}

// WithField returns a copy of v (must be a map, or null which is treated as
// an empty map) with key set to val.
func (v Value) WithField(key string, val Value) Value {
	base := v.m
	out := make(map[string]Value, len(base)+1)
	for k, e := range base {
		out[k] = e
	}
	out[key] = val
	return Map(out)
}
