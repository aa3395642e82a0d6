package bencode

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
)

type Kind int

const (
	Integer Kind = iota
	String
	List
	Dict
)

func (k Kind) String() string {
	switch k {
	case Integer:
		return "integer"
	case String:
		return "string"
	case List:
		return "list"
	case Dict:
		return "dict"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is one node of a decoded tree. Only the field matching kind is set.
type Value struct {
	kind Kind
	i    int64
	s    []byte
	l    []Value
	d    map[string]Value
}

func NewInt(i int64) Value {
	return Value{kind: Integer, i: i}
}

func NewBytes(b []byte) Value {
	return Value{kind: String, s: b}
}

func NewString(s string) Value {
	return Value{kind: String, s: []byte(s)}
}

func NewList(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: List, l: items}
}

func NewDict(d map[string]Value) Value {
	if d == nil {
		d = map[string]Value{}
	}
	return Value{kind: Dict, d: d}
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) Int() (int64, bool) {
	return v.i, v.kind == Integer
}

func (v Value) Bytes() ([]byte, bool) {
	return v.s, v.kind == String
}

// Str is Bytes as a string, for keys like announce that are text in practice.
func (v Value) Str() (string, bool) {
	return string(v.s), v.kind == String
}

func (v Value) List() ([]Value, bool) {
	return v.l, v.kind == List
}

func (v Value) Dict() (map[string]Value, bool) {
	return v.d, v.kind == Dict
}

// Get looks up key in a dictionary. Non-dictionaries never contain anything.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != Dict {
		return Value{}, false
	}
	val, ok := v.d[key]
	return val, ok
}

// Keys returns the dictionary keys in canonical (byte-wise) order.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.d))
	for k := range v.d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Integer:
		return v.i == o.i
	case String:
		return bytes.Equal(v.s, o.s)
	case List:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	case Dict:
		if len(v.d) != len(o.d) {
			return false
		}
		for k, val := range v.d {
			other, ok := o.d[k]
			if !ok || !val.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

// ToAny turns the tree into plain Go values (int64, string, []any,
// map[string]any) so it can be dumped as JSON.
func (v Value) ToAny() any {
	switch v.kind {
	case Integer:
		return v.i
	case String:
		return string(v.s)
	case List:
		ret := make([]any, len(v.l))
		for i, item := range v.l {
			ret[i] = item.ToAny()
		}
		return ret
	case Dict:
		ret := make(map[string]any, len(v.d))
		for k, item := range v.d {
			ret[k] = item.ToAny()
		}
		return ret
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case Integer:
		return strconv.FormatInt(v.i, 10)
	case String:
		return strconv.Quote(string(v.s))
	}
	return fmt.Sprintf("%v", v.ToAny())
}
