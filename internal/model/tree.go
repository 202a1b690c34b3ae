// Package model defines the shared data types exchanged between the
// ingest path and the per-subsystem extractors: the duck-typed metric
// tree carried in every PeerStat, and the merge rule that folds two
// trees observed within the same wall-clock second into one.
package model

import (
	"encoding/json"
	"sort"
)

// PeerStat is a single metric batch element as submitted to /ingest.
type PeerStat struct {
	PeerID  string          `json:"peer_id"`
	Metrics json.RawMessage `json:"metrics"`
}

// Tree is a duck-typed JSON value: Null, Bool, Number, String, Array, or
// Object. It mirrors the heterogeneous metric trees peers submit and is
// the common currency walked by the TLS and bridge-counter extractors.
type Tree struct {
	null   bool
	b      bool
	num    float64
	str    string
	arr    []*Tree
	obj    map[string]*Tree
	isBool bool
	isNum  bool
	isStr  bool
	isArr  bool
	isObj  bool
}

// ParseTree decodes raw JSON into a Tree.
func ParseTree(raw json.RawMessage) (*Tree, error) {
	if len(raw) == 0 {
		return &Tree{null: true}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return fromAny(v), nil
}

func fromAny(v any) *Tree {
	switch x := v.(type) {
	case nil:
		return &Tree{null: true}
	case bool:
		return &Tree{isBool: true, b: x}
	case float64:
		return &Tree{isNum: true, num: x}
	case string:
		return &Tree{isStr: true, str: x}
	case []any:
		t := &Tree{isArr: true, arr: make([]*Tree, 0, len(x))}
		for _, e := range x {
			t.arr = append(t.arr, fromAny(e))
		}
		return t
	case map[string]any:
		t := &Tree{isObj: true, obj: make(map[string]*Tree, len(x))}
		for k, e := range x {
			t.obj[k] = fromAny(e)
		}
		return t
	default:
		return &Tree{null: true}
	}
}

// IsObject reports whether the tree node is a JSON object.
func (t *Tree) IsObject() bool { return t != nil && t.isObj }

// IsArray reports whether the tree node is a JSON array.
func (t *Tree) IsArray() bool { return t != nil && t.isArr }

// IsNumber reports whether the tree node is a JSON number.
func (t *Tree) IsNumber() bool { return t != nil && t.isNum }

// IsString reports whether the tree node is a JSON string.
func (t *Tree) IsString() bool { return t != nil && t.isStr }

// Number returns the numeric value and whether the node held one.
func (t *Tree) Number() (float64, bool) {
	if t == nil || !t.isNum {
		return 0, false
	}
	return t.num, true
}

// String returns the string value and whether the node held one.
func (t *Tree) String() (string, bool) {
	if t == nil || !t.isStr {
		return "", false
	}
	return t.str, true
}

// Field returns the named child of an object node, or nil.
func (t *Tree) Field(name string) *Tree {
	if t == nil || !t.isObj {
		return nil
	}
	return t.obj[name]
}

// Fields returns the object's keys, sorted.
func (t *Tree) Fields() []string {
	if t == nil || !t.isObj {
		return nil
	}
	keys := make([]string, 0, len(t.obj))
	for k := range t.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Elements returns an array node's elements, or nil.
func (t *Tree) Elements() []*Tree {
	if t == nil || !t.isArr {
		return nil
	}
	return t.arr
}

// MarshalJSON renders the tree back to its canonical JSON form.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.toAny())
}

func (t *Tree) toAny() any {
	if t == nil || t.null {
		return nil
	}
	switch {
	case t.isBool:
		return t.b
	case t.isNum:
		return t.num
	case t.isStr:
		return t.str
	case t.isArr:
		out := make([]any, len(t.arr))
		for i, e := range t.arr {
			out[i] = e.toAny()
		}
		return out
	case t.isObj:
		out := make(map[string]any, len(t.obj))
		for k, v := range t.obj {
			out[k] = v.toAny()
		}
		return out
	default:
		return nil
	}
}

// Merge implements the ingest merge rule: object union by key recursion,
// number+number arithmetic sum, everything else replaced by the newer
// value. dst is mutated in place and returned.
func Merge(dst, src *Tree) *Tree {
	if dst == nil {
		return src
	}
	if src == nil {
		return dst
	}
	if dst.isObj && src.isObj {
		for k, sv := range src.obj {
			if dv, ok := dst.obj[k]; ok {
				dst.obj[k] = Merge(dv, sv)
			} else {
				dst.obj[k] = sv
			}
		}
		return dst
	}
	if dst.isNum && src.isNum {
		return &Tree{isNum: true, num: dst.num + src.num}
	}
	return src
}

// NewObject builds an object-typed Tree from a raw Go map, recursively.
func NewObject(m map[string]any) *Tree { return fromAny(m) }
