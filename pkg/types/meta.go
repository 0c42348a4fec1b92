package types

import (
	"encoding/json"
	"fmt"
	"sort"
)

// MetaKind tags a MetaValue variant
type MetaKind int

const (
	MetaString MetaKind = iota
	MetaNumber
	MetaBool
	MetaMap
	MetaList
)

// MetaValue is a tagged union for audit metadata: string, number, bool,
// map, or list. Tags on dispatches stay flat map[string]string; audit
// metadata needs nesting so the sanitizer can walk it.
type MetaValue struct {
	Kind MetaKind
	Str  string
	Num  float64
	Bool bool
	Map  map[string]*MetaValue
	List []*MetaValue
}

// MetaStr wraps a string value
func MetaStr(s string) *MetaValue { return &MetaValue{Kind: MetaString, Str: s} }

// MetaNum wraps a numeric value
func MetaNum(n float64) *MetaValue { return &MetaValue{Kind: MetaNumber, Num: n} }

// MetaBoolVal wraps a boolean value
func MetaBoolVal(b bool) *MetaValue { return &MetaValue{Kind: MetaBool, Bool: b} }

// MetaMapOf wraps a map value
func MetaMapOf(m map[string]*MetaValue) *MetaValue { return &MetaValue{Kind: MetaMap, Map: m} }

// MetaListOf wraps a list value
func MetaListOf(vs ...*MetaValue) *MetaValue { return &MetaValue{Kind: MetaList, List: vs} }

// MarshalJSON serializes the underlying value, not the union wrapper
func (v *MetaValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case MetaString:
		return json.Marshal(v.Str)
	case MetaNumber:
		return json.Marshal(v.Num)
	case MetaBool:
		return json.Marshal(v.Bool)
	case MetaMap:
		return json.Marshal(v.Map)
	case MetaList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	}
	return nil, fmt.Errorf("unknown meta kind %d", v.Kind)
}

// UnmarshalJSON reconstructs the tagged union from plain JSON
func (v *MetaValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed := metaFromInterface(raw)
	if parsed == nil {
		return fmt.Errorf("unsupported metadata value: %s", data)
	}
	*v = *parsed
	return nil
}

func metaFromInterface(raw interface{}) *MetaValue {
	switch t := raw.(type) {
	case string:
		return MetaStr(t)
	case float64:
		return MetaNum(t)
	case bool:
		return MetaBoolVal(t)
	case map[string]interface{}:
		m := make(map[string]*MetaValue, len(t))
		for k, val := range t {
			if mv := metaFromInterface(val); mv != nil {
				m[k] = mv
			}
		}
		return MetaMapOf(m)
	case []interface{}:
		list := make([]*MetaValue, 0, len(t))
		for _, val := range t {
			if mv := metaFromInterface(val); mv != nil {
				list = append(list, mv)
			}
		}
		return &MetaValue{Kind: MetaList, List: list}
	case nil:
		return MetaStr("")
	}
	return nil
}

// Clone returns a deep copy so sanitization never mutates caller state
func (v *MetaValue) Clone() *MetaValue {
	if v == nil {
		return nil
	}
	out := &MetaValue{Kind: v.Kind, Str: v.Str, Num: v.Num, Bool: v.Bool}
	if v.Map != nil {
		out.Map = make(map[string]*MetaValue, len(v.Map))
		for k, val := range v.Map {
			out.Map[k] = val.Clone()
		}
	}
	if v.List != nil {
		out.List = make([]*MetaValue, len(v.List))
		for i, val := range v.List {
			out.List[i] = val.Clone()
		}
	}
	return out
}

// SortedKeys returns the map keys in deterministic order. Empty for
// non-map values.
func (v *MetaValue) SortedKeys() []string {
	if v == nil || v.Kind != MetaMap {
		return nil
	}
	keys := make([]string, 0, len(v.Map))
	for k := range v.Map {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
