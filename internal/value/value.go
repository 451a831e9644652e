// Package value adapts loosely-typed task parameters and results to cty values
// so the engine can navigate arbitrary nested payloads without a fixed schema.
package value

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Map is the payload shape exchanged with executors: named dynamic values.
type Map map[string]cty.Value

// Null is the untyped null value.
var Null = cty.NullVal(cty.DynamicPseudoType)

// FromGo converts plain Go data (the shapes produced by encoding/json and
// yaml.v3 decoding) into a cty value.
func FromGo(in any) (cty.Value, error) {
	if in == nil {
		return Null, nil
	}
	if v, ok := in.(cty.Value); ok {
		return v, nil
	}
	data, err := json.Marshal(normalizeKeys(in))
	if err != nil {
		return cty.NilVal, fmt.Errorf("value: encode: %w", err)
	}
	return ParseJSON(data)
}

// MustFromGo is FromGo for literals in tests and builtin defaults.
func MustFromGo(in any) cty.Value {
	v, err := FromGo(in)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseJSON decodes arbitrary JSON into a cty value using its implied type.
func ParseJSON(data []byte) (cty.Value, error) {
	var simple ctyjson.SimpleJSONValue
	if err := simple.UnmarshalJSON(data); err != nil {
		return cty.NilVal, fmt.Errorf("value: decode json: %w", err)
	}
	return simple.Value, nil
}

// MapFromGo converts every entry of a Go map.
func MapFromGo(in map[string]any) (Map, error) {
	if in == nil {
		return nil, nil
	}
	out := make(Map, len(in))
	for key, raw := range in {
		v, err := FromGo(raw)
		if err != nil {
			return nil, fmt.Errorf("value: %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// ToGo converts a cty value back into plain Go data. Unknown values become nil.
func ToGo(v cty.Value) any {
	if v.IsNull() || !v.IsKnown() {
		return nil
	}
	v, _ = v.Unmark()
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString()
	case ty == cty.Bool:
		return v.True()
	case ty == cty.Number:
		return numberToGo(v.AsBigFloat())
	case ty.IsListType() || ty.IsSetType() || ty.IsTupleType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			out = append(out, ToGo(elem))
		}
		return out
	case ty.IsMapType() || ty.IsObjectType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			out[key.AsString()] = ToGo(elem)
		}
		return out
	}
	return nil
}

// MapToGo converts every entry back into plain Go data.
func (m Map) ToGo() map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for key, v := range m {
		out[key] = ToGo(v)
	}
	return out
}

// Object packs the map into a single object value so it can be navigated.
func (m Map) Object() cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(map[string]cty.Value(m))
}

// Keys returns the sorted keys.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy; cty values are immutable.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for key, v := range m {
		out[key] = v
	}
	return out
}

// MarshalJSON encodes the map as a plain JSON object.
func (m Map) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToGo())
}

// UnmarshalJSON decodes a plain JSON object.
func (m *Map) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*m = nil
		return nil
	}
	out := make(Map, len(raw))
	for key, item := range raw {
		v, err := ParseJSON(item)
		if err != nil {
			return fmt.Errorf("value: %s: %w", key, err)
		}
		out[key] = v
	}
	*m = out
	return nil
}

// Render turns a value into the text spliced into a larger string. Strings are
// used verbatim, null renders as empty, and containers render as JSON.
func Render(v cty.Value) string {
	if v.IsNull() || !v.IsKnown() {
		return ""
	}
	v, _ = v.Unmark()
	ty := v.Type()
	if ty.IsPrimitiveType() {
		if str, err := convert.Convert(v, cty.String); err == nil {
			return str.AsString()
		}
	}
	data, err := JSON(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// JSON encodes the value as plain JSON without type annotations.
func JSON(v cty.Value) ([]byte, error) {
	return json.Marshal(ToGo(v))
}

func numberToGo(bf *big.Float) any {
	if bf.IsInt() {
		if i, acc := bf.Int64(); acc == big.Exact {
			return i
		}
	}
	f, _ := bf.Float64()
	return f
}

// normalizeKeys rewrites map[any]any produced by some YAML decoders into
// JSON-compatible maps.
func normalizeKeys(in any) any {
	switch typed := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[fmt.Sprint(key)] = normalizeKeys(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = normalizeKeys(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeKeys(item)
		}
		return out
	}
	return in
}
