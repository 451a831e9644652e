package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/kingrea/reconflow/internal/value"
)

// StringParam reads a string parameter. Numbers and bools are converted.
func StringParam(params value.Map, key string) (string, bool, error) {
	v, ok := params[key]
	if !ok || v.IsNull() {
		return "", false, nil
	}
	str, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", true, fmt.Errorf("parameter %s: expected string, got %s", key, v.Type().FriendlyName())
	}
	return str.AsString(), true, nil
}

// StringsParam reads a list of strings. A single string is treated as a
// one-element list; an absent parameter yields nil.
func StringsParam(params value.Map, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v.IsNull() {
		return nil, nil
	}
	if v.Type() == cty.String {
		return []string{v.AsString()}, nil
	}
	if !value.IsSequence(v.Type()) {
		return nil, fmt.Errorf("parameter %s: expected list of strings, got %s", key, v.Type().FriendlyName())
	}
	out := make([]string, 0, v.LengthInt())
	for it := v.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if elem.IsNull() {
			continue
		}
		str, err := convert.Convert(elem, cty.String)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: expected list of strings, found %s", key, elem.Type().FriendlyName())
		}
		out = append(out, str.AsString())
	}
	return out, nil
}

// BoolParam reads a bool parameter, returning def when absent.
func BoolParam(params value.Map, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok || v.IsNull() {
		return def, nil
	}
	b, err := convert.Convert(v, cty.Bool)
	if err != nil {
		return def, fmt.Errorf("parameter %s: expected bool, got %s", key, v.Type().FriendlyName())
	}
	return b.True(), nil
}

// ListParam returns the elements of a sequence parameter.
func ListParam(params value.Map, key string) ([]cty.Value, error) {
	v, ok := params[key]
	if !ok || v.IsNull() {
		return nil, nil
	}
	if !value.IsSequence(v.Type()) {
		return nil, fmt.Errorf("parameter %s: expected list, got %s", key, v.Type().FriendlyName())
	}
	out := make([]cty.Value, 0, v.LengthInt())
	for it := v.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		out = append(out, elem)
	}
	return out, nil
}

// configString reads a string setting.
func configString(cfg Config, key, def string) string {
	if raw, ok := cfg[key]; ok {
		if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return def
}

// configStrings reads a list setting from YAML-decoded data.
func configStrings(cfg Config, key string) []string {
	switch raw := cfg[key].(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if raw == "" {
			return nil
		}
		return []string{raw}
	}
	return nil
}

// configDuration accepts Go duration strings or a number of seconds.
func configDuration(cfg Config, key string, def time.Duration) time.Duration {
	switch raw := cfg[key].(type) {
	case string:
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	case int:
		if raw > 0 {
			return time.Duration(raw) * time.Second
		}
	case float64:
		if raw > 0 {
			return time.Duration(raw * float64(time.Second))
		}
	case time.Duration:
		if raw > 0 {
			return raw
		}
	}
	return def
}
