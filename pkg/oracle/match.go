package oracle

import (
	"bytes"
	"encoding/base64"
	"reflect"
	"strings"

	"github.com/nmxmxh/tuskdrift/pkg/json"
	"github.com/nmxmxh/tuskdrift/pkg/schema"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// valuesEqual compares two input values field by field. Both sides must carry
// the same importance-1 fields with equal values; importance-0 paths are
// skipped entirely, so adding an ignored field can never change a match.
func valuesEqual(recorded, incoming span.Value, merges schema.Merges, prefix string) bool {
	keys := make(map[string]struct{}, len(recorded)+len(incoming))
	for k := range recorded {
		keys[k] = struct{}{}
	}
	for k := range incoming {
		keys[k] = struct{}{}
	}

	for k := range keys {
		path := joinPath(prefix, k)
		if merges.Importance(path) == 0 {
			continue
		}
		rv, rok := recorded[k]
		iv, iok := incoming[k]
		if rok != iok {
			return false
		}
		if !fieldEqual(rv, iv, merges, path) {
			return false
		}
	}
	return true
}

func fieldEqual(recorded, incoming interface{}, merges schema.Merges, path string) bool {
	if a, ok := merges.Annotation(path); ok && a.Encoding == schema.EncodingBase64 {
		return base64Equal(recorded, incoming, a.DecodedType)
	}

	switch rv := recorded.(type) {
	case span.Value:
		iv, ok := toValue(incoming)
		return ok && valuesEqual(rv, iv, merges, path)
	case map[string]interface{}:
		iv, ok := toValue(incoming)
		return ok && valuesEqual(span.Value(rv), iv, merges, path)
	case map[string]string:
		iv, ok := toValue(incoming)
		return ok && valuesEqual(stringMapValue(rv), iv, merges, path)
	case []interface{}:
		iv, ok := incoming.([]interface{})
		if !ok || len(rv) != len(iv) {
			return false
		}
		for i := range rv {
			if !fieldEqual(rv[i], iv[i], merges, path) {
				return false
			}
		}
		return true
	}

	return scalarEqual(recorded, incoming)
}

// base64Equal decodes both sides before comparing. JSON payloads compare
// structurally; everything else byte for byte.
func base64Equal(recorded, incoming interface{}, decodedType string) bool {
	rs, rok := recorded.(string)
	is, iok := incoming.(string)
	if !rok || !iok {
		return scalarEqual(recorded, incoming)
	}
	rb, rerr := base64.StdEncoding.DecodeString(rs)
	ib, ierr := base64.StdEncoding.DecodeString(is)
	if rerr != nil || ierr != nil {
		return rs == is
	}
	if strings.Contains(decodedType, "json") {
		var rvAny, ivAny interface{}
		if json.Unmarshal(rb, &rvAny) == nil && json.Unmarshal(ib, &ivAny) == nil {
			return reflect.DeepEqual(rvAny, ivAny)
		}
	}
	return bytes.Equal(rb, ib)
}

// scalarEqual normalizes numerics before comparing: recorded values round-trip
// through JSON and come back as float64.
func scalarEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toValue(v interface{}) (span.Value, bool) {
	switch m := v.(type) {
	case span.Value:
		return m, true
	case map[string]interface{}:
		return span.Value(m), true
	case map[string]string:
		return stringMapValue(m), true
	}
	return nil, false
}

func stringMapValue(m map[string]string) span.Value {
	out := make(span.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
