package query

import (
	"strings"

	"github.com/epochdb/epoch/index"
)

// Tokenization and value rendering defer to the index package so a query
// always splits text exactly the way the postings were built.

func tokenizeQuery(text string) []string {
	return index.Tokenize(text)
}

func termString(v any) (string, bool) {
	return index.TermValue(v)
}

func fieldValues(fields map[string]any, path string) []any {
	return index.FieldValues(fields, path)
}

// inRange tests a document value against parsed range bounds. Numbers
// compare numerically, strings lexicographically; a value of the wrong
// kind never matches.
func inRange(v any, bounds map[string]any) bool {
	for bound, limit := range bounds {
		cmp, ok := compare(v, limit)
		if !ok {
			return false
		}
		switch bound {
		case "gt":
			if cmp <= 0 {
				return false
			}
		case "gte":
			if cmp < 0 {
				return false
			}
		case "lt":
			if cmp >= 0 {
				return false
			}
		case "lte":
			if cmp > 0 {
				return false
			}
		}
	}
	return true
}

// compare orders two scalars of the same kind. The bool result is false
// for mismatched or non-comparable kinds.
func compare(a, b any) (int, bool) {
	if na, ok := asFloat(a); ok {
		nb, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		// msgpack can hand back either integer width after a roundtrip.
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}
