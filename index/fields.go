package index

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Posting key prefixes. Token postings serve match queries, value postings
// serve exact term queries. The NUL separator cannot appear in field paths
// (flatten rejects it) so keys parse unambiguously.
const (
	tokenPrefix = "tok\x00"
	valuePrefix = "val\x00"
)

func tokenKey(field, token string) []byte {
	return []byte(tokenPrefix + field + "\x00" + token)
}

func valueKey(field, value string) []byte {
	return []byte(valuePrefix + field + "\x00" + value)
}

// flatten walks a document and emits dot-path leaf values: {"a":{"b":1}}
// becomes {"a.b": 1}. Array elements share their parent path.
func flatten(doc map[string]any) map[string][]any {
	out := make(map[string][]any)
	var walk func(path string, v any)
	walk = func(path string, v any) {
		switch val := v.(type) {
		case map[string]any:
			for k, sub := range val {
				if strings.ContainsRune(k, 0) {
					continue
				}
				p := k
				if path != "" {
					p = path + "." + k
				}
				walk(p, sub)
			}
		case []any:
			for _, item := range val {
				walk(path, item)
			}
		default:
			out[path] = append(out[path], v)
		}
	}
	walk("", doc)
	return out
}

// TermValue renders a leaf value as the string used for exact-match
// postings. Numbers use a compact decimal form so 30 and 30.0 collide.
func TermValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", val), true
	}
}

// Tokenize splits text into deduplicated lowercase terms of length >= 2.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var result []string
	for _, w := range words {
		if len(w) < 2 {
			continue
		}
		if !seen[w] {
			seen[w] = true
			result = append(result, w)
		}
	}
	return result
}

// postingKeys computes every posting key a document contributes to.
func postingKeys(fields map[string]any) [][]byte {
	var keys [][]byte
	for path, values := range flatten(fields) {
		for _, v := range values {
			tv, ok := TermValue(v)
			if !ok {
				continue
			}
			keys = append(keys, valueKey(path, tv))
			if s, isStr := v.(string); isStr {
				for _, tok := range Tokenize(s) {
					keys = append(keys, tokenKey(path, tok))
				}
			}
		}
	}
	return keys
}

// FieldValues returns the values at a dot-path field of a document, the
// same view postingKeys indexes.
func FieldValues(fields map[string]any, path string) []any {
	return flatten(fields)[path]
}
