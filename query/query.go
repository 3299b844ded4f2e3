// Package query evaluates structured query ASTs against the search index.
//
// A request is a JSON object: {"query": <clause>, "limit": n, "offset": n}.
// Clause shapes:
//
//	{"type": "match",  "field": "name", "value": "alice cooper"}
//	{"type": "term",   "field": "age",  "value": 30}
//	{"type": "prefix", "value": "user:"}              // id prefix
//	{"type": "prefix", "field": "name", "value": "Al"}
//	{"type": "range",  "field": "age", "gte": 18, "lt": 65}
//	{"type": "and"|"or", "clauses": [...]}
//	{"type": "not",    "clause": {...}}
//	{"type": "all"}
//
// Results are ordered by descending score (number of matching terms and
// clauses), ties broken by id ascending; the order is stable for a fixed
// index state.
package query

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidQuery means the AST is malformed; nothing was evaluated.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrExecution means the index faulted during evaluation. No partial
	// results are returned.
	ErrExecution = errors.New("query execution failed")
)

// Clause kinds.
const (
	KindMatch  = "match"
	KindTerm   = "term"
	KindPrefix = "prefix"
	KindRange  = "range"
	KindAnd    = "and"
	KindOr     = "or"
	KindNot    = "not"
	KindAll    = "all"
)

// DefaultLimit bounds result pages when the caller does not set a limit.
const DefaultLimit = 100

// Clause is one validated node of the query AST.
type Clause struct {
	Kind    string
	Field   string
	Value   any
	Bounds  map[string]any // gt, gte, lt, lte
	Clauses []Clause
}

// Request is a validated query with pagination.
type Request struct {
	Query  Clause
	Limit  int
	Offset int
}

// Parse validates a decoded JSON query object into a Request. The clause
// may be nested under "query" or be the top-level object itself.
func Parse(raw map[string]any) (*Request, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty query object", ErrInvalidQuery)
	}
	req := &Request{Limit: DefaultLimit}

	clauseRaw := raw
	if q, ok := raw["query"]; ok {
		m, ok := q.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: \"query\" must be an object", ErrInvalidQuery)
		}
		clauseRaw = m

		var err error
		if req.Limit, err = intField(raw, "limit", DefaultLimit); err != nil {
			return nil, err
		}
		if req.Offset, err = intField(raw, "offset", 0); err != nil {
			return nil, err
		}
		if req.Limit < 0 || req.Offset < 0 {
			return nil, fmt.Errorf("%w: limit and offset must be non-negative", ErrInvalidQuery)
		}
	}

	clause, err := parseClause(clauseRaw)
	if err != nil {
		return nil, err
	}
	req.Query = clause
	return req, nil
}

func intField(raw map[string]any, key string, def int) (int, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %q must be an integer", ErrInvalidQuery, key)
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidQuery, key)
	}
}

func parseClause(raw map[string]any) (Clause, error) {
	kindRaw, ok := raw["type"]
	if !ok {
		return Clause{}, fmt.Errorf("%w: clause missing \"type\"", ErrInvalidQuery)
	}
	kind, ok := kindRaw.(string)
	if !ok {
		return Clause{}, fmt.Errorf("%w: clause \"type\" must be a string", ErrInvalidQuery)
	}

	switch kind {
	case KindAll:
		return Clause{Kind: KindAll}, nil

	case KindMatch:
		field, err := stringField(raw, "field", true)
		if err != nil {
			return Clause{}, err
		}
		value, ok := raw["value"].(string)
		if !ok || value == "" {
			return Clause{}, fmt.Errorf("%w: match requires a non-empty string \"value\"", ErrInvalidQuery)
		}
		return Clause{Kind: KindMatch, Field: field, Value: value}, nil

	case KindTerm:
		field, err := stringField(raw, "field", true)
		if err != nil {
			return Clause{}, err
		}
		value, ok := raw["value"]
		if !ok || value == nil {
			return Clause{}, fmt.Errorf("%w: term requires \"value\"", ErrInvalidQuery)
		}
		switch value.(type) {
		case string, float64, bool, int, int64:
		default:
			return Clause{}, fmt.Errorf("%w: term \"value\" must be a scalar", ErrInvalidQuery)
		}
		return Clause{Kind: KindTerm, Field: field, Value: value}, nil

	case KindPrefix:
		field, err := stringField(raw, "field", false)
		if err != nil {
			return Clause{}, err
		}
		value, ok := raw["value"].(string)
		if !ok || value == "" {
			return Clause{}, fmt.Errorf("%w: prefix requires a non-empty string \"value\"", ErrInvalidQuery)
		}
		return Clause{Kind: KindPrefix, Field: field, Value: value}, nil

	case KindRange:
		field, err := stringField(raw, "field", true)
		if err != nil {
			return Clause{}, err
		}
		bounds := make(map[string]any)
		for _, b := range []string{"gt", "gte", "lt", "lte"} {
			v, ok := raw[b]
			if !ok || v == nil {
				continue
			}
			switch v.(type) {
			case string, float64, int, int64:
			default:
				return Clause{}, fmt.Errorf("%w: range bound %q must be a number or string", ErrInvalidQuery, b)
			}
			bounds[b] = v
		}
		if len(bounds) == 0 {
			return Clause{}, fmt.Errorf("%w: range requires at least one of gt/gte/lt/lte", ErrInvalidQuery)
		}
		if _, both := bounds["gt"]; both {
			if _, alsoGte := bounds["gte"]; alsoGte {
				return Clause{}, fmt.Errorf("%w: range has both gt and gte", ErrInvalidQuery)
			}
		}
		if _, both := bounds["lt"]; both {
			if _, alsoLte := bounds["lte"]; alsoLte {
				return Clause{}, fmt.Errorf("%w: range has both lt and lte", ErrInvalidQuery)
			}
		}
		return Clause{Kind: KindRange, Field: field, Bounds: bounds}, nil

	case KindAnd, KindOr:
		rawClauses, ok := raw["clauses"].([]any)
		if !ok || len(rawClauses) == 0 {
			return Clause{}, fmt.Errorf("%w: %s requires a non-empty \"clauses\" array", ErrInvalidQuery, kind)
		}
		clauses := make([]Clause, 0, len(rawClauses))
		for _, rc := range rawClauses {
			m, ok := rc.(map[string]any)
			if !ok {
				return Clause{}, fmt.Errorf("%w: %s clauses must be objects", ErrInvalidQuery, kind)
			}
			c, err := parseClause(m)
			if err != nil {
				return Clause{}, err
			}
			clauses = append(clauses, c)
		}
		return Clause{Kind: kind, Clauses: clauses}, nil

	case KindNot:
		m, ok := raw["clause"].(map[string]any)
		if !ok {
			return Clause{}, fmt.Errorf("%w: not requires a \"clause\" object", ErrInvalidQuery)
		}
		inner, err := parseClause(m)
		if err != nil {
			return Clause{}, err
		}
		return Clause{Kind: KindNot, Clauses: []Clause{inner}}, nil

	default:
		return Clause{}, fmt.Errorf("%w: unknown clause type %q", ErrInvalidQuery, kind)
	}
}

func stringField(raw map[string]any, key string, required bool) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%w: clause missing %q", ErrInvalidQuery, key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok || (required && s == "") {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrInvalidQuery, key)
	}
	return s, nil
}
