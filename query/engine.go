package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/epochdb/epoch/index"
)

// Engine evaluates requests strictly against the search index; it never
// touches the object store.
type Engine struct {
	idx *index.Index
}

// New returns an engine bound to idx.
func New(idx *index.Index) *Engine {
	return &Engine{idx: idx}
}

// Result is a paginated, ordered result set. Total counts matches before
// pagination.
type Result struct {
	Results []map[string]any `json:"results"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// Execute evaluates req on the given branch. Index faults surface as
// ErrExecution; no partial result is ever returned alongside an error.
func (e *Engine) Execute(branch string, req *Request) (*Result, error) {
	hits, err := e.eval(branch, req.Query)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if hits[ids[i]] != hits[ids[j]] {
			return hits[ids[i]] > hits[ids[j]]
		}
		return ids[i] < ids[j]
	})

	total := len(ids)
	if req.Offset < len(ids) {
		ids = ids[req.Offset:]
	} else {
		ids = nil
	}
	if req.Limit > 0 && len(ids) > req.Limit {
		ids = ids[:req.Limit]
	}

	entries, err := e.idx.Entries(branch, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: load entries: %v", ErrExecution, err)
	}
	docs := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		entry, ok := entries[id]
		if !ok {
			return nil, fmt.Errorf("%w: entry %q vanished during evaluation", ErrExecution, id)
		}
		doc := make(map[string]any, len(entry.Fields)+1)
		for k, v := range entry.Fields {
			doc[k] = v
		}
		doc["id"] = id
		docs = append(docs, doc)
	}

	return &Result{Results: docs, Total: total, Limit: req.Limit, Offset: req.Offset}, nil
}

// eval returns id -> score for one clause.
func (e *Engine) eval(branch string, c Clause) (map[string]int, error) {
	switch c.Kind {
	case KindAll:
		ids, err := e.idx.AllIDs(branch)
		if err != nil {
			return nil, fmt.Errorf("%w: all: %v", ErrExecution, err)
		}
		hits := make(map[string]int, len(ids))
		for _, id := range ids {
			hits[id] = 0
		}
		return hits, nil

	case KindMatch:
		hits := make(map[string]int)
		for _, token := range tokenizeQuery(c.Value.(string)) {
			ids, err := e.idx.TokenPostings(branch, c.Field, token)
			if err != nil {
				return nil, fmt.Errorf("%w: match %s: %v", ErrExecution, c.Field, err)
			}
			for _, id := range ids {
				hits[id]++
			}
		}
		return hits, nil

	case KindTerm:
		value, ok := termString(c.Value)
		if !ok {
			return map[string]int{}, nil
		}
		ids, err := e.idx.ValuePostings(branch, c.Field, value)
		if err != nil {
			return nil, fmt.Errorf("%w: term %s: %v", ErrExecution, c.Field, err)
		}
		hits := make(map[string]int, len(ids))
		for _, id := range ids {
			hits[id] = 1
		}
		return hits, nil

	case KindPrefix:
		if c.Field == "" || c.Field == "id" {
			ids, err := e.idx.ListPrefix(branch, c.Value.(string))
			if err != nil {
				return nil, fmt.Errorf("%w: prefix: %v", ErrExecution, err)
			}
			hits := make(map[string]int, len(ids))
			for _, id := range ids {
				hits[id] = 1
			}
			return hits, nil
		}
		return e.scanMatch(branch, c.Field, func(v any) bool {
			s, ok := v.(string)
			return ok && strings.HasPrefix(s, c.Value.(string))
		})

	case KindRange:
		return e.scanMatch(branch, c.Field, func(v any) bool {
			return inRange(v, c.Bounds)
		})

	case KindAnd:
		result, err := e.eval(branch, c.Clauses[0])
		if err != nil {
			return nil, err
		}
		for _, sub := range c.Clauses[1:] {
			hits, err := e.eval(branch, sub)
			if err != nil {
				return nil, err
			}
			for id, score := range result {
				sub, ok := hits[id]
				if !ok {
					delete(result, id)
					continue
				}
				result[id] = score + sub
			}
		}
		return result, nil

	case KindOr:
		result := make(map[string]int)
		for _, sub := range c.Clauses {
			hits, err := e.eval(branch, sub)
			if err != nil {
				return nil, err
			}
			for id, score := range hits {
				result[id] += score
			}
		}
		return result, nil

	case KindNot:
		excluded, err := e.eval(branch, c.Clauses[0])
		if err != nil {
			return nil, err
		}
		ids, err := e.idx.AllIDs(branch)
		if err != nil {
			return nil, fmt.Errorf("%w: not: %v", ErrExecution, err)
		}
		hits := make(map[string]int)
		for _, id := range ids {
			if _, bad := excluded[id]; !bad {
				hits[id] = 0
			}
		}
		return hits, nil

	default:
		return nil, fmt.Errorf("%w: unknown clause kind %q", ErrInvalidQuery, c.Kind)
	}
}

// scanMatch walks every entry on branch and tests a flattened field value.
func (e *Engine) scanMatch(branch, field string, pred func(any) bool) (map[string]int, error) {
	hits := make(map[string]int)
	err := e.idx.Scan(branch, func(id string, entry *index.Entry) error {
		for _, v := range fieldValues(entry.Fields, field) {
			if pred(v) {
				hits[id] = 1
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrExecution, field, err)
	}
	return hits, nil
}
