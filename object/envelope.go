package object

import (
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// Revision is the on-disk format for one version of a document. Prev links
// to the prior revision of the same id, forming the per-document history
// chain. A Deleted revision is a tombstone: the id is absent from that
// point forward.
type Revision struct {
	V         int            `json:"v"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields,omitempty"`
	Prev      string         `json:"prev,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Tree is a sorted name -> ref mapping. The root tree of a commit maps
// table names to subtree refs; each subtree maps document ids to revision
// refs. Unchanged subtrees are shared between commits.
type Tree struct {
	V       int               `json:"v"`
	Entries map[string]string `json:"entries"`
}

// Delta records one document change carried by a commit.
type Delta struct {
	ID       string `json:"id"`
	Revision string `json:"revision"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// Commit is an immutable snapshot of one branch at a point in time.
// Parents has one element for ordinary commits and two for merges.
type Commit struct {
	V         int       `json:"v"`
	Parents   []string  `json:"parents,omitempty"`
	Tree      string    `json:"tree"`
	Branch    string    `json:"branch"`
	Timestamp time.Time `json:"timestamp"`
	Deltas    []Delta   `json:"deltas,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// CanonicalJSON produces a deterministic JSON encoding with sorted keys,
// so identical values always hash to identical refs.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return canonicalEncode(raw)
}

func canonicalEncode(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyBytes, _ := json.Marshal(k)
			buf = append(buf, keyBytes...)
			buf = append(buf, ':')
			valBytes, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, valBytes...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []any:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			itemBytes, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemBytes...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		return json.Marshal(v)
	}
}

func (s *Store) putEnvelope(v any) (Ref, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return Undef, fmt.Errorf("serialize object: %w", err)
	}
	return s.Put(data)
}

func (s *Store) getEnvelope(c Ref, v any) error {
	data, err := s.Get(c)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrCorrupt, RefName(c), err)
	}
	return nil
}

// PutRevision stores a revision envelope.
func (s *Store) PutRevision(r *Revision) (Ref, error) {
	return s.putEnvelope(r)
}

// GetRevision loads a revision by reference.
func (s *Store) GetRevision(c Ref) (*Revision, error) {
	var r Revision
	if err := s.getEnvelope(c, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PutTree stores a tree envelope.
func (s *Store) PutTree(t *Tree) (Ref, error) {
	if t.Entries == nil {
		t.Entries = map[string]string{}
	}
	return s.putEnvelope(t)
}

// GetTree loads a tree by reference. Undef loads as an empty tree, which
// is what the head of a branch with no commits resolves to.
func (s *Store) GetTree(c Ref) (*Tree, error) {
	if c == Undef {
		return &Tree{V: 1, Entries: map[string]string{}}, nil
	}
	var t Tree
	if err := s.getEnvelope(c, &t); err != nil {
		return nil, err
	}
	if t.Entries == nil {
		t.Entries = map[string]string{}
	}
	return &t, nil
}

// PutCommit stores a commit envelope.
func (s *Store) PutCommit(cm *Commit) (Ref, error) {
	return s.putEnvelope(cm)
}

// GetCommit loads a commit by reference.
func (s *Store) GetCommit(c Ref) (*Commit, error) {
	var cm Commit
	if err := s.getEnvelope(c, &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}
