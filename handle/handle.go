// Package handle exposes the engine over an opaque integer handle with a
// JSON-string operation surface, the shape a foreign-function boundary
// consumes: documents are flat field maps with a reserved "id" field,
// queries are the serialized query AST, and every handle carries its last
// error message for diagnostic retrieval.
package handle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/epochdb/epoch"
	"github.com/epochdb/epoch/query"
)

// ErrUnknownHandle is returned when an operation names a handle that was
// never opened or is already closed.
var ErrUnknownHandle = errors.New("unknown handle")

// DeleteStatus is the three-way outcome of Delete. Callers depend on
// telling not-found apart from a real fault.
type DeleteStatus int

const (
	DeleteOK DeleteStatus = iota
	DeleteNotFound
	DeleteFailed
)

func (s DeleteStatus) String() string {
	switch s {
	case DeleteOK:
		return "ok"
	case DeleteNotFound:
		return "not_found"
	default:
		return "failed"
	}
}

type session struct {
	db *epoch.DB

	mu      sync.Mutex
	lastErr string
}

func (s *session) record(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	return err
}

// Registry maps opaque int64 handles to open databases. Safe for
// concurrent use.
type Registry struct {
	mu   sync.Mutex
	next int64
	open map[int64]*session
}

func NewRegistry() *Registry {
	return &Registry{open: make(map[int64]*session)}
}

// Open opens a database and returns its handle.
func (g *Registry) Open(dataPath, indexPath string, cfg epoch.Config) (int64, error) {
	db, err := epoch.Open(dataPath, indexPath, cfg)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	g.open[g.next] = &session{db: db}
	return g.next, nil
}

// Close closes the database behind h and forgets the handle. Closing an
// unknown or already-closed handle is a no-op.
func (g *Registry) Close(h int64) error {
	g.mu.Lock()
	s, ok := g.open[h]
	delete(g.open, h)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return s.db.Close()
}

func (g *Registry) session(h int64) (*session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.open[h]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", h, ErrUnknownHandle)
	}
	return s, nil
}

// LastError returns the message of the last failed operation on h, or ""
// if the latest operation succeeded.
func (g *Registry) LastError(h int64) string {
	s, err := g.session(h)
	if err != nil {
		return err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func decodeFields(document string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(document), &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	// The id travels in its own argument; a stale embedded one is dropped.
	delete(fields, "id")
	return fields, nil
}

func encodeDocument(rev *epoch.Revision) (string, error) {
	raw, err := json.Marshal(rev.Document())
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func encodeDocuments(revs []*epoch.Revision) (string, error) {
	docs := make([]map[string]any, 0, len(revs))
	for _, rev := range revs {
		docs = append(docs, rev.Document())
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Put saves document (a JSON object of fields) as a new revision of id and
// returns the saved document, id field included.
func (g *Registry) Put(h int64, id, document, branch string) (string, error) {
	s, err := g.session(h)
	if err != nil {
		return "", err
	}
	fields, err := decodeFields(document)
	if err != nil {
		return "", s.record(err)
	}
	rev, err := s.db.Put(id, fields, branch)
	if err != nil {
		return "", s.record(err)
	}
	doc, err := encodeDocument(rev)
	return doc, s.record(err)
}

// Get returns the latest document for id as JSON. Absence surfaces as
// epoch.ErrNotFound, distinguishable from any other fault.
func (g *Registry) Get(h int64, id, branch string) (string, error) {
	s, err := g.session(h)
	if err != nil {
		return "", err
	}
	rev, err := s.db.Get(id, branch)
	if err != nil {
		return "", s.record(err)
	}
	doc, err := encodeDocument(rev)
	return doc, s.record(err)
}

// Delete tombstones id and reports the outcome as a three-way status.
func (g *Registry) Delete(h int64, id, branch string) DeleteStatus {
	s, err := g.session(h)
	if err != nil {
		return DeleteFailed
	}
	err = s.db.Delete(id, branch)
	switch {
	case err == nil:
		s.record(nil)
		return DeleteOK
	case errors.Is(err, epoch.ErrNotFound):
		s.record(err)
		return DeleteNotFound
	default:
		s.record(err)
		return DeleteFailed
	}
}

// History returns every revision of id as a JSON array, newest first.
// Entries carry the revision metadata alongside the fields; a never-written
// id yields "[]".
func (g *Registry) History(h int64, id, branch string) (string, error) {
	s, err := g.session(h)
	if err != nil {
		return "", err
	}
	revs, err := s.db.History(id, branch)
	if err != nil {
		return "", s.record(err)
	}
	if revs == nil {
		revs = []*epoch.Revision{}
	}
	raw, err := json.Marshal(revs)
	if err != nil {
		return "", s.record(err)
	}
	return string(raw), s.record(nil)
}

// ListByPrefix returns the live documents whose id starts with prefix as a
// JSON array ordered by id.
func (g *Registry) ListByPrefix(h int64, prefix, branch string) (string, error) {
	s, err := g.session(h)
	if err != nil {
		return "", err
	}
	revs, err := s.db.ListByPrefix(prefix, branch)
	if err != nil {
		return "", s.record(err)
	}
	out, err := encodeDocuments(revs)
	return out, s.record(err)
}

// ListByTable returns the live documents of a table as a JSON array
// ordered by id.
func (g *Registry) ListByTable(h int64, table, branch string) (string, error) {
	s, err := g.session(h)
	if err != nil {
		return "", err
	}
	revs, err := s.db.ListByTable(table, branch)
	if err != nil {
		return "", s.record(err)
	}
	out, err := encodeDocuments(revs)
	return out, s.record(err)
}

// Query parses rawQuery (the JSON query AST, optionally wrapped with limit
// and offset) and returns {"results", "total", "limit", "offset"} as JSON.
func (g *Registry) Query(h int64, rawQuery, branch string) (string, error) {
	s, err := g.session(h)
	if err != nil {
		return "", err
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(rawQuery), &body); err != nil {
		return "", s.record(fmt.Errorf("%w: %w", epoch.ErrInvalidQuery, err))
	}
	req, err := query.Parse(body)
	if err != nil {
		return "", s.record(err)
	}
	res, err := s.db.Query(req, branch)
	if err != nil {
		return "", s.record(err)
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return "", s.record(err)
	}
	return string(raw), s.record(nil)
}
