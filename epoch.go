// Package epoch is a versioned document database. Documents live in tables,
// every write becomes an immutable content-addressed revision linked into a
// git-like commit history, and branches give isolated views over the same
// store. A derived search index answers structured queries per branch.
package epoch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/epochdb/epoch/branch"
	"github.com/epochdb/epoch/index"
	"github.com/epochdb/epoch/object"
	"github.com/epochdb/epoch/query"
	"github.com/epochdb/epoch/repo"
)

// Revision is a materialized document revision.
type Revision = repo.Revision

// Config tunes an opened database. The zero value is usable.
type Config struct {
	// DefaultBranch is the branch used when operations pass an empty
	// branch name. Defaults to "main".
	DefaultBranch string

	// MaxRetries bounds the optimistic-concurrency retry loop on writes
	// before giving up with ErrWriteConflict. Defaults to 8.
	MaxRetries int

	// SyncWrites fsyncs object and ref writes before rename. Slower,
	// survives power loss.
	SyncWrites bool

	// Logger receives operational logging. Nil discards.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DefaultBranch == "" {
		c.DefaultBranch = "main"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// DB is an open database handle. Safe for concurrent use. Once a storage
// corruption is detected the handle latches failed and every subsequent
// call returns ErrClosed wrapped around the original corruption error.
type DB struct {
	repo   *repo.Repository
	engine *query.Engine
	idx    *index.Index
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
	broken error
}

// Open opens (creating if needed) the object store and branch refs under
// dataPath and the search index under indexPath. On reopen it verifies the
// index against each branch head and rebuilds any branch that diverged.
func Open(dataPath, indexPath string, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()

	objects, err := object.OpenStore(filepath.Join(dataPath, "objects"), cfg.SyncWrites)
	if err != nil {
		return nil, err
	}
	branches, err := branch.Open(filepath.Join(dataPath, "refs"), cfg.DefaultBranch, cfg.SyncWrites)
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(indexPath, cfg.SyncWrites, cfg.Logger)
	if err != nil {
		return nil, err
	}

	r := repo.New(objects, branches, idx, cfg.MaxRetries, cfg.Logger)
	for _, name := range r.Branches() {
		// The index records the last commit it applied in the same
		// transaction as the entries; when that matches the branch head
		// the index is current and the walk is skipped. Anything else
		// (tampering, or a crash between pointer advance and index
		// apply) is repaired by replaying the head, which costs the
		// same as a full verification walk.
		current, err := r.UpToDate(name)
		if err != nil {
			idx.Close()
			return nil, fmt.Errorf("check %s: %w", name, err)
		}
		if current {
			continue
		}
		cfg.Logger.Warn("index out of sync, rebuilding", "branch", name)
		if err := r.Rebuild(name); err != nil {
			idx.Close()
			return nil, fmt.Errorf("rebuild %s: %w", name, err)
		}
	}

	return &DB{
		repo:   r,
		engine: query.New(idx),
		idx:    idx,
		log:    cfg.Logger,
	}, nil
}

// Close releases the index database. Further calls on the handle return
// ErrClosed. Closing twice is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.idx.Close()
}

func (db *DB) guard() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if db.broken != nil {
		return fmt.Errorf("%w: %w", ErrClosed, db.broken)
	}
	return nil
}

// fail latches the handle on storage corruption and passes err through.
func (db *DB) fail(err error) error {
	if err == nil || !errors.Is(err, object.ErrCorrupt) {
		return err
	}
	db.mu.Lock()
	if db.broken == nil {
		db.broken = err
		db.log.Error("storage corruption detected, handle disabled", "err", err)
	}
	db.mu.Unlock()
	return err
}

// Put writes fields as a new revision of id on the named branch and returns
// the saved revision. An id ending in ":" gets a generated local part.
func (db *DB) Put(id string, fields map[string]any, branch string) (*Revision, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	rev, err := db.repo.Put(id, fields, branch)
	return rev, db.fail(err)
}

// Get returns the latest live revision of id on the named branch.
func (db *DB) Get(id, branch string) (*Revision, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	rev, err := db.repo.Get(id, branch)
	return rev, db.fail(err)
}

// Delete writes a tombstone revision for id. ErrNotFound if id has no live
// revision on the branch.
func (db *DB) Delete(id, branch string) error {
	if err := db.guard(); err != nil {
		return err
	}
	return db.fail(db.repo.Delete(id, branch))
}

// History returns every revision of id, newest first, tombstones included.
// An id never written yields an empty history, not an error.
func (db *DB) History(id, branch string) ([]*Revision, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	revs, err := db.repo.History(id, branch)
	return revs, db.fail(err)
}

// ListByPrefix returns the live revisions whose id starts with prefix,
// ordered by id.
func (db *DB) ListByPrefix(prefix, branch string) ([]*Revision, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	revs, err := db.repo.ListByPrefix(prefix, branch)
	return revs, db.fail(err)
}

// ListByTable returns the live revisions of a table, ordered by id.
func (db *DB) ListByTable(table, branch string) ([]*Revision, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	revs, err := db.repo.ListByTable(table, branch)
	return revs, db.fail(err)
}

// Query evaluates a parsed query against the named branch.
func (db *DB) Query(req *query.Request, branch string) (*query.Result, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	if !db.repo.BranchExists(branch) {
		return nil, fmt.Errorf("query %q: %w", db.repo.BranchName(branch), ErrBranchNotFound)
	}
	res, err := db.engine.Execute(db.repo.BranchName(branch), req)
	return res, db.fail(err)
}

// Merge folds the source branch's changes into target with a two-parent
// commit. Per document the newer revision wins; source wins timestamp ties.
func (db *DB) Merge(source, target string) error {
	if err := db.guard(); err != nil {
		return err
	}
	return db.fail(db.repo.Merge(source, target))
}

// Branches lists the known branch names, sorted.
func (db *DB) Branches() ([]string, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	return db.repo.Branches(), nil
}

// Check verifies that the index agrees with the branch head. Returns
// ErrInconsistent on divergence.
func (db *DB) Check(branch string) error {
	if err := db.guard(); err != nil {
		return err
	}
	return db.fail(db.repo.Check(branch))
}

// Rebuild resets the branch's index and re-applies the head tree.
func (db *DB) Rebuild(branch string) error {
	if err := db.guard(); err != nil {
		return err
	}
	return db.fail(db.repo.Rebuild(branch))
}
