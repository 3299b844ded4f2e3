// Package repo implements the per-document API on top of the object
// store, branch manager, and search index. Every mutation follows the
// same path: write immutable objects, advance the branch pointer with a
// compare-and-swap (retrying the whole resolve/build/advance round on
// conflict), then apply the delta to the index. Reads resolve the branch
// head and walk immutable objects, so they never block behind a writer.
package repo

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epochdb/epoch/branch"
	"github.com/epochdb/epoch/index"
	"github.com/epochdb/epoch/object"
)

var (
	// ErrNotFound means the id is absent or tombstoned on the branch.
	ErrNotFound = errors.New("document not found")
	// ErrWriteConflict means the bounded CAS retry loop was exhausted.
	ErrWriteConflict = errors.New("write conflict: too many concurrent writers")
	// ErrInvalidID rejects ids the store cannot represent.
	ErrInvalidID = errors.New("invalid document id")
)

// Revision is one materialized version of a document.
type Revision struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Deleted   bool           `json:"deleted,omitempty"`
	Branch    string         `json:"branch"`
	Commit    string         `json:"commit,omitempty"`
	Ref       string         `json:"ref"`
	Prev      string         `json:"prev,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Document returns the revision as a flat field map with the reserved id
// field filled in, the shape the boundary serializes.
func (r *Revision) Document() map[string]any {
	doc := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		doc[k] = v
	}
	doc["id"] = r.ID
	return doc
}

// Repository coordinates documents across the store, branches, and index.
type Repository struct {
	objects  *object.Store
	branches *branch.Manager
	idx      *index.Index
	log      *slog.Logger
	retries  int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New assembles a repository. retries bounds the CAS loop per mutation.
func New(objects *object.Store, branches *branch.Manager, idx *index.Index, retries int, log *slog.Logger) *Repository {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Repository{
		objects:  objects,
		branches: branches,
		idx:      idx,
		log:      log,
		retries:  retries,
		locks:    make(map[string]*sync.Mutex),
	}
}

// branchLock returns the per-branch mutex serializing pointer advance and
// index apply. Advancing the pointer and applying the delta must be one
// critical section: otherwise two writers can apply their deltas in the
// opposite order of their commits and the index sticks with the older
// revision.
func (r *Repository) branchLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// Table returns the table prefix of an id: everything before the first
// colon, or "" when the id has none.
func Table(id string) string {
	if table, _, ok := strings.Cut(id, ":"); ok {
		return table
	}
	return ""
}

// normalizeID validates the id convention and generates a local part for
// ids like "user:" that name only a table.
func normalizeID(id string) (string, error) {
	if id == "" || strings.HasPrefix(id, ":") || strings.ContainsRune(id, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if strings.HasSuffix(id, ":") && strings.Count(id, ":") == 1 {
		return id + uuid.NewString(), nil
	}
	return id, nil
}

// resolveForWrite returns the head the mutation builds against. An
// unknown branch resolves to the default branch's head; create reports
// that the branch pointer does not exist yet. Nothing is persisted here:
// the pointer is only created once the mutation is known to succeed, so
// a failed delete on a never-written branch leaves no branch behind.
func (r *Repository) resolveForWrite(name string) (head object.Ref, create bool, err error) {
	head, err = r.branches.Resolve(name)
	if err == nil {
		return head, false, nil
	}
	if !errors.Is(err, branch.ErrNotFound) {
		return object.Undef, false, err
	}
	head, err = r.branches.Resolve("")
	return head, true, err
}

// trees loads the root tree and the subtree for table at the given head.
func (r *Repository) trees(head object.Ref, table string) (*object.Tree, *object.Tree, error) {
	rootRef, err := r.headTree(head)
	if err != nil {
		return nil, nil, err
	}
	root, err := r.objects.GetTree(rootRef)
	if err != nil {
		return nil, nil, err
	}
	subRef, err := object.ParseRef(root.Entries[table])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: tree ref for table %q: %v", object.ErrCorrupt, table, err)
	}
	sub, err := r.objects.GetTree(subRef)
	if err != nil {
		return nil, nil, err
	}
	return root, sub, nil
}

// headTree resolves a commit head to its tree ref. Undef head means an
// empty tree.
func (r *Repository) headTree(head object.Ref) (object.Ref, error) {
	if head == object.Undef {
		return object.Undef, nil
	}
	cm, err := r.objects.GetCommit(head)
	if err != nil {
		return object.Undef, err
	}
	ref, err := object.ParseRef(cm.Tree)
	if err != nil {
		return object.Undef, fmt.Errorf("%w: commit tree ref: %v", object.ErrCorrupt, err)
	}
	return ref, nil
}

// mutate runs the optimistic concurrency loop: resolve the head, let
// build produce the new commit against it, then CAS the branch pointer
// and apply the index delta under the branch lock. build returns the
// commit and the revision to hand back.
func (r *Repository) mutate(op, id, name string, build func(head object.Ref) (*object.Commit, *Revision, error)) (*Revision, error) {
	name = r.branches.Name(name)
	for attempt := 0; attempt < r.retries; attempt++ {
		head, create, err := r.resolveForWrite(name)
		if err != nil {
			return nil, err
		}
		cm, rev, err := build(head)
		if err != nil {
			return nil, err
		}
		cmRef, err := r.objects.PutCommit(cm)
		if err != nil {
			return nil, err
		}

		rev.Commit = object.RefName(cmRef)
		delta := index.Delta{
			Branch:  name,
			ID:      rev.ID,
			Table:   Table(rev.ID),
			Fields:  rev.Fields,
			Deleted: rev.Deleted,
			Commit:  rev.Commit,
			Updated: rev.Timestamp,
		}
		advanced, err := r.commitAndApply(name, cmRef, head, create, delta)
		if err != nil {
			return nil, err
		}
		if !advanced {
			r.log.Debug("branch moved during commit, retrying",
				"op", op, "branch", name, "attempt", attempt+1)
			continue
		}
		return rev, nil
	}
	return nil, fmt.Errorf("%w: %s %q on branch %q after %d attempts",
		ErrWriteConflict, op, id, name, r.retries)
}

// commitAndApply advances the branch pointer and applies the index delta
// as one critical section, so deltas always land in commit order. It
// creates and index-seeds the branch pointer here, after the mutation is
// known to be valid. Returns false when the pointer moved and the caller
// must retry with a fresh head.
func (r *Repository) commitAndApply(name string, next, expected object.Ref, create bool, delta index.Delta) (bool, error) {
	lock := r.branchLock(name)
	lock.Lock()
	defer lock.Unlock()

	if create {
		switch err := r.branches.CreateFrom(name, ""); {
		case err == nil:
			// The new branch inherits the default's documents, so its
			// index starts as a copy of that visible state.
			if err := r.replayHead(name); err != nil {
				return false, err
			}
		case errors.Is(err, branch.ErrConflict):
			// A racing writer created the branch first. The CAS below
			// sees the stale expected head and the caller retries.
		default:
			return false, err
		}
	}

	err := r.branches.Advance(name, next, expected)
	if errors.Is(err, branch.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := r.idx.Apply(delta); err != nil {
		return false, fmt.Errorf("apply index delta for %q: %w", delta.ID, err)
	}
	return true, nil
}

// buildCommit writes the revision plus its updated trees and assembles
// the commit envelope. prevRef is the revision the new one chains to.
func (r *Repository) buildCommit(head object.Ref, name, id string, rev *object.Revision, message string) (*object.Commit, string, error) {
	table := Table(id)
	root, sub, err := r.trees(head, table)
	if err != nil {
		return nil, "", err
	}

	rev.Prev = sub.Entries[id]
	revRef, err := r.objects.PutRevision(rev)
	if err != nil {
		return nil, "", err
	}

	newSub := &object.Tree{V: 1, Entries: make(map[string]string, len(sub.Entries)+1)}
	for k, v := range sub.Entries {
		newSub.Entries[k] = v
	}
	newSub.Entries[id] = object.RefName(revRef)
	subRef, err := r.objects.PutTree(newSub)
	if err != nil {
		return nil, "", err
	}

	newRoot := &object.Tree{V: 1, Entries: make(map[string]string, len(root.Entries)+1)}
	for k, v := range root.Entries {
		newRoot.Entries[k] = v
	}
	newRoot.Entries[table] = object.RefName(subRef)
	rootRef, err := r.objects.PutTree(newRoot)
	if err != nil {
		return nil, "", err
	}

	cm := &object.Commit{
		V:         1,
		Tree:      object.RefName(rootRef),
		Branch:    name,
		Timestamp: rev.Timestamp,
		Deltas:    []object.Delta{{ID: id, Revision: object.RefName(revRef), Deleted: rev.Deleted}},
		Message:   message,
	}
	if head != object.Undef {
		cm.Parents = []string{object.RefName(head)}
	}
	return cm, object.RefName(revRef), nil
}

// Put saves a new revision of id on the branch and returns it.
func (r *Repository) Put(id string, fields map[string]any, branchName string) (*Revision, error) {
	id, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	name := r.branches.Name(branchName)

	return r.mutate("put", id, name, func(head object.Ref) (*object.Commit, *Revision, error) {
		now := time.Now().UTC()
		env := &object.Revision{V: 1, ID: id, Fields: fields, Timestamp: now}
		cm, revRef, err := r.buildCommit(head, name, id, env, "put "+id)
		if err != nil {
			return nil, nil, err
		}
		rev := &Revision{
			ID:        id,
			Fields:    fields,
			Branch:    name,
			Ref:       revRef,
			Prev:      env.Prev,
			Timestamp: now,
		}
		return cm, rev, nil
	})
}

// Delete writes a tombstone revision for id. Deleting an id with no
// prior live revision fails with ErrNotFound.
func (r *Repository) Delete(id string, branchName string) error {
	name := r.branches.Name(branchName)

	_, err := r.mutate("delete", id, name, func(head object.Ref) (*object.Commit, *Revision, error) {
		_, sub, err := r.trees(head, Table(id))
		if err != nil {
			return nil, nil, err
		}
		prior, err := r.latest(sub, id)
		if err != nil {
			return nil, nil, err
		}
		if prior == nil || prior.Deleted {
			return nil, nil, fmt.Errorf("%w: %q on branch %q", ErrNotFound, id, name)
		}

		now := time.Now().UTC()
		env := &object.Revision{V: 1, ID: id, Deleted: true, Timestamp: now}
		cm, revRef, err := r.buildCommit(head, name, id, env, "delete "+id)
		if err != nil {
			return nil, nil, err
		}
		rev := &Revision{
			ID:        id,
			Deleted:   true,
			Branch:    name,
			Ref:       revRef,
			Prev:      env.Prev,
			Timestamp: now,
		}
		return cm, rev, nil
	})
	return err
}

// latest loads the revision a subtree currently points at for id, or nil
// when the id has never been written.
func (r *Repository) latest(sub *object.Tree, id string) (*object.Revision, error) {
	refName, ok := sub.Entries[id]
	if !ok {
		return nil, nil
	}
	ref, err := object.ParseRef(refName)
	if err != nil {
		return nil, fmt.Errorf("%w: revision ref for %q: %v", object.ErrCorrupt, id, err)
	}
	return r.objects.GetRevision(ref)
}

// Get returns the latest non-tombstone revision of id on the branch.
func (r *Repository) Get(id string, branchName string) (*Revision, error) {
	name := r.branches.Name(branchName)
	head, err := r.branches.Resolve(name)
	if err != nil {
		return nil, err
	}
	// Definitely-absent ids skip the tree walk entirely.
	if head != object.Undef && !r.idx.MightContain(name, id) {
		return nil, fmt.Errorf("%w: %q on branch %q", ErrNotFound, id, name)
	}

	_, sub, err := r.trees(head, Table(id))
	if err != nil {
		return nil, err
	}
	env, err := r.latest(sub, id)
	if err != nil {
		return nil, err
	}
	if env == nil || env.Deleted {
		return nil, fmt.Errorf("%w: %q on branch %q", ErrNotFound, id, name)
	}
	return &Revision{
		ID:        env.ID,
		Fields:    env.Fields,
		Branch:    name,
		Commit:    object.RefName(head),
		Ref:       sub.Entries[id],
		Prev:      env.Prev,
		Timestamp: env.Timestamp,
	}, nil
}

// History returns every revision of id on the branch, newest first, by
// walking the parent-revision chain. An id never written yields an empty
// slice, not an error.
func (r *Repository) History(id string, branchName string) ([]*Revision, error) {
	name := r.branches.Name(branchName)
	head, err := r.branches.Resolve(name)
	if err != nil {
		return nil, err
	}
	_, sub, err := r.trees(head, Table(id))
	if err != nil {
		return nil, err
	}
	refName, ok := sub.Entries[id]
	if !ok {
		return nil, nil
	}

	commits, err := r.commitsFor(head, id)
	if err != nil {
		return nil, err
	}

	var out []*Revision
	for refName != "" {
		ref, err := object.ParseRef(refName)
		if err != nil {
			return nil, fmt.Errorf("%w: revision chain of %q: %v", object.ErrCorrupt, id, err)
		}
		env, err := r.objects.GetRevision(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, &Revision{
			ID:        env.ID,
			Fields:    env.Fields,
			Deleted:   env.Deleted,
			Branch:    name,
			Commit:    commits[refName],
			Ref:       refName,
			Prev:      env.Prev,
			Timestamp: env.Timestamp,
		})
		refName = env.Prev
	}
	return out, nil
}

// commitsFor walks the commit chain (first parent) and maps each of id's
// revision refs to the commit that introduced it.
func (r *Repository) commitsFor(head object.Ref, id string) (map[string]string, error) {
	out := make(map[string]string)
	current := head
	for current != object.Undef {
		cm, err := r.objects.GetCommit(current)
		if err != nil {
			return nil, err
		}
		for _, d := range cm.Deltas {
			if d.ID == id {
				out[d.Revision] = object.RefName(current)
			}
		}
		if len(cm.Parents) == 0 {
			break
		}
		parent, err := object.ParseRef(cm.Parents[0])
		if err != nil {
			return nil, fmt.Errorf("%w: commit parent: %v", object.ErrCorrupt, err)
		}
		current = parent
	}
	return out, nil
}

// ListByPrefix returns the current revisions whose id starts with prefix,
// materialized from the index in id order.
func (r *Repository) ListByPrefix(prefix string, branchName string) ([]*Revision, error) {
	name := r.branches.Name(branchName)
	if _, err := r.branches.Resolve(name); err != nil {
		return nil, err
	}
	ids, err := r.idx.ListPrefix(name, prefix)
	if err != nil {
		return nil, err
	}
	entries, err := r.idx.Entries(name, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*Revision, 0, len(ids))
	for _, id := range ids {
		entry, ok := entries[id]
		if !ok {
			continue
		}
		out = append(out, &Revision{
			ID:        id,
			Fields:    entry.Fields,
			Branch:    name,
			Commit:    entry.Commit,
			Timestamp: entry.Updated,
		})
	}
	return out, nil
}

// ListByTable returns the current revisions in a table, equivalent to
// ListByPrefix(table + ":").
func (r *Repository) ListByTable(table string, branchName string) ([]*Revision, error) {
	return r.ListByPrefix(table+":", branchName)
}

// liveSet walks a branch head's trees and returns the sorted ids whose
// latest revision is not a tombstone.
func (r *Repository) liveSet(head object.Ref) ([]string, error) {
	rootRef, err := r.headTree(head)
	if err != nil {
		return nil, err
	}
	root, err := r.objects.GetTree(rootRef)
	if err != nil {
		return nil, err
	}
	var ids []string
	for table, subRefName := range root.Entries {
		subRef, err := object.ParseRef(subRefName)
		if err != nil {
			return nil, fmt.Errorf("%w: subtree ref for table %q: %v", object.ErrCorrupt, table, err)
		}
		sub, err := r.objects.GetTree(subRef)
		if err != nil {
			return nil, err
		}
		for id := range sub.Entries {
			env, err := r.latest(sub, id)
			if err != nil {
				return nil, err
			}
			if env != nil && !env.Deleted {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Check verifies that the index's visible id set for the branch equals
// the store's latest-non-tombstone set.
func (r *Repository) Check(branchName string) error {
	name := r.branches.Name(branchName)
	head, err := r.branches.Resolve(name)
	if err != nil {
		return err
	}
	live, err := r.liveSet(head)
	if err != nil {
		return err
	}
	return r.idx.Verify(name, live)
}

// Rebuild drops the branch's index state and re-derives it from the
// store. The head tree is the fold of the branch's commit history, so
// replaying it reproduces exactly the visible state.
func (r *Repository) Rebuild(branchName string) error {
	name := r.branches.Name(branchName)
	if err := r.idx.ResetBranch(name); err != nil {
		return err
	}
	r.log.Warn("rebuilding index", "branch", name)
	return r.replayHead(name)
}

// replayHead applies every live revision at the branch's head to the
// index. The branch must have no conflicting index state: a fresh
// pointer or one just reset.
func (r *Repository) replayHead(name string) error {
	head, err := r.branches.Resolve(name)
	if err != nil {
		return err
	}
	rootRef, err := r.headTree(head)
	if err != nil {
		return err
	}
	root, err := r.objects.GetTree(rootRef)
	if err != nil {
		return err
	}
	commit := ""
	if head != object.Undef {
		commit = object.RefName(head)
	}
	for table, subRefName := range root.Entries {
		subRef, err := object.ParseRef(subRefName)
		if err != nil {
			return fmt.Errorf("%w: subtree ref for table %q: %v", object.ErrCorrupt, table, err)
		}
		sub, err := r.objects.GetTree(subRef)
		if err != nil {
			return err
		}
		for id := range sub.Entries {
			env, err := r.latest(sub, id)
			if err != nil {
				return err
			}
			if env == nil || env.Deleted {
				continue
			}
			err = r.idx.Apply(index.Delta{
				Branch:  name,
				ID:      id,
				Table:   table,
				Fields:  env.Fields,
				Commit:  commit,
				Updated: env.Timestamp,
			})
			if err != nil {
				return err
			}
		}
	}
	// Record the commit even when nothing was live to apply, so the
	// branch still reads as current afterwards.
	return r.idx.SetLastCommit(name, commit)
}

// UpToDate reports whether the index's last applied commit for the
// branch matches the branch head. Apply records the commit in the same
// transaction as the entries, so a match means the full Check walk can
// be skipped at open time.
func (r *Repository) UpToDate(branchName string) (bool, error) {
	name := r.branches.Name(branchName)
	head, err := r.branches.Resolve(name)
	if err != nil {
		return false, err
	}
	last, err := r.idx.LastCommit(name)
	if err != nil {
		return false, err
	}
	if head == object.Undef {
		return last == "", nil
	}
	return last == object.RefName(head), nil
}

// Branches lists all branch names with commits or pointers.
func (r *Repository) Branches() []string {
	return r.branches.List()
}

// BranchName resolves an empty branch name to the configured default.
func (r *Repository) BranchName(name string) string {
	return r.branches.Name(name)
}

// BranchExists reports whether reads against the branch are valid. The
// default branch always is, even before its first write.
func (r *Repository) BranchExists(name string) bool {
	name = r.branches.Name(name)
	return name == r.branches.Default() || r.branches.Exists(name)
}
