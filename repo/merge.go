package repo

import (
	"errors"
	"fmt"
	"time"

	"github.com/epochdb/epoch/branch"
	"github.com/epochdb/epoch/index"
	"github.com/epochdb/epoch/object"
)

// mergeChange is one document the merge brings into the target branch.
type mergeChange struct {
	id    string
	table string
	ref   string
	env   *object.Revision
}

// Merge combines the source branch into the target with a two-parent
// commit. Per document, the revision with the newer timestamp wins;
// source wins exact ties. Branches stay fully isolated until merged.
// A merge with nothing to bring over is a no-op and creates no commit.
func (r *Repository) Merge(sourceName, targetName string) error {
	source := r.branches.Name(sourceName)
	target := r.branches.Name(targetName)
	if source == target {
		return fmt.Errorf("merge %q into itself", source)
	}
	sourceHead, err := r.branches.Resolve(source)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < r.retries; attempt++ {
		targetHead, err := r.branches.Resolve(target)
		if err != nil && !errors.Is(err, branch.ErrNotFound) {
			return err
		}

		changes, err := r.mergeChanges(sourceHead, targetHead)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}

		cm, err := r.mergeCommit(sourceHead, targetHead, source, target, changes)
		if err != nil {
			return err
		}
		cmRef, err := r.objects.PutCommit(cm)
		if err != nil {
			return err
		}
		advanced, err := r.applyMerge(target, cmRef, targetHead, changes)
		if err != nil {
			return err
		}
		if !advanced {
			r.log.Debug("branch moved during merge, retrying",
				"source", source, "target", target, "attempt", attempt+1)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: merge %q into %q after %d attempts",
		ErrWriteConflict, source, target, r.retries)
}

// applyMerge advances the target pointer and applies the merge deltas
// under the branch lock, the same critical section ordinary mutations
// use, so merge deltas land in commit order too.
func (r *Repository) applyMerge(target string, cmRef, targetHead object.Ref, changes []mergeChange) (bool, error) {
	lock := r.branchLock(target)
	lock.Lock()
	defer lock.Unlock()

	err := r.branches.Advance(target, cmRef, targetHead)
	if errors.Is(err, branch.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, ch := range changes {
		err := r.idx.Apply(index.Delta{
			Branch:  target,
			ID:      ch.id,
			Table:   ch.table,
			Fields:  ch.env.Fields,
			Deleted: ch.env.Deleted,
			Commit:  object.RefName(cmRef),
			Updated: ch.env.Timestamp,
		})
		if err != nil {
			return false, fmt.Errorf("apply merge delta for %q: %w", ch.id, err)
		}
	}
	return true, nil
}

// mergeChanges diffs the two heads and returns the source revisions that
// win their document.
func (r *Repository) mergeChanges(sourceHead, targetHead object.Ref) ([]mergeChange, error) {
	sourceRootRef, err := r.headTree(sourceHead)
	if err != nil {
		return nil, err
	}
	sourceRoot, err := r.objects.GetTree(sourceRootRef)
	if err != nil {
		return nil, err
	}

	var changes []mergeChange
	for table, subRefName := range sourceRoot.Entries {
		subRef, err := object.ParseRef(subRefName)
		if err != nil {
			return nil, fmt.Errorf("%w: merge subtree ref: %v", object.ErrCorrupt, err)
		}
		sourceSub, err := r.objects.GetTree(subRef)
		if err != nil {
			return nil, err
		}
		_, targetSub, err := r.trees(targetHead, table)
		if err != nil {
			return nil, err
		}

		for id, sourceRevName := range sourceSub.Entries {
			targetRevName := targetSub.Entries[id]
			if sourceRevName == targetRevName {
				continue
			}
			sourceRef, err := object.ParseRef(sourceRevName)
			if err != nil {
				return nil, fmt.Errorf("%w: merge revision ref: %v", object.ErrCorrupt, err)
			}
			sourceEnv, err := r.objects.GetRevision(sourceRef)
			if err != nil {
				return nil, err
			}
			if targetRevName != "" {
				targetEnv, err := r.latest(targetSub, id)
				if err != nil {
					return nil, err
				}
				if targetEnv != nil && targetEnv.Timestamp.After(sourceEnv.Timestamp) {
					continue // target already has the newer revision
				}
			}
			changes = append(changes, mergeChange{id: id, table: table, ref: sourceRevName, env: sourceEnv})
		}
	}
	return changes, nil
}

// mergeCommit builds the two-parent commit whose tree is the target tree
// with the winning source revisions applied.
func (r *Repository) mergeCommit(sourceHead, targetHead object.Ref, source, target string, changes []mergeChange) (*object.Commit, error) {
	targetRootRef, err := r.headTree(targetHead)
	if err != nil {
		return nil, err
	}
	targetRoot, err := r.objects.GetTree(targetRootRef)
	if err != nil {
		return nil, err
	}

	newRoot := &object.Tree{V: 1, Entries: make(map[string]string, len(targetRoot.Entries))}
	for k, v := range targetRoot.Entries {
		newRoot.Entries[k] = v
	}

	byTable := make(map[string][]mergeChange)
	for _, ch := range changes {
		byTable[ch.table] = append(byTable[ch.table], ch)
	}

	deltas := make([]object.Delta, 0, len(changes))
	for table, tableChanges := range byTable {
		_, sub, err := r.trees(targetHead, table)
		if err != nil {
			return nil, err
		}
		newSub := &object.Tree{V: 1, Entries: make(map[string]string, len(sub.Entries)+len(tableChanges))}
		for k, v := range sub.Entries {
			newSub.Entries[k] = v
		}
		for _, ch := range tableChanges {
			newSub.Entries[ch.id] = ch.ref
			deltas = append(deltas, object.Delta{ID: ch.id, Revision: ch.ref, Deleted: ch.env.Deleted})
		}
		subRef, err := r.objects.PutTree(newSub)
		if err != nil {
			return nil, err
		}
		newRoot.Entries[table] = object.RefName(subRef)
	}

	rootRef, err := r.objects.PutTree(newRoot)
	if err != nil {
		return nil, err
	}

	var parents []string
	if targetHead != object.Undef {
		parents = append(parents, object.RefName(targetHead))
	}
	if sourceHead != object.Undef {
		parents = append(parents, object.RefName(sourceHead))
	}
	return &object.Commit{
		V:         1,
		Parents:   parents,
		Tree:      object.RefName(rootRef),
		Branch:    target,
		Timestamp: time.Now().UTC(),
		Deltas:    deltas,
		Message:   fmt.Sprintf("merge %s into %s", source, target),
	}, nil
}
