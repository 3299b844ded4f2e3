// Package index maintains the secondary search index: a per-branch
// mapping from document id to its current searchable state plus inverted
// postings over extracted fields. It is fully derived from the object
// store's commit history — a cache with a rebuild procedure, never a
// second source of truth.
//
// Persistence is a bbolt database under the index root. Every Apply runs
// in a single bbolt update transaction, so a reader (snapshot-isolated
// read transaction) never observes half of a delta.
package index

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketTerms   = []byte("terms")
	bucketMeta    = []byte("meta")

	metaCommitKey = []byte("commit")
)

// Entry is the derived projection of one document's current state.
type Entry struct {
	Table   string         `msgpack:"t"`
	Fields  map[string]any `msgpack:"f"`
	Commit  string         `msgpack:"c"`
	Updated time.Time      `msgpack:"u"`
}

// Delta is the unit of index mutation, applied once per successful commit.
type Delta struct {
	Branch  string
	ID      string
	Table   string
	Fields  map[string]any // nil when Deleted
	Deleted bool
	Commit  string
	Updated time.Time
}

// Index is the persistent search index over all branches.
type Index struct {
	db  *bbolt.DB
	log *slog.Logger

	mu     sync.Mutex
	blooms map[string]*bloom
}

// Open creates or opens the index database under dir and warms the
// per-branch bloom filters from the entries buckets.
func Open(dir string, sync bool, log *slog.Logger) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := *bbolt.DefaultOptions
	opts.Timeout = 10 * time.Second
	opts.NoSync = !sync
	db, err := bbolt.Open(filepath.Join(dir, "index.db"), 0644, &opts)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketTerms, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init index buckets: %w", err)
	}

	ix := &Index{db: db, log: log, blooms: make(map[string]*bloom)}
	if err := ix.warmBlooms(); err != nil {
		db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) warmBlooms() error {
	return ix.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketEntries)
		c := root.Cursor()
		for name, v := c.First(); name != nil; name, v = c.Next() {
			if v != nil {
				continue // not a sub-bucket
			}
			bl := newBloom()
			ec := root.Bucket(name).Cursor()
			for k, _ := ec.First(); k != nil; k, _ = ec.Next() {
				bl.Add(string(k))
			}
			ix.mu.Lock()
			ix.blooms[string(name)] = bl
			ix.mu.Unlock()
		}
		return nil
	})
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func (ix *Index) bloomFor(branch string) *bloom {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	bl, ok := ix.blooms[branch]
	if !ok {
		bl = newBloom()
		ix.blooms[branch] = bl
	}
	return bl
}

// Apply applies one document delta atomically. Readers either see the
// entry, its postings, and the meta commit all updated, or none of them.
func (ix *Index) Apply(d Delta) error {
	err := ix.db.Update(func(tx *bbolt.Tx) error {
		entries, err := tx.Bucket(bucketEntries).CreateBucketIfNotExists([]byte(d.Branch))
		if err != nil {
			return err
		}
		terms, err := tx.Bucket(bucketTerms).CreateBucketIfNotExists([]byte(d.Branch))
		if err != nil {
			return err
		}
		meta, err := tx.Bucket(bucketMeta).CreateBucketIfNotExists([]byte(d.Branch))
		if err != nil {
			return err
		}

		// Retract the previous state's postings first.
		if prev := entries.Get([]byte(d.ID)); prev != nil {
			var old Entry
			if err := msgpack.Unmarshal(prev, &old); err != nil {
				return fmt.Errorf("decode entry %q: %w", d.ID, err)
			}
			for _, key := range postingKeys(old.Fields) {
				if err := removePosting(terms, key, d.ID); err != nil {
					return err
				}
			}
		}

		if d.Deleted {
			if err := entries.Delete([]byte(d.ID)); err != nil {
				return err
			}
		} else {
			entry := Entry{Table: d.Table, Fields: d.Fields, Commit: d.Commit, Updated: d.Updated}
			enc, err := msgpack.Marshal(&entry)
			if err != nil {
				return fmt.Errorf("encode entry %q: %w", d.ID, err)
			}
			if err := entries.Put([]byte(d.ID), enc); err != nil {
				return err
			}
			for _, key := range postingKeys(d.Fields) {
				if err := addPosting(terms, key, d.ID); err != nil {
					return err
				}
			}
		}
		return meta.Put(metaCommitKey, []byte(d.Commit))
	})
	if err != nil {
		return err
	}
	if !d.Deleted {
		ix.bloomFor(d.Branch).Add(d.ID)
	}
	return nil
}

func addPosting(terms *bbolt.Bucket, key []byte, id string) error {
	ids, err := decodePosting(terms.Get(key))
	if err != nil {
		return err
	}
	pos, found := slices.BinarySearch(ids, id)
	if found {
		return nil
	}
	ids = slices.Insert(ids, pos, id)
	enc, err := msgpack.Marshal(ids)
	if err != nil {
		return err
	}
	return terms.Put(key, enc)
}

func removePosting(terms *bbolt.Bucket, key []byte, id string) error {
	ids, err := decodePosting(terms.Get(key))
	if err != nil {
		return err
	}
	pos, found := slices.BinarySearch(ids, id)
	if !found {
		return nil
	}
	ids = slices.Delete(ids, pos, pos+1)
	if len(ids) == 0 {
		return terms.Delete(key)
	}
	enc, err := msgpack.Marshal(ids)
	if err != nil {
		return err
	}
	return terms.Put(key, enc)
}

func decodePosting(raw []byte) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var ids []string
	if err := msgpack.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode posting: %w", err)
	}
	return ids, nil
}

// MightContain reports whether id could be present on branch. False means
// definitely absent.
func (ix *Index) MightContain(branch, id string) bool {
	ix.mu.Lock()
	bl, ok := ix.blooms[branch]
	ix.mu.Unlock()
	if !ok {
		return false
	}
	return bl.Contains(id)
}

// Get returns the entry for id on branch, or nil when absent.
func (ix *Index) Get(branch, id string) (*Entry, error) {
	var entry *Entry
	err := ix.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries).Bucket([]byte(branch))
		if entries == nil {
			return nil
		}
		raw := entries.Get([]byte(id))
		if raw == nil {
			return nil
		}
		entry = new(Entry)
		if err := msgpack.Unmarshal(raw, entry); err != nil {
			return fmt.Errorf("decode entry %q: %w", id, err)
		}
		return nil
	})
	return entry, err
}

// ListPrefix returns the ids on branch starting with prefix, ascending.
// The entries bucket is key-ordered, so this is a cursor seek, not a scan.
func (ix *Index) ListPrefix(branch, prefix string) ([]string, error) {
	var ids []string
	err := ix.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries).Bucket([]byte(branch))
		if entries == nil {
			return nil
		}
		c := entries.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			ids = append(ids, string(k))
		}
		return nil
	})
	return ids, err
}

// AllIDs returns every id on branch, ascending.
func (ix *Index) AllIDs(branch string) ([]string, error) {
	return ix.ListPrefix(branch, "")
}

// Entries loads the entries for the given ids. Missing ids are skipped.
func (ix *Index) Entries(branch string, ids []string) (map[string]*Entry, error) {
	out := make(map[string]*Entry, len(ids))
	err := ix.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries).Bucket([]byte(branch))
		if entries == nil {
			return nil
		}
		for _, id := range ids {
			raw := entries.Get([]byte(id))
			if raw == nil {
				continue
			}
			e := new(Entry)
			if err := msgpack.Unmarshal(raw, e); err != nil {
				return fmt.Errorf("decode entry %q: %w", id, err)
			}
			out[id] = e
		}
		return nil
	})
	return out, err
}

// TokenPostings returns the ids whose field contains the given token.
func (ix *Index) TokenPostings(branch, field, token string) ([]string, error) {
	return ix.postings(branch, tokenKey(field, token))
}

// ValuePostings returns the ids whose field equals the given exact value.
func (ix *Index) ValuePostings(branch, field, value string) ([]string, error) {
	return ix.postings(branch, valueKey(field, value))
}

func (ix *Index) postings(branch string, key []byte) ([]string, error) {
	var ids []string
	err := ix.db.View(func(tx *bbolt.Tx) error {
		terms := tx.Bucket(bucketTerms).Bucket([]byte(branch))
		if terms == nil {
			return nil
		}
		var err error
		ids, err = decodePosting(terms.Get(key))
		return err
	})
	return ids, err
}

// Scan visits every entry on branch in id order. Returning an error from
// fn stops the scan.
func (ix *Index) Scan(branch string, fn func(id string, e *Entry) error) error {
	return ix.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries).Bucket([]byte(branch))
		if entries == nil {
			return nil
		}
		return entries.ForEach(func(k, v []byte) error {
			e := new(Entry)
			if err := msgpack.Unmarshal(v, e); err != nil {
				return fmt.Errorf("decode entry %q: %w", k, err)
			}
			return fn(string(k), e)
		})
	})
}

// LastCommit returns the ref name of the last commit applied to branch,
// or "" when the branch has no index state.
func (ix *Index) LastCommit(branch string) (string, error) {
	var commit string
	err := ix.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta).Bucket([]byte(branch))
		if meta == nil {
			return nil
		}
		commit = string(meta.Get(metaCommitKey))
		return nil
	})
	return commit, err
}

// SetLastCommit records the last applied commit for branch without
// touching entries. The rebuild path uses it so a branch whose replay
// had no live documents still reads as current.
func (ix *Index) SetLastCommit(branch, commit string) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.Bucket(bucketMeta).CreateBucketIfNotExists([]byte(branch))
		if err != nil {
			return err
		}
		return meta.Put(metaCommitKey, []byte(commit))
	})
}

// ResetBranch drops all index state for branch. Used by the rebuild path.
func (ix *Index) ResetBranch(branch string) error {
	err := ix.db.Update(func(tx *bbolt.Tx) error {
		for _, root := range [][]byte{bucketEntries, bucketTerms, bucketMeta} {
			b := tx.Bucket(root)
			if b.Bucket([]byte(branch)) == nil {
				continue
			}
			if err := b.DeleteBucket([]byte(branch)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	ix.mu.Lock()
	delete(ix.blooms, branch)
	ix.mu.Unlock()
	ix.log.Warn("index: branch state reset", "branch", branch)
	return nil
}

// Verify checks that the index's visible id set for branch equals want.
// want must be sorted ascending.
func (ix *Index) Verify(branch string, want []string) error {
	got, err := ix.AllIDs(branch)
	if err != nil {
		return err
	}
	if slices.Equal(got, want) {
		return nil
	}
	return fmt.Errorf("%w: branch %q has %d indexed ids, store has %d live ids",
		ErrInconsistent, branch, len(got), len(want))
}
