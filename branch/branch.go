// Package branch manages named, mutable pointers into the commit history.
// Each branch is one ref file holding the base32 name of its head commit.
// The pointer is the only mutable state in the whole store; it moves only
// through Advance, an atomic compare-and-swap, so concurrent writers on
// the same branch race explicitly instead of losing updates.
package branch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gocid "github.com/ipfs/go-cid"

	"github.com/epochdb/epoch/object"
)

var (
	// ErrNotFound means an explicitly named branch has never been written.
	ErrNotFound = errors.New("branch not found")
	// ErrConflict means the expected head no longer matches; the caller
	// must re-resolve and retry.
	ErrConflict = errors.New("branch pointer conflict")
)

// Manager owns the branch name -> head commit mapping.
type Manager struct {
	dir  string
	def  string
	sync bool

	mu    sync.Mutex
	heads map[string]gocid.Cid
}

// Ref filenames escape the path separator so "feature/x" stays one file.
// The underscore is escaped too, so the mapping round-trips: a branch
// literally named "a__b" never collides with "a/b".
func refFilename(name string) string {
	name = strings.ReplaceAll(name, "_", "__")
	return strings.ReplaceAll(name, "/", "_-")
}

func refBranchName(file string) string {
	var b strings.Builder
	b.Grow(len(file))
	for i := 0; i < len(file); i++ {
		if file[i] == '_' && i+1 < len(file) {
			switch file[i+1] {
			case '_':
				b.WriteByte('_')
				i++
				continue
			case '-':
				b.WriteByte('/')
				i++
				continue
			}
		}
		b.WriteByte(file[i])
	}
	return b.String()
}

// Open loads existing branch pointers from dir. The default branch exists
// implicitly: resolving it before any write yields an empty head.
func Open(dir, defaultBranch string, sync bool) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create refs dir: %w", err)
	}
	m := &Manager{
		dir:   dir,
		def:   defaultBranch,
		sync:  sync,
		heads: make(map[string]gocid.Cid),
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read ref %s: %w", e.Name(), err)
		}
		head, err := object.ParseRef(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("ref %s: %w", e.Name(), err)
		}
		m.heads[refBranchName(e.Name())] = head
	}
	return m, nil
}

// Default returns the configured default branch name.
func (m *Manager) Default() string {
	return m.def
}

// Name canonicalizes a caller-supplied branch name: empty means default.
func (m *Manager) Name(name string) string {
	if name == "" {
		return m.def
	}
	return name
}

// Resolve returns the head commit for a branch. The default branch
// resolves to Undef before its first commit; any other unwritten branch
// is ErrNotFound.
func (m *Manager) Resolve(name string) (gocid.Cid, error) {
	name = m.Name(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	head, ok := m.heads[name]
	if !ok {
		if name == m.def {
			return gocid.Undef, nil
		}
		return gocid.Undef, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return head, nil
}

// Exists reports whether a branch has a pointer.
func (m *Manager) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.heads[m.Name(name)]
	return ok
}

// Advance moves the branch pointer from expected to next. It fails with
// ErrConflict when another writer got there first; the caller re-resolves
// and retries. A branch with no pointer yet has an expected head of Undef.
func (m *Manager) Advance(name string, next, expected gocid.Cid) error {
	name = m.Name(name)
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.heads[name] // Undef when absent
	if !current.Equals(expected) {
		return fmt.Errorf("%w: %q moved from %s", ErrConflict, name, object.RefName(expected))
	}
	if err := m.persist(name, next); err != nil {
		return err
	}
	m.heads[name] = next
	return nil
}

// CreateFrom seeds a new branch pointer at the source branch's current
// head. No objects are copied. Fails with ErrConflict when the branch
// already exists and ErrNotFound when the source does not.
func (m *Manager) CreateFrom(name, source string) error {
	name = m.Name(name)
	source = m.Name(source)
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.heads[name]; ok {
		return fmt.Errorf("%w: %q already exists", ErrConflict, name)
	}
	head, ok := m.heads[source]
	if !ok {
		if source != m.def {
			return fmt.Errorf("%w: source %q", ErrNotFound, source)
		}
		head = gocid.Undef
	}
	if err := m.persist(name, head); err != nil {
		return err
	}
	m.heads[name] = head
	return nil
}

// List returns all branch names with a pointer, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.heads))
	for name := range m.heads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// persist writes the ref file. Callers hold m.mu. An Undef head persists
// as an empty file so the branch survives reopen.
func (m *Manager) persist(name string, head gocid.Cid) error {
	content := ""
	if head != gocid.Undef {
		content = object.RefName(head) + "\n"
	}
	path := filepath.Join(m.dir, refFilename(name))
	if err := safeWriteRef(path, []byte(content), m.sync); err != nil {
		return fmt.Errorf("write ref %q: %w", name, err)
	}
	return nil
}

// safeWriteRef mirrors the object store's atomic write: tempfile in the
// same directory, optional fsync, rename.
func safeWriteRef(path string, data []byte, sync bool) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
