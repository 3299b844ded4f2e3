package epoch_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/epochdb/epoch"
	"github.com/epochdb/epoch/index"
	"github.com/epochdb/epoch/query"
)

func openTestDB(t *testing.T) (*epoch.DB, string, string) {
	t.Helper()
	dataPath := t.TempDir()
	indexPath := t.TempDir()
	db, err := epoch.Open(dataPath, indexPath, epoch.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, dataPath, indexPath
}

func TestEndToEnd(t *testing.T) {
	db, _, _ := openTestDB(t)

	saved, err := db.Put("user:1", map[string]any{"name": "Alice", "age": float64(30)}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if saved.Document()["id"] != "user:1" {
		t.Errorf("saved doc = %v", saved.Document())
	}
	if _, err := db.Put("user:2", map[string]any{"name": "Bob", "age": float64(25)}, ""); err != nil {
		t.Fatal(err)
	}

	got, err := db.Get("user:1", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Fields["name"] != "Alice" {
		t.Errorf("name = %v", got.Fields["name"])
	}

	req, err := query.Parse(map[string]any{
		"type": "range", "field": "age", "gte": float64(28),
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	res, err := db.Query(req, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 1 || len(res.Results) != 1 || res.Results[0]["id"] != "user:1" {
		t.Errorf("query result = %+v", res)
	}

	if err := db.Delete("user:1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get("user:1", ""); !errors.Is(err, epoch.ErrNotFound) {
		t.Errorf("Get after delete: err = %v", err)
	}
	hist, err := db.History("user:1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || !hist[0].Deleted {
		t.Errorf("history = %d entries, head deleted = %v", len(hist), len(hist) > 0 && hist[0].Deleted)
	}
}

func TestQueryUnknownBranch(t *testing.T) {
	db, _, _ := openTestDB(t)
	req, err := query.Parse(map[string]any{"type": "all"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Query(req, "ghost"); !errors.Is(err, epoch.ErrBranchNotFound) {
		t.Errorf("Query on unknown branch: err = %v", err)
	}
	// The default branch is queryable before any write.
	res, err := db.Query(req, "")
	if err != nil {
		t.Fatalf("Query on fresh default branch: %v", err)
	}
	if res.Total != 0 {
		t.Errorf("fresh branch total = %d", res.Total)
	}
}

func TestReopenPersistence(t *testing.T) {
	dataPath := t.TempDir()
	indexPath := t.TempDir()

	db, err := epoch.Open(dataPath, indexPath, epoch.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Put("user:1", map[string]any{"name": "Alice"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Put("user:1", map[string]any{"name": "Alice", "age": float64(31)}, "feature"); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := db.Get("user:1", ""); !errors.Is(err, epoch.ErrClosed) {
		t.Errorf("Get after close: err = %v", err)
	}

	db2, err := epoch.Open(dataPath, indexPath, epoch.Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	got, err := db2.Get("user:1", "")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Fields["name"] != "Alice" {
		t.Errorf("fields = %v", got.Fields)
	}
	if got.Fields["age"] != nil {
		t.Error("feature branch write leaked onto default")
	}
	branches, err := db2.Branches()
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 2 {
		t.Errorf("Branches() = %v", branches)
	}
}

func TestReopenRebuildsTamperedIndex(t *testing.T) {
	dataPath := t.TempDir()
	indexPath := t.TempDir()

	db, err := epoch.Open(dataPath, indexPath, epoch.Config{})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"user:1", "user:2"} {
		if _, err := db.Put(id, map[string]any{"id_was": id}, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Wipe the branch out of the index behind the database's back.
	idx, err := index.Open(indexPath, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.ResetBranch("main"); err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := epoch.Open(dataPath, indexPath, epoch.Config{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	if err := db2.Check(""); err != nil {
		t.Errorf("Check after reopen: %v", err)
	}
	revs, err := db2.ListByPrefix("user:", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 2 {
		t.Errorf("rebuilt index lists %d documents", len(revs))
	}
}

func TestCorruptionLatchesHandle(t *testing.T) {
	db, dataPath, _ := openTestDB(t)

	if _, err := db.Put("user:1", map[string]any{"name": "Alice"}, ""); err != nil {
		t.Fatal(err)
	}

	// Scribble over every stored object.
	objDir := filepath.Join(dataPath, "objects")
	err := filepath.WalkDir(objDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		return os.WriteFile(path, []byte("garbage"), 0644)
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := db.Get("user:1", ""); !errors.Is(err, epoch.ErrCorrupt) {
		t.Fatalf("Get on corrupted store: err = %v, want ErrCorrupt", err)
	}
	// The handle is now latched: even operations that would not touch the
	// damaged object refuse to run.
	if _, err := db.Put("user:2", map[string]any{}, ""); !errors.Is(err, epoch.ErrClosed) {
		t.Errorf("Put after corruption: err = %v, want ErrClosed", err)
	}
	if _, err := db.Get("user:1", ""); !errors.Is(err, epoch.ErrCorrupt) {
		t.Errorf("latched error should still expose the cause: %v", err)
	}
}

func TestMergeThroughFacade(t *testing.T) {
	db, _, _ := openTestDB(t)

	if _, err := db.Put("user:1", map[string]any{"v": "base"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Put("user:2", map[string]any{"v": "feature"}, "feature"); err != nil {
		t.Fatal(err)
	}
	if err := db.Merge("feature", ""); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := db.Get("user:2", ""); err != nil {
		t.Errorf("merged document: %v", err)
	}
}
