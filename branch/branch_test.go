package branch

import (
	"errors"
	"sync"
	"testing"

	"github.com/epochdb/epoch/object"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(t.TempDir(), "main", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m
}

func testRef(t *testing.T, s string) (c object.Ref) {
	t.Helper()
	c, err := object.ComputeRef([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestResolveDefaultEmpty(t *testing.T) {
	m := openTestManager(t)

	head, err := m.Resolve("")
	if err != nil {
		t.Fatalf("Resolve default: %v", err)
	}
	if head != object.Undef {
		t.Errorf("fresh default head = %s, want Undef", object.RefName(head))
	}

	head, err = m.Resolve("main")
	if err != nil {
		t.Fatalf("Resolve explicit default: %v", err)
	}
	if head != object.Undef {
		t.Error("explicit default head != Undef")
	}
}

func TestResolveUnknownBranch(t *testing.T) {
	m := openTestManager(t)
	if _, err := m.Resolve("feature"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve unknown branch: err = %v, want ErrNotFound", err)
	}
}

func TestAdvanceCAS(t *testing.T) {
	m := openTestManager(t)
	c1 := testRef(t, "commit-1")
	c2 := testRef(t, "commit-2")

	if err := m.Advance("main", c1, object.Undef); err != nil {
		t.Fatalf("first Advance: %v", err)
	}
	head, _ := m.Resolve("main")
	if !head.Equals(c1) {
		t.Errorf("head = %s, want c1", object.RefName(head))
	}

	// Stale expectation must conflict.
	if err := m.Advance("main", c2, object.Undef); !errors.Is(err, ErrConflict) {
		t.Errorf("stale Advance: err = %v, want ErrConflict", err)
	}

	if err := m.Advance("main", c2, c1); err != nil {
		t.Fatalf("second Advance: %v", err)
	}
	head, _ = m.Resolve("main")
	if !head.Equals(c2) {
		t.Errorf("head = %s, want c2", object.RefName(head))
	}
}

func TestAdvanceConcurrent(t *testing.T) {
	m := openTestManager(t)

	// N writers all race the same CAS; exactly one wins per round.
	const n = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := testRef(t, string(rune('a'+i)))
			if err := m.Advance("main", c, object.Undef); err == nil {
				wins <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Errorf("CAS winners = %d, want 1", won)
	}
}

func TestCreateFrom(t *testing.T) {
	m := openTestManager(t)
	c1 := testRef(t, "commit-1")

	if err := m.Advance("main", c1, object.Undef); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateFrom("feature", ""); err != nil {
		t.Fatalf("CreateFrom: %v", err)
	}

	head, err := m.Resolve("feature")
	if err != nil {
		t.Fatalf("Resolve new branch: %v", err)
	}
	if !head.Equals(c1) {
		t.Error("new branch not seeded at source head")
	}

	if err := m.CreateFrom("feature", ""); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreateFrom: err = %v, want ErrConflict", err)
	}
	if err := m.CreateFrom("other", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateFrom missing source: err = %v, want ErrNotFound", err)
	}
}

func TestCreateFromEmptyDefault(t *testing.T) {
	m := openTestManager(t)

	// Seeding from a default branch with no commits is allowed.
	if err := m.CreateFrom("feature", ""); err != nil {
		t.Fatalf("CreateFrom empty default: %v", err)
	}
	head, err := m.Resolve("feature")
	if err != nil {
		t.Fatal(err)
	}
	if head != object.Undef {
		t.Error("branch seeded from empty default should have Undef head")
	}
}

func TestReopenRecoversHeads(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "main", false)
	if err != nil {
		t.Fatal(err)
	}
	c1 := testRef(t, "commit-1")
	if err := m.Advance("main", c1, object.Undef); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateFrom("feature/x", ""); err != nil {
		t.Fatal(err)
	}

	m2, err := Open(dir, "main", false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	head, err := m2.Resolve("main")
	if err != nil {
		t.Fatal(err)
	}
	if !head.Equals(c1) {
		t.Error("reopened main head mismatch")
	}
	head, err = m2.Resolve("feature/x")
	if err != nil {
		t.Fatalf("reopened feature/x: %v", err)
	}
	if !head.Equals(c1) {
		t.Error("reopened feature/x head mismatch")
	}

	got := m2.List()
	want := []string{"feature/x", "main"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("List = %v, want %v", got, want)
	}
}

func TestRefFilenameRoundTrip(t *testing.T) {
	for _, name := range []string{"main", "feature/x", "a__b", "a_b/c", "_lead", "trail_"} {
		if got := refBranchName(refFilename(name)); got != name {
			t.Errorf("refBranchName(refFilename(%q)) = %q", name, got)
		}
	}
	// Distinct names must map to distinct files.
	if refFilename("a__b") == refFilename("a/b") {
		t.Errorf("a__b and a/b collide on %q", refFilename("a__b"))
	}
}

func TestReopenKeepsUnderscoreNames(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "main", false)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a__b", "a/b", "release_2026/rc_1"} {
		if err := m.CreateFrom(name, ""); err != nil {
			t.Fatalf("CreateFrom(%q): %v", name, err)
		}
	}

	m2, err := Open(dir, "main", false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for _, name := range []string{"a__b", "a/b", "release_2026/rc_1"} {
		if !m2.Exists(name) {
			t.Errorf("branch %q lost on reopen, have %v", name, m2.List())
		}
	}
}
