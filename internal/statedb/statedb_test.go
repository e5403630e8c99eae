package statedb

import (
	"path/filepath"
	"testing"

	"github.com/younghai/automaker/internal/layout"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "layouts.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleLayout() *layout.PersistedLayout {
	root := layout.NewSplit(layout.Horizontal,
		layout.NewTerminal("term-a"),
		layout.NewSplit(layout.Vertical,
			layout.NewTerminal("term-b"),
			layout.NewTerminal("term-c"),
		),
	)
	return &layout.PersistedLayout{
		Tabs:           []layout.PersistedTab{{Name: "Terminal 1", Layout: root}},
		ActiveTabIndex: 0,
	}
}

func TestLoadLayoutMissing(t *testing.T) {
	db := newTestDB(t)

	got, err := db.LoadLayout("/proj/none")
	if err != nil {
		t.Fatalf("LoadLayout: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown project, got %+v", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	db := newTestDB(t)

	if err := db.SaveLayout("/proj/a", sampleLayout()); err != nil {
		t.Fatalf("SaveLayout: %v", err)
	}

	got, err := db.LoadLayout("/proj/a")
	if err != nil {
		t.Fatalf("LoadLayout: %v", err)
	}
	if got == nil {
		t.Fatal("expected layout, got nil")
	}
	if len(got.Tabs) != 1 {
		t.Fatalf("tabs = %d, want 1", len(got.Tabs))
	}
	ids := layout.SessionIDs(got.Tabs[0].Layout)
	want := []string{"term-a", "term-b", "term-c"}
	if len(ids) != len(want) {
		t.Fatalf("session ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestEmptyLayoutOverwritesPrevious(t *testing.T) {
	db := newTestDB(t)

	if err := db.SaveLayout("/proj/a", sampleLayout()); err != nil {
		t.Fatalf("SaveLayout: %v", err)
	}
	// Zero tabs is a valid, explicit empty state.
	if err := db.SaveLayout("/proj/a", &layout.PersistedLayout{}); err != nil {
		t.Fatalf("SaveLayout empty: %v", err)
	}

	got, err := db.LoadLayout("/proj/a")
	if err != nil {
		t.Fatalf("LoadLayout: %v", err)
	}
	if got == nil {
		t.Fatal("empty save must still load as a layout, not nil")
	}
	if len(got.Tabs) != 0 {
		t.Errorf("tabs = %d, want 0", len(got.Tabs))
	}
}

func TestDeleteLayout(t *testing.T) {
	db := newTestDB(t)

	if err := db.SaveLayout("/proj/a", sampleLayout()); err != nil {
		t.Fatalf("SaveLayout: %v", err)
	}
	if err := db.DeleteLayout("/proj/a"); err != nil {
		t.Fatalf("DeleteLayout: %v", err)
	}

	got, err := db.LoadLayout("/proj/a")
	if err != nil {
		t.Fatalf("LoadLayout: %v", err)
	}
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestListProjects(t *testing.T) {
	db := newTestDB(t)

	if err := db.SaveLayout("/proj/a", sampleLayout()); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveLayout("/proj/b", sampleLayout()); err != nil {
		t.Fatal(err)
	}

	paths, err := db.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("projects = %v, want 2 entries", paths)
	}
}

func TestMeta(t *testing.T) {
	db := newTestDB(t)

	if err := db.SetMeta("last_active_project", "/proj/a"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	got, err := db.GetMeta("last_active_project")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if got != "/proj/a" {
		t.Errorf("GetMeta = %q", got)
	}

	missing, err := db.GetMeta("nope")
	if err != nil {
		t.Fatalf("GetMeta missing: %v", err)
	}
	if missing != "" {
		t.Errorf("missing key = %q, want empty", missing)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "layouts.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.SaveLayout("/proj/a", sampleLayout()); err != nil {
		t.Fatalf("SaveLayout: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	got, err := db2.LoadLayout("/proj/a")
	if err != nil {
		t.Fatalf("LoadLayout: %v", err)
	}
	if got == nil || len(got.Tabs) != 1 {
		t.Fatalf("layout did not survive reopen: %+v", got)
	}
}
