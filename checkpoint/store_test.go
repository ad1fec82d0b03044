package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type testState struct {
	Shared map[string][]string `json:"shared"`
	Count  int                 `json:"count"`
}

// stores under test share one behavioral contract; sqlite gets the same
// suite since it runs without a server. MySQL needs a database server and
// has no test in this suite.
func stores(t *testing.T) map[string]Store[testState] {
	t.Helper()
	fileStore, err := NewFileStore[testState](t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sqliteStore, err := NewSQLiteStore[testState](filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })
	return map[string]Store[testState]{
		"file":   fileStore,
		"mem":    NewMemStore[testState](),
		"sqlite": sqliteStore,
	}
}

func TestWriteListGetRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := testState{Shared: map[string][]string{"A": {"x", "y"}}, Count: 1}

			meta, err := store.Write(ctx, Snapshot[testState]{
				JobID: "job-1", StepID: "A", WorkflowVersion: "v1", Resumable: true, State: state,
			})
			if err != nil {
				t.Fatalf("write: %v", err)
			}
			if meta.ID != 1 {
				t.Errorf("first checkpoint id = %d, want 1", meta.ID)
			}
			if meta.Size <= 0 {
				t.Errorf("size not recorded")
			}

			meta2, err := store.Write(ctx, Snapshot[testState]{
				JobID: "job-1", StepID: "B", Resumable: true, State: testState{Count: 2},
			})
			if err != nil {
				t.Fatal(err)
			}
			if meta2.ID != 2 {
				t.Errorf("ids must be monotonic per job, got %d", meta2.ID)
			}

			metas, err := store.List(ctx, "job-1")
			if err != nil {
				t.Fatal(err)
			}
			if len(metas) != 2 || metas[0].ID != 1 || metas[1].ID != 2 {
				t.Errorf("list order wrong: %+v", metas)
			}

			rec, err := store.Get(ctx, "job-1", 1)
			if err != nil {
				t.Fatal(err)
			}
			if rec.StepID != "A" || rec.State.Shared["A"][1] != "y" {
				t.Errorf("round trip lost data: %+v", rec)
			}
		})
	}
}

func TestRestoreIsDeepCopy(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := testState{Shared: map[string][]string{"A": {"x"}}}
			if _, err := store.Write(ctx, Snapshot[testState]{JobID: "j", StepID: "A", Resumable: true, State: state}); err != nil {
				t.Fatal(err)
			}

			// Mutating the written-in state must not leak into the store.
			state.Shared["A"][0] = "mutated"

			got, err := store.Restore(ctx, "j", 1)
			if err != nil {
				t.Fatal(err)
			}
			if got.Shared["A"][0] != "x" {
				t.Error("store aliased caller state")
			}

			// Mutating one restore must not perturb the next.
			got.Shared["A"][0] = "mutated-too"
			again, _ := store.Restore(ctx, "j", 1)
			if again.Shared["A"][0] != "x" {
				t.Error("restores alias each other")
			}
		})
	}
}

func TestLatestSkipsNonResumable(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			writes := []struct {
				step      string
				resumable bool
			}{{"A", true}, {"B", true}, {"C", false}}
			for _, w := range writes {
				if _, err := store.Write(ctx, Snapshot[testState]{JobID: "j", StepID: w.step, Resumable: w.resumable}); err != nil {
					t.Fatal(err)
				}
			}
			rec, err := store.Latest(ctx, "j")
			if err != nil {
				t.Fatal(err)
			}
			if rec.StepID != "B" {
				t.Errorf("latest resumable = %s, want B", rec.StepID)
			}

			if _, err := store.Latest(ctx, "empty-job"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDeleteAndCleanup(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				if _, err := store.Write(ctx, Snapshot[testState]{JobID: "j", StepID: "s", Resumable: true}); err != nil {
					t.Fatal(err)
				}
			}

			if err := store.Delete(ctx, "j", 3); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := store.Delete(ctx, "j", 3); !errors.Is(err, ErrNotFound) {
				t.Errorf("double delete should report not found, got %v", err)
			}

			removed, err := store.Cleanup(ctx, "j", 2)
			if err != nil {
				t.Fatal(err)
			}
			if removed != 2 {
				t.Errorf("cleanup removed %d, want 2", removed)
			}
			metas, _ := store.List(ctx, "j")
			if len(metas) != 2 || metas[0].ID != 4 || metas[1].ID != 5 {
				t.Errorf("cleanup kept wrong records: %+v", metas)
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(context.Background(), "ghost", 1); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestFileStoreResumesSequenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileStore[testState](dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := first.Write(ctx, Snapshot[testState]{JobID: "j", StepID: "s", Resumable: true}); err != nil {
			t.Fatal(err)
		}
	}

	reopened, err := NewFileStore[testState](dir)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := reopened.Write(ctx, Snapshot[testState]{JobID: "j", StepID: "s", Resumable: true})
	if err != nil {
		t.Fatal(err)
	}
	if meta.ID != 4 {
		t.Errorf("sequence restarted after reopen: got id %d, want 4", meta.ID)
	}
}
