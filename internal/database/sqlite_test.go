package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"passfiles/internal/config"
	"passfiles/internal/pf"
)

// newTestStore creates a new in-memory store with schema applied.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestSQLiteStore_NextValue(t *testing.T) {
	ctx := context.Background()

	t.Run("sequences start at one and increase", func(t *testing.T) {
		s := newTestStore(t)
		for want := int64(1); want <= 3; want++ {
			got, err := s.NextValue(ctx, "local_record_id")
			if err != nil {
				t.Fatalf("NextValue() error = %v", err)
			}
			if got != want {
				t.Errorf("NextValue() = %d, want %d", got, want)
			}
		}
	})

	t.Run("sequences are independent", func(t *testing.T) {
		s := newTestStore(t)
		if _, err := s.NextValue(ctx, "a"); err != nil {
			t.Fatalf("NextValue(a) error = %v", err)
		}
		got, err := s.NextValue(ctx, "b")
		if err != nil {
			t.Fatalf("NextValue(b) error = %v", err)
		}
		if got != 1 {
			t.Errorf("NextValue(b) = %d, want 1", got)
		}
	})

	t.Run("concurrent callers get distinct values", func(t *testing.T) {
		s := newTestStore(t)
		const n = 20
		values := make(chan int64, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := s.NextValue(ctx, "seq")
				if err != nil {
					t.Errorf("NextValue() error = %v", err)
					return
				}
				values <- v
			}()
		}
		wg.Wait()
		close(values)

		seen := make(map[int64]bool)
		for v := range values {
			if seen[v] {
				t.Errorf("value %d handed out twice", v)
			}
			seen[v] = true
		}
		if len(seen) != n {
			t.Errorf("got %d distinct values, want %d", len(seen), n)
		}
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pf.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if _, err := s.NextValue(ctx, "local_record_id"); err != nil {
		t.Fatalf("NextValue() error = %v", err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	got, err := s.NextValue(ctx, "local_record_id")
	if err != nil {
		t.Fatalf("NextValue() error = %v", err)
	}
	if got != 2 {
		t.Errorf("NextValue() after reopen = %d, want 2", got)
	}
	if err := s.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}
}

func TestSQLiteStore_SyncRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	first, err := s.StartSyncRun(ctx, "password", start)
	if err != nil {
		t.Fatalf("StartSyncRun() error = %v", err)
	}
	res := &pf.SyncResult{
		Downloaded: []int64{1, 2},
		Uploaded:   []int64{3},
		NeedsMerge: []int64{4},
	}
	if err := s.FinishSyncRun(ctx, first, start.Add(time.Second), "ok", res); err != nil {
		t.Fatalf("FinishSyncRun() error = %v", err)
	}

	second, err := s.StartSyncRun(ctx, "note", start.Add(time.Minute))
	if err != nil {
		t.Fatalf("StartSyncRun() error = %v", err)
	}

	runs, err := s.ListSyncRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListSyncRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListSyncRuns() returned %d runs, want 2", len(runs))
	}

	if runs[0].ID != second || runs[0].Status != "running" || runs[0].FinishedAt.Valid {
		t.Errorf("newest run = %+v, want unfinished run %d", runs[0], second)
	}
	done := runs[1]
	if done.Downloaded != 2 || done.Uploaded != 1 || done.NeedsMerge != 1 || done.Failed != 0 {
		t.Errorf("finished run counts = %+v", done)
	}
	if !done.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", done.StartedAt, start)
	}
	if !done.FinishedAt.Valid || !done.FinishedAt.Time.Equal(start.Add(time.Second)) {
		t.Errorf("FinishedAt = %v, want %v", done.FinishedAt, start.Add(time.Second))
	}
}

func TestNewStoreFromConfig(t *testing.T) {
	t.Run("memory store", func(t *testing.T) {
		got, err := NewStoreFromConfig(config.CounterConfig{Type: "memory"})
		if err != nil {
			t.Fatalf("NewStoreFromConfig() unexpected error: %v", err)
		}
		got.Close()
	})

	t.Run("sqlite store creates directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "pf.db")
		got, err := NewStoreFromConfig(config.CounterConfig{Type: "sqlite", Path: path})
		if err != nil {
			t.Fatalf("NewStoreFromConfig() unexpected error: %v", err)
		}
		defer got.Close()
		if got.Path() != path {
			t.Errorf("Path() = %q, want %q", got.Path(), path)
		}
	})

	t.Run("sqlite store without path", func(t *testing.T) {
		got, err := NewStoreFromConfig(config.CounterConfig{Type: "sqlite"})
		if err == nil {
			t.Error("NewStoreFromConfig() expected error for missing path, got nil")
		}
		if got != nil {
			t.Error("NewStoreFromConfig() should return nil on error")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := NewStoreFromConfig(config.CounterConfig{Type: "redis"})
		if err == nil {
			t.Error("NewStoreFromConfig() expected error for unknown type, got nil")
		}
	})
}
