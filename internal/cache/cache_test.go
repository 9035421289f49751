package cache

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/dinq/analyze/internal/database/migrations"
	"github.com/dinq/analyze/internal/repository"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOptionsHashStableUnderKeyOrder(t *testing.T) {
	a := OptionsHash(map[string]any{"x": 1, "y": "two"})
	b := OptionsHash(map[string]any{"y": "two", "x": 1})
	if a != b {
		t.Fatalf("expected identical hash regardless of map iteration order, got %q vs %q", a, b)
	}
	c := OptionsHash(map[string]any{"x": 1, "y": "three"})
	if a == c {
		t.Fatalf("expected different options to hash differently")
	}
}

func TestKeyDeterministicAndDistinct(t *testing.T) {
	k1 := Key("scholar", "id:A", "v1", "hash1", KindFullReport)
	k2 := Key("scholar", "id:A", "v1", "hash1", KindFullReport)
	if k1 != k2 {
		t.Fatalf("expected identical inputs to produce identical keys")
	}
	k3 := Key("scholar", "id:B", "v1", "hash1", KindFullReport)
	if k1 == k3 {
		t.Fatalf("expected different subject keys to produce different cache keys")
	}
}

func TestPutGetFreshAndStaleWindows(t *testing.T) {
	db := setupTestDB(t)
	repos := repository.New(db)

	c := New(repos.ArtifactCache, TTLPolicy{Default: 50 * time.Millisecond, Stale: 50 * time.Millisecond})
	entry, err := c.Put(context.Background(), PutParams{
		Source: "scholar", SubjectKey: "id:A", PipelineVersion: "v1", OptionsHash: "h1",
		Kind: KindFullReport, Payload: `{"profile":{}}`,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	lookup, err := c.Get(context.Background(), entry.CacheKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !lookup.Fresh {
		t.Fatalf("expected entry to be fresh immediately after Put")
	}

	time.Sleep(70 * time.Millisecond)
	lookup, err = c.Get(context.Background(), entry.CacheKey)
	if err != nil {
		t.Fatalf("get after fresh window: %v", err)
	}
	if lookup.Fresh {
		t.Fatalf("expected entry to have left the fresh window")
	}
	if !lookup.Stale {
		t.Fatalf("expected entry to be within its stale window")
	}
}

func TestGetStaleMaxStaleBoundary(t *testing.T) {
	db := setupTestDB(t)
	repos := repository.New(db)
	c := New(repos.ArtifactCache, TTLPolicy{Default: 10 * time.Millisecond, Stale: 10 * time.Millisecond})

	entry, err := c.Put(context.Background(), PutParams{
		Source: "scholar", SubjectKey: "id:A", PipelineVersion: "v1", OptionsHash: "h1",
		Kind: KindFullReport, Payload: `{}`,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok, err := c.GetStale(context.Background(), entry.CacheKey, 0); err != nil {
		t.Fatalf("get stale: %v", err)
	} else if ok {
		t.Fatalf("expected entry past fresh+stale with zero maxStale to be unusable")
	}

	if _, ok, err := c.GetStale(context.Background(), entry.CacheKey, time.Hour); err != nil {
		t.Fatalf("get stale with generous maxStale: %v", err)
	} else if !ok {
		t.Fatalf("expected entry to be usable within a generous maxStale window")
	}
}
