package ingest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/halverson/rolodex/internal/db"
	"github.com/halverson/rolodex/internal/identity"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rolodex.db")
	if err := db.InitAt(path); err != nil {
		t.Fatalf("init test db: %v", err)
	}
	conn, err := db.OpenAt(path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestPipeline(t *testing.T, conn *sql.DB) *Pipeline {
	t.Helper()
	p := New(conn, "US")
	p.Logf = t.Logf
	return p
}

func countRows(t *testing.T, conn *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query %q: %v", query, err)
	}
	return n
}

func mappedPerson(t *testing.T, conn *sql.DB, source, externalID string) string {
	t.Helper()
	id, err := identity.LookupSourceMapping(context.Background(), conn, source, externalID)
	if err != nil {
		t.Fatalf("lookup mapping %s/%s: %v", source, externalID, err)
	}
	if id == "" {
		t.Fatalf("no mapping for %s/%s", source, externalID)
	}
	return id
}

func TestUpsertBatchCreatesPerson(t *testing.T) {
	conn := openTestDB(t)
	p := newTestPipeline(t, conn)

	counters, err := p.UpsertBatch(context.Background(), "contacts", []identity.Record{{
		ExternalID:  "c-1",
		DisplayName: "Alice Example",
		Identifiers: []identity.Identifier{
			{Kind: identity.KindPhone, ValueRaw: "508-410-9572"},
			{Kind: identity.KindEmail, ValueRaw: "Alice@Example.COM", Label: "home"},
		},
		Addresses: []identity.Address{{Label: "work", City: "Boston"}},
		Urls:      []identity.Url{{Label: "homepage", URL: "https://example.com"}},
		Version:   1,
	}})
	if err != nil {
		t.Fatalf("upsert batch: %v", err)
	}
	if counters.Accepted != 1 || counters.Upserts != 1 || counters.Skipped != 0 || counters.Conflicts != 0 {
		t.Fatalf("counters = %+v", counters)
	}

	pid := mappedPerson(t, conn, "contacts", "c-1")
	if n := countRows(t, conn, `SELECT COUNT(*) FROM identifiers WHERE person_id = ?`, pid); n != 2 {
		t.Errorf("identifiers = %d, want 2", n)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM addresses WHERE person_id = ?`, pid); n != 1 {
		t.Errorf("addresses = %d, want 1", n)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM urls WHERE person_id = ?`, pid); n != 1 {
		t.Errorf("urls = %d, want 1", n)
	}

	owner, err := identity.LookupOwner(context.Background(), conn, identity.KindEmail, "alice@example.com")
	if err != nil {
		t.Fatalf("lookup owner: %v", err)
	}
	if owner != pid {
		t.Errorf("owner = %q, want %q", owner, pid)
	}
}

func TestUpsertBatchIdempotent(t *testing.T) {
	conn := openTestDB(t)
	p := newTestPipeline(t, conn)
	ctx := context.Background()

	batch := []identity.Record{{
		ExternalID:  "c-1",
		DisplayName: "Alice Example",
		Identifiers: []identity.Identifier{
			{Kind: identity.KindPhone, ValueRaw: "508-410-9572"},
		},
		Version: 1,
	}}

	if _, err := p.UpsertBatch(ctx, "contacts", batch); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	second, err := p.UpsertBatch(ctx, "contacts", batch)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if second.Upserts != 0 {
		t.Errorf("unchanged pass upserts = %d, want 0", second.Upserts)
	}
	if second.Conflicts != 0 || second.Skipped != 0 {
		t.Errorf("unchanged pass counters = %+v", second)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM persons`); n != 1 {
		t.Errorf("persons = %d, want 1", n)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM identifiers`); n != 1 {
		t.Errorf("identifiers = %d, want 1 (no duplicates)", n)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM source_mappings`); n != 1 {
		t.Errorf("source_mappings = %d, want 1", n)
	}
}

// A record under a new external id whose identifiers match an existing person
// accumulates onto that person instead of creating a duplicate.
func TestUpsertBatchConflictAccumulation(t *testing.T) {
	conn := openTestDB(t)
	p := newTestPipeline(t, conn)
	ctx := context.Background()

	if _, err := p.UpsertBatch(ctx, "imessage", []identity.Record{{
		ExternalID: "handle-1",
		Identifiers: []identity.Identifier{
			{Kind: identity.KindPhone, ValueRaw: "508-410-9572"},
			{Kind: identity.KindEmail, ValueRaw: "alice@example.com"},
		},
		Version: 1,
	}}); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	p1 := mappedPerson(t, conn, "imessage", "handle-1")

	counters, err := p.UpsertBatch(ctx, "imessage", []identity.Record{{
		ExternalID: "handle-2",
		Identifiers: []identity.Identifier{
			{Kind: identity.KindPhone, ValueRaw: "(508) 410-9572"},
			{Kind: identity.KindEmail, ValueRaw: "alice@work.example.com"},
		},
		Version: 1,
	}})
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if counters.Conflicts == 0 {
		t.Errorf("counters = %+v, want a recorded conflict", counters)
	}

	if got := mappedPerson(t, conn, "imessage", "handle-2"); got != p1 {
		t.Errorf("handle-2 maps to %q, want %q", got, p1)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM persons WHERE merged_into IS NULL AND deleted = 0 AND id IN (SELECT person_id FROM identifiers)`); n != 1 {
		t.Errorf("persons holding identifiers = %d, want 1", n)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM identifiers WHERE person_id = ?`, p1); n != 3 {
		t.Errorf("identifiers on p1 = %d, want 3 (phone + both emails)", n)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM append_audit WHERE target_person_id = ?`, p1); n != 1 {
		t.Errorf("append audit entries naming p1 = %d, want 1", n)
	}
}

// Record 2 has no external id and an unparseable identifier: it fails during
// normalization, is rolled back alone, and records 1 and 3 still commit.
func TestUpsertBatchCheckpointIsolation(t *testing.T) {
	conn := openTestDB(t)
	p := newTestPipeline(t, conn)

	counters, err := p.UpsertBatch(context.Background(), "contacts", []identity.Record{
		{
			ExternalID:  "c-1",
			DisplayName: "First",
			Identifiers: []identity.Identifier{{Kind: identity.KindEmail, ValueRaw: "one@example.com"}},
			Version:     1,
		},
		{
			// No usable identity signal at all.
			DisplayName: "Broken",
			Identifiers: []identity.Identifier{{Kind: identity.KindEmail, ValueRaw: "not-an-email"}},
			Version:     1,
		},
		{
			ExternalID:  "c-3",
			DisplayName: "Third",
			Identifiers: []identity.Identifier{{Kind: identity.KindEmail, ValueRaw: "three@example.com"}},
			Version:     1,
		},
	})
	if err != nil {
		t.Fatalf("upsert batch: %v", err)
	}

	if counters.Accepted != 3 {
		t.Errorf("accepted = %d, want 3", counters.Accepted)
	}
	if counters.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", counters.Skipped)
	}
	if counters.Upserts != 2 {
		t.Errorf("upserts = %d, want 2", counters.Upserts)
	}

	mappedPerson(t, conn, "contacts", "c-1")
	mappedPerson(t, conn, "contacts", "c-3")
	if n := countRows(t, conn, `SELECT COUNT(*) FROM persons`); n != 2 {
		t.Errorf("persons = %d, want 2", n)
	}
}

func TestUpsertBatchStaleVersionRejected(t *testing.T) {
	conn := openTestDB(t)
	p := newTestPipeline(t, conn)
	ctx := context.Background()

	if _, err := p.UpsertBatch(ctx, "contacts", []identity.Record{{
		ExternalID: "c-1", DisplayName: "Newer", Version: 5,
	}, {
		ExternalID: "c-1", DisplayName: "Ignored", Version: 3,
	}}); err != nil {
		t.Fatalf("batch: %v", err)
	}

	pid := mappedPerson(t, conn, "contacts", "c-1")
	person, err := identity.GetPerson(ctx, conn, pid)
	if err != nil {
		t.Fatalf("get person: %v", err)
	}
	if person.DisplayName != "Newer" || person.Version != 5 {
		t.Errorf("person = %q v%d, stale write applied", person.DisplayName, person.Version)
	}
}

func TestUpsertBatchTombstoneCascades(t *testing.T) {
	conn := openTestDB(t)
	p := newTestPipeline(t, conn)
	ctx := context.Background()

	if _, err := p.UpsertBatch(ctx, "contacts", []identity.Record{{
		ExternalID: "c-1",
		Identifiers: []identity.Identifier{
			{Kind: identity.KindEmail, ValueRaw: "alice@example.com"},
		},
		Addresses: []identity.Address{{Label: "home", City: "Boston"}},
		Version:   1,
	}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	pid := mappedPerson(t, conn, "contacts", "c-1")

	counters, err := p.UpsertBatch(ctx, "contacts", []identity.Record{{
		ExternalID: "c-1",
		Version:    2,
		Deleted:    true,
	}})
	if err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	if counters.Deletes != 1 {
		t.Errorf("deletes = %d, want 1", counters.Deletes)
	}

	if n := countRows(t, conn, `SELECT COUNT(*) FROM identifiers WHERE person_id = ?`, pid); n != 0 {
		t.Errorf("identifiers after delete = %d, want 0", n)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM addresses WHERE person_id = ?`, pid); n != 0 {
		t.Errorf("addresses after delete = %d, want 0", n)
	}

	owner, err := identity.LookupOwner(ctx, conn, identity.KindEmail, "alice@example.com")
	if err != nil {
		t.Fatalf("lookup owner: %v", err)
	}
	if owner != "" {
		t.Errorf("ownership not released, owner = %q", owner)
	}
}

func TestUpsertBatchChildrenAccumulate(t *testing.T) {
	conn := openTestDB(t)
	p := newTestPipeline(t, conn)
	ctx := context.Background()

	if _, err := p.UpsertBatch(ctx, "contacts", []identity.Record{{
		ExternalID:  "c-1",
		Identifiers: []identity.Identifier{{Kind: identity.KindEmail, ValueRaw: "a@b.com"}},
		Version:     1,
	}}); err != nil {
		t.Fatalf("first: %v", err)
	}

	// A later pass with a different identifier adds rather than clobbers.
	if _, err := p.UpsertBatch(ctx, "contacts", []identity.Record{{
		ExternalID:  "c-1",
		Identifiers: []identity.Identifier{{Kind: identity.KindPhone, ValueRaw: "508-410-9572"}},
		Version:     2,
	}}); err != nil {
		t.Fatalf("second: %v", err)
	}

	pid := mappedPerson(t, conn, "contacts", "c-1")
	if n := countRows(t, conn, `SELECT COUNT(*) FROM identifiers WHERE person_id = ?`, pid); n != 2 {
		t.Errorf("identifiers = %d, want 2 (accumulated)", n)
	}
}
