package identity

import (
	"context"
	"testing"
)

func TestResolvePersonMappingOverridesIdentifiers(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	insertTestPerson(t, conn, "mapped", "Mapped")
	insertTestPerson(t, conn, "owner", "Owner")

	if err := UpsertSourceMapping(ctx, conn, "imessage", "chat-1", "mapped"); err != nil {
		t.Fatalf("mapping: %v", err)
	}
	if _, _, err := ClaimOrGet(ctx, conn, KindPhone, "+15084109572", "owner"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// The source mapping is authoritative even though the identifier points
	// elsewhere; moving the entity requires an explicit merge.
	res, err := ResolvePerson(ctx, conn, "imessage", "chat-1", []Identifier{
		{Kind: KindPhone, ValueCanonical: "+15084109572"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.PersonID != "mapped" || !res.ViaMapping || res.IsNew {
		t.Errorf("resolution = %+v, want mapped via mapping", res)
	}
}

func TestResolvePersonFallsBackToIdentifiersThenNew(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	insertTestPerson(t, conn, "owner", "Owner")
	if _, _, err := ClaimOrGet(ctx, conn, KindEmail, "a@b.com", "owner"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := ResolvePerson(ctx, conn, "gmail", "msg-9", []Identifier{
		{Kind: KindEmail, ValueCanonical: "a@b.com"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.PersonID != "owner" || res.ViaMapping || res.IsNew {
		t.Errorf("resolution = %+v, want owner via identifiers", res)
	}

	res, err = ResolvePerson(ctx, conn, "gmail", "msg-10", []Identifier{
		{Kind: KindEmail, ValueCanonical: "stranger@b.com"},
	})
	if err != nil {
		t.Fatalf("resolve new: %v", err)
	}
	if !res.IsNew || res.PersonID == "" {
		t.Errorf("resolution = %+v, want fresh id", res)
	}
}

func TestResolvePersonFollowsTombstone(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	insertTestPerson(t, conn, "old", "Old")
	insertTestPerson(t, conn, "new", "New")
	if err := UpsertSourceMapping(ctx, conn, "contacts", "c-1", "old"); err != nil {
		t.Fatalf("mapping: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `UPDATE persons SET merged_into = 'new' WHERE id = 'old'`); err != nil {
		t.Fatalf("tombstone: %v", err)
	}

	res, err := ResolvePerson(ctx, conn, "contacts", "c-1", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.PersonID != "new" {
		t.Errorf("resolution = %+v, want tombstone followed to new", res)
	}
}
