package merge

import (
	"context"
	"testing"

	"github.com/halverson/rolodex/internal/identity"
)

func TestEvaluateTwoSharedIdentifiersEligible(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	newPerson(t, conn, "p1", "Alice")
	newPerson(t, conn, "p2", "Alicia")
	for _, c := range []struct {
		kind      identity.Kind
		canonical string
	}{
		{identity.KindPhone, "+15084109572"},
		{identity.KindEmail, "alice@example.com"},
	} {
		for _, id := range []string{"p1", "p2"} {
			if err := identity.UpsertIdentifier(ctx, conn, id, identity.Identifier{
				Kind: c.kind, ValueRaw: c.canonical, ValueCanonical: c.canonical,
			}); err != nil {
				t.Fatalf("identifier: %v", err)
			}
		}
	}

	d, err := Evaluator{}.Evaluate(ctx, conn, "p1", "p2")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Eligible || d.SharedIdentifiers != 2 {
		t.Errorf("decision = %+v, want eligible with 2 shared", d)
	}
}

func TestEvaluateOneSharedWithSourceOverlapEligible(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	newPerson(t, conn, "p1", "Alice")
	newPerson(t, conn, "p2", "Alicia")
	for _, id := range []string{"p1", "p2"} {
		if err := identity.UpsertIdentifier(ctx, conn, id, identity.Identifier{
			Kind: identity.KindEmail, ValueRaw: "alice@example.com", ValueCanonical: "alice@example.com",
		}); err != nil {
			t.Fatalf("identifier: %v", err)
		}
	}
	if err := identity.UpsertSourceMapping(ctx, conn, "contacts", "c-1", "p1"); err != nil {
		t.Fatalf("mapping: %v", err)
	}
	if err := identity.UpsertSourceMapping(ctx, conn, "contacts", "c-2", "p2"); err != nil {
		t.Fatalf("mapping: %v", err)
	}

	d, err := Evaluator{}.Evaluate(ctx, conn, "p1", "p2")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Eligible {
		t.Errorf("decision = %+v, want eligible via shared source namespace", d)
	}
	if len(d.SharedSources) != 1 || d.SharedSources[0] != "contacts" {
		t.Errorf("shared sources = %v, want [contacts]", d.SharedSources)
	}
}

func TestEvaluateOneSharedAloneNotEligible(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	newPerson(t, conn, "p1", "Alice")
	newPerson(t, conn, "p2", "Alicia")
	for _, id := range []string{"p1", "p2"} {
		if err := identity.UpsertIdentifier(ctx, conn, id, identity.Identifier{
			Kind: identity.KindEmail, ValueRaw: "alice@example.com", ValueCanonical: "alice@example.com",
		}); err != nil {
			t.Fatalf("identifier: %v", err)
		}
	}
	// Distinct source namespaces: not enough evidence on its own.
	if err := identity.UpsertSourceMapping(ctx, conn, "contacts", "c-1", "p1"); err != nil {
		t.Fatalf("mapping: %v", err)
	}
	if err := identity.UpsertSourceMapping(ctx, conn, "gmail", "m-1", "p2"); err != nil {
		t.Fatalf("mapping: %v", err)
	}

	d, err := Evaluator{}.Evaluate(ctx, conn, "p1", "p2")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Eligible {
		t.Errorf("decision = %+v, want not eligible", d)
	}

	// A lowered threshold flips the verdict.
	d, err = Evaluator{MinSharedIdentifiers: 1}.Evaluate(ctx, conn, "p1", "p2")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Eligible {
		t.Errorf("decision = %+v, want eligible at threshold 1", d)
	}
}
