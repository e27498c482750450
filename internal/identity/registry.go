package identity

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// ClaimOrGet atomically claims ownership of (kind, value_canonical) for
// candidateID. If the key is unclaimed (absent, or present with a released
// NULL owner) the candidate becomes the owner and claimed is true. If a
// different person already owns the key, the row is left untouched and the
// existing owner is returned with claimed=false.
//
// This is a single conditional write, never read-then-write: under two
// concurrent claims on the same key exactly one caller wins and the other
// observes the winner.
func ClaimOrGet(ctx context.Context, q DBTX, kind Kind, canonical string, candidateID string) (ownerID string, claimed bool, err error) {
	now := time.Now().Unix()
	err = q.QueryRowContext(ctx, `
		INSERT INTO identifier_owners (kind, value_canonical, person_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, value_canonical) DO UPDATE SET
			person_id = COALESCE(identifier_owners.person_id, excluded.person_id),
			updated_at = excluded.updated_at
		RETURNING person_id
	`, kind, canonical, candidateID, now, now).Scan(&ownerID)
	if err != nil {
		return "", false, fmt.Errorf("claim identifier owner: %w", err)
	}
	return ownerID, ownerID == candidateID, nil
}

// LookupOwner returns the Person owning (kind, value_canonical), or "" if the
// key is unknown or its claim has been released.
func LookupOwner(ctx context.Context, q DBTX, kind Kind, canonical string) (string, error) {
	var owner sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT person_id FROM identifier_owners
		WHERE kind = ? AND value_canonical = ?
	`, kind, canonical).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup identifier owner: %w", err)
	}
	if !owner.Valid {
		return "", nil
	}
	return owner.String, nil
}

// ResolveByIdentifiers looks up the owners of all given identifiers and
// returns the person with the most matches. Ties break to the smallest id,
// which under time-ordered ids is the oldest person. Returns "" when no
// identifier matches anything.
func ResolveByIdentifiers(ctx context.Context, q DBTX, idents []Identifier) (string, error) {
	votes := make(map[string]int)
	for _, ident := range idents {
		owner, err := LookupOwner(ctx, q, ident.Kind, ident.ValueCanonical)
		if err != nil {
			return "", err
		}
		if owner != "" {
			votes[owner]++
		}
	}
	if len(votes) == 0 {
		return "", nil
	}

	candidates := make([]string, 0, len(votes))
	for id := range votes {
		candidates = append(candidates, id)
	}
	sort.Strings(candidates)

	best := candidates[0]
	for _, id := range candidates[1:] {
		if votes[id] > votes[best] {
			best = id
		}
	}
	return best, nil
}

// ReleaseClaims clears ownership of every identifier held by a person,
// leaving the registry rows in place with a NULL owner so a later claim can
// take them over atomically.
func ReleaseClaims(ctx context.Context, q DBTX, personID string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE identifier_owners SET person_id = NULL, updated_at = ?
		WHERE person_id = ?
	`, time.Now().Unix(), personID)
	if err != nil {
		return 0, fmt.Errorf("release identifier claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
