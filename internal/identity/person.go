package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID generates a time-ordered unique person id (UUIDv7), so lexicographic
// order follows creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// GetPerson loads one person row. Returns nil when the id is unknown.
func GetPerson(ctx context.Context, q DBTX, id string) (*Person, error) {
	var p Person
	var nicknames string
	var deleted int
	var mergedInto sql.NullString
	var createdAt, updatedAt int64

	err := q.QueryRowContext(ctx, `
		SELECT id, display_name, given_name, family_name, organization,
			nicknames, notes, photo_hash, version, deleted, merged_into,
			created_at, updated_at
		FROM persons WHERE id = ?
	`, id).Scan(
		&p.ID, &p.DisplayName, &p.GivenName, &p.FamilyName, &p.Organization,
		&nicknames, &p.Notes, &p.PhotoHash, &p.Version, &deleted, &mergedInto,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}

	if err := json.Unmarshal([]byte(nicknames), &p.Nicknames); err != nil {
		return nil, fmt.Errorf("parse nicknames for %s: %w", id, err)
	}
	p.Deleted = deleted == 1
	if mergedInto.Valid {
		p.MergedInto = &mergedInto.String
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// FollowTombstone chases merged_into pointers until it reaches a live person.
// A person tombstoned by a merge is never a valid ingest target.
func FollowTombstone(ctx context.Context, q DBTX, id string) (string, error) {
	for i := 0; i < 32; i++ {
		var mergedInto sql.NullString
		err := q.QueryRowContext(ctx, `SELECT merged_into FROM persons WHERE id = ?`, id).Scan(&mergedInto)
		if err == sql.ErrNoRows {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("follow tombstone: %w", err)
		}
		if !mergedInto.Valid {
			return id, nil
		}
		id = mergedInto.String
	}
	return "", fmt.Errorf("tombstone chain too deep at %s", id)
}

// UpsertPerson writes a person row gated by version: the write applies only
// when the incoming version is >= the stored version. Reports whether the
// write applied. merged_into is never touched here.
func UpsertPerson(ctx context.Context, q DBTX, p Person) (bool, error) {
	if p.ID == "" {
		return false, fmt.Errorf("%w: person id is empty", ErrValidation)
	}
	nicknames, err := json.Marshal(nicknameSet(p.Nicknames))
	if err != nil {
		return false, fmt.Errorf("marshal nicknames: %w", err)
	}
	now := time.Now().Unix()

	res, err := q.ExecContext(ctx, `
		INSERT INTO persons (id, display_name, given_name, family_name, organization,
			nicknames, notes, photo_hash, version, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			given_name = excluded.given_name,
			family_name = excluded.family_name,
			organization = excluded.organization,
			nicknames = excluded.nicknames,
			notes = excluded.notes,
			photo_hash = excluded.photo_hash,
			version = excluded.version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
		WHERE excluded.version >= persons.version
	`, p.ID, p.DisplayName, p.GivenName, p.FamilyName, p.Organization,
		string(nicknames), p.Notes, p.PhotoHash, p.Version, boolToInt(p.Deleted), now, now)
	if err != nil {
		return false, fmt.Errorf("upsert person %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert person %s: %w", p.ID, err)
	}
	return n > 0, nil
}

// CascadeDelete removes a soft-deleted person's children and releases its
// identifier claims. The person row itself stays (deleted=1).
func CascadeDelete(ctx context.Context, q DBTX, personID string) error {
	for _, stmt := range []string{
		`DELETE FROM identifiers WHERE person_id = ?`,
		`DELETE FROM addresses WHERE person_id = ?`,
		`DELETE FROM urls WHERE person_id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, personID); err != nil {
			return fmt.Errorf("cascade delete %s: %w", personID, err)
		}
	}
	if _, err := ReleaseClaims(ctx, q, personID); err != nil {
		return err
	}
	return nil
}

// UpsertIdentifier attaches a normalized identifier to a person, keyed by
// (person_id, kind, value_canonical). Re-upserts refresh label, priority and
// verified; rows are never bulk-replaced so sources accumulate.
func UpsertIdentifier(ctx context.Context, q DBTX, personID string, ident Identifier) error {
	now := time.Now().Unix()
	_, err := q.ExecContext(ctx, `
		INSERT INTO identifiers (id, person_id, kind, value_raw, value_canonical,
			label, priority, verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(person_id, kind, value_canonical) DO UPDATE SET
			value_raw = excluded.value_raw,
			label = excluded.label,
			priority = excluded.priority,
			verified = excluded.verified,
			updated_at = excluded.updated_at
	`, uuid.Must(uuid.NewV7()).String(), personID, ident.Kind, ident.ValueRaw,
		ident.ValueCanonical, ident.Label, ident.Priority, boolToInt(ident.Verified), now, now)
	if err != nil {
		return fmt.Errorf("upsert identifier %s/%s: %w", ident.Kind, ident.ValueCanonical, err)
	}
	return nil
}

// UpsertSourceMapping records or re-points the (source, external_id) anchor.
func UpsertSourceMapping(ctx context.Context, q DBTX, source, externalID, personID string) error {
	now := time.Now().Unix()
	_, err := q.ExecContext(ctx, `
		INSERT INTO source_mappings (source, external_id, person_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source, external_id) DO UPDATE SET
			person_id = excluded.person_id,
			updated_at = excluded.updated_at
	`, source, externalID, personID, now, now)
	if err != nil {
		return fmt.Errorf("upsert source mapping %s/%s: %w", source, externalID, err)
	}
	return nil
}

// LookupSourceMapping returns the person anchored to (source, external_id),
// or "" when the mapping is unknown.
func LookupSourceMapping(ctx context.Context, q DBTX, source, externalID string) (string, error) {
	var personID string
	err := q.QueryRowContext(ctx, `
		SELECT person_id FROM source_mappings WHERE source = ? AND external_id = ?
	`, source, externalID).Scan(&personID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup source mapping: %w", err)
	}
	return personID, nil
}

// UpsertAddress overwrites a person's address by label.
func UpsertAddress(ctx context.Context, q DBTX, personID string, a Address) error {
	now := time.Now().Unix()
	_, err := q.ExecContext(ctx, `
		INSERT INTO addresses (id, person_id, label, street, city, region, postal_code, country, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(person_id, label) DO UPDATE SET
			street = excluded.street,
			city = excluded.city,
			region = excluded.region,
			postal_code = excluded.postal_code,
			country = excluded.country,
			updated_at = excluded.updated_at
	`, uuid.Must(uuid.NewV7()).String(), personID, a.Label, a.Street, a.City, a.Region, a.PostalCode, a.Country, now, now)
	if err != nil {
		return fmt.Errorf("upsert address %q: %w", a.Label, err)
	}
	return nil
}

// UpsertURL overwrites a person's url by label.
func UpsertURL(ctx context.Context, q DBTX, personID string, u Url) error {
	now := time.Now().Unix()
	_, err := q.ExecContext(ctx, `
		INSERT INTO urls (id, person_id, label, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(person_id, label) DO UPDATE SET
			url = excluded.url,
			updated_at = excluded.updated_at
	`, uuid.Must(uuid.NewV7()).String(), personID, u.Label, u.URL, now, now)
	if err != nil {
		return fmt.Errorf("upsert url %q: %w", u.Label, err)
	}
	return nil
}

// nicknameSet dedupes while preserving first-seen order.
func nicknameSet(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, n := range in {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
