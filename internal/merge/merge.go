package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halverson/rolodex/internal/identity"
)

// Strategy picks how scalar attributes combine during a merge.
type Strategy string

const (
	// PreferTarget fills only the target's empty fields from the sources.
	PreferTarget Strategy = "prefer_target"
	// PreferSource lets later sources' non-empty fields override the target.
	PreferSource Strategy = "prefer_source"
	// MergeNonNull takes the first non-empty value among target then sources.
	MergeNonNull Strategy = "merge_non_null"
)

func ValidStrategy(s Strategy) bool {
	switch s {
	case PreferTarget, PreferSource, MergeNonNull:
		return true
	}
	return false
}

// Request describes an explicit, administrator-triggered merge of N persons
// into one.
type Request struct {
	TargetID  string            `json:"target_id"`
	SourceIDs []string          `json:"source_ids"`
	Strategy  Strategy          `json:"strategy"`
	Actor     string            `json:"actor"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Result reports what one merge moved.
type Result struct {
	MergeID   string           `json:"merge_id"`
	TargetID  string           `json:"target_id"`
	SourceIDs []string         `json:"source_ids"`
	Repointed map[string]int64 `json:"repointed"`
}

// People consolidates the source persons into the target in one all-or-nothing
// transaction: every foreign key referencing a source is re-pointed at the
// target, attributes combine per strategy, sources are tombstoned via
// merged_into, and one audit entry records the operation. Any failure rolls
// the whole merge back and surfaces to the caller.
func People(ctx context.Context, db *sql.DB, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("merge: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := mergeInTx(ctx, tx, req)
	if err != nil {
		log.Printf("merge: %s <- %v failed: %v", req.TargetID, req.SourceIDs, err)
		return nil, fmt.Errorf("merge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("merge: commit: %w", err)
	}
	return res, nil
}

func validateRequest(req Request) error {
	if !ValidStrategy(req.Strategy) {
		return fmt.Errorf("%w: unknown merge strategy %q", identity.ErrValidation, req.Strategy)
	}
	if req.TargetID == "" {
		return fmt.Errorf("%w: target id is empty", identity.ErrValidation)
	}
	if len(req.SourceIDs) == 0 {
		return fmt.Errorf("%w: no source ids", identity.ErrValidation)
	}
	seen := make(map[string]struct{}, len(req.SourceIDs))
	for _, id := range req.SourceIDs {
		if id == "" {
			return fmt.Errorf("%w: empty source id", identity.ErrValidation)
		}
		if id == req.TargetID {
			return fmt.Errorf("%w: target %s listed as a merge source", identity.ErrValidation, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate source id %s", identity.ErrValidation, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func mergeInTx(ctx context.Context, tx *sql.Tx, req Request) (*Result, error) {
	target, err := loadMergeable(ctx, tx, req.TargetID)
	if err != nil {
		return nil, err
	}
	sources := make([]*identity.Person, 0, len(req.SourceIDs))
	for _, id := range req.SourceIDs {
		p, err := loadMergeable(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		sources = append(sources, p)
	}

	repointed, err := repointChildren(ctx, tx, req.TargetID, req.SourceIDs)
	if err != nil {
		return nil, err
	}

	merged := combineAttributes(*target, sources, req.Strategy)
	if err := applyAttributes(ctx, tx, merged); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	for _, id := range req.SourceIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE persons SET merged_into = ?, updated_at = ? WHERE id = ?
		`, req.TargetID, now, id); err != nil {
			return nil, fmt.Errorf("tombstone %s: %w", id, err)
		}
	}

	mergeID := uuid.Must(uuid.NewV7()).String()
	absorbed, err := json.Marshal(req.SourceIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal absorbed ids: %w", err)
	}
	metadata := []byte("{}")
	if len(req.Metadata) > 0 {
		if metadata, err = json.Marshal(req.Metadata); err != nil {
			return nil, fmt.Errorf("marshal merge metadata: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO merge_audit (id, target_person_id, absorbed_ids, actor, strategy, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, mergeID, req.TargetID, string(absorbed), req.Actor, string(req.Strategy), string(metadata), now); err != nil {
		return nil, fmt.Errorf("write merge audit: %w", err)
	}

	return &Result{
		MergeID:   mergeID,
		TargetID:  req.TargetID,
		SourceIDs: req.SourceIDs,
		Repointed: repointed,
	}, nil
}

// loadMergeable fetches a person and enforces merge preconditions: it must
// exist, not be deleted, and not be tombstoned by a prior merge.
func loadMergeable(ctx context.Context, tx *sql.Tx, id string) (*identity.Person, error) {
	p, err := identity.GetPerson(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: person %s does not exist", identity.ErrValidation, id)
	}
	if p.Deleted {
		return nil, fmt.Errorf("%w: person %s is deleted", identity.ErrValidation, id)
	}
	if p.MergedInto != nil {
		return nil, fmt.Errorf("%w: person %s already merged into %s", identity.ErrValidation, id, *p.MergedInto)
	}
	return p, nil
}

// repointChildren moves every row referencing a source over to the target.
// Uniquely-keyed children the target already has are dropped from the sources
// first so the re-point cannot violate a constraint.
func repointChildren(ctx context.Context, tx *sql.Tx, targetID string, sourceIDs []string) (map[string]int64, error) {
	in := placeholders(len(sourceIDs))
	args := make([]any, 0, len(sourceIDs)+1)
	for _, id := range sourceIDs {
		args = append(args, id)
	}
	withTarget := append([]any{targetID}, args...)

	counts := make(map[string]int64)

	// identifiers: drop source rows duplicating a (kind, value) the target
	// already holds, then move the rest.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM identifiers WHERE person_id IN (`+in+`)
		AND EXISTS (
			SELECT 1 FROM identifiers t
			WHERE t.person_id = ? AND t.kind = identifiers.kind
			AND t.value_canonical = identifiers.value_canonical
		)
	`, append(append([]any{}, args...), targetID)...); err != nil {
		return nil, fmt.Errorf("dedupe identifiers: %w", err)
	}
	n, err := repoint(ctx, tx, `UPDATE identifiers SET person_id = ? WHERE person_id IN (`+in+`)`, withTarget)
	if err != nil {
		return nil, fmt.Errorf("repoint identifiers: %w", err)
	}
	counts["identifiers"] = n

	n, err = repoint(ctx, tx, `UPDATE identifier_owners SET person_id = ? WHERE person_id IN (`+in+`)`, withTarget)
	if err != nil {
		return nil, fmt.Errorf("repoint identifier owners: %w", err)
	}
	counts["identifier_owners"] = n

	n, err = repoint(ctx, tx, `UPDATE source_mappings SET person_id = ? WHERE person_id IN (`+in+`)`, withTarget)
	if err != nil {
		return nil, fmt.Errorf("repoint source mappings: %w", err)
	}
	counts["source_mappings"] = n

	for _, table := range []string{"addresses", "urls"} {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM `+table+` WHERE person_id IN (`+in+`)
			AND EXISTS (
				SELECT 1 FROM `+table+` t
				WHERE t.person_id = ? AND t.label = `+table+`.label
			)
		`, append(append([]any{}, args...), targetID)...); err != nil {
			return nil, fmt.Errorf("dedupe %s: %w", table, err)
		}
		n, err = repoint(ctx, tx, `UPDATE `+table+` SET person_id = ? WHERE person_id IN (`+in+`)`, withTarget)
		if err != nil {
			return nil, fmt.Errorf("repoint %s: %w", table, err)
		}
		counts[table] = n
	}

	// person_links carries a composite primary key; OR IGNORE drops links the
	// target already has, and the leftovers are deleted.
	n, err = repoint(ctx, tx, `UPDATE OR IGNORE person_links SET person_id = ? WHERE person_id IN (`+in+`)`, withTarget)
	if err != nil {
		return nil, fmt.Errorf("repoint person links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM person_links WHERE person_id IN (`+in+`)`, args...); err != nil {
		return nil, fmt.Errorf("drop duplicate person links: %w", err)
	}
	counts["person_links"] = n

	// Relationship edges re-point in both directions.
	n, err = repoint(ctx, tx, `UPDATE relationships SET from_person_id = ? WHERE from_person_id IN (`+in+`)`, withTarget)
	if err != nil {
		return nil, fmt.Errorf("repoint relationships (from): %w", err)
	}
	counts["relationships_from"] = n
	n, err = repoint(ctx, tx, `UPDATE relationships SET to_person_id = ? WHERE to_person_id IN (`+in+`)`, withTarget)
	if err != nil {
		return nil, fmt.Errorf("repoint relationships (to): %w", err)
	}
	counts["relationships_to"] = n

	return counts, nil
}

func repoint(ctx context.Context, tx *sql.Tx, query string, args []any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// combineAttributes merges scalar fields per strategy. Empty strings count as
// null. Nickname sets union under prefer_source and merge_non_null.
func combineAttributes(target identity.Person, sources []*identity.Person, strategy Strategy) identity.Person {
	merged := target

	fields := func(p *identity.Person) []*string {
		return []*string{&p.DisplayName, &p.GivenName, &p.FamilyName, &p.Organization, &p.Notes, &p.PhotoHash}
	}
	dst := fields(&merged)

	switch strategy {
	case PreferTarget:
		for _, src := range sources {
			for i, f := range fields(src) {
				if *dst[i] == "" && *f != "" {
					*dst[i] = *f
				}
			}
			if len(merged.Nicknames) == 0 {
				merged.Nicknames = append([]string(nil), src.Nicknames...)
			}
		}
	case PreferSource:
		for _, src := range sources {
			for i, f := range fields(src) {
				if *f != "" {
					*dst[i] = *f
				}
			}
			merged.Nicknames = unionNicknames(merged.Nicknames, src.Nicknames)
		}
	case MergeNonNull:
		for _, src := range sources {
			for i, f := range fields(src) {
				if *dst[i] == "" && *f != "" {
					*dst[i] = *f
				}
			}
			merged.Nicknames = unionNicknames(merged.Nicknames, src.Nicknames)
		}
	}

	return merged
}

func unionNicknames(a, b []string) []string {
	out := append([]string(nil), a...)
	seen := make(map[string]struct{}, len(a))
	for _, n := range a {
		seen[n] = struct{}{}
	}
	for _, n := range b {
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

func applyAttributes(ctx context.Context, tx *sql.Tx, p identity.Person) error {
	nicknames, err := json.Marshal(p.Nicknames)
	if err != nil {
		return fmt.Errorf("marshal nicknames: %w", err)
	}
	if p.Nicknames == nil {
		nicknames = []byte("[]")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE persons SET
			display_name = ?, given_name = ?, family_name = ?, organization = ?,
			nicknames = ?, notes = ?, photo_hash = ?,
			version = version + 1, updated_at = ?
		WHERE id = ?
	`, p.DisplayName, p.GivenName, p.FamilyName, p.Organization,
		string(nicknames), p.Notes, p.PhotoHash, time.Now().Unix(), p.ID); err != nil {
		return fmt.Errorf("apply merged attributes: %w", err)
	}
	return nil
}
