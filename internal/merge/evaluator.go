package merge

import (
	"context"
	"fmt"

	"github.com/halverson/rolodex/internal/identity"
)

// Evaluator scores whether two persons are safe to merge without a human
// decision. It demands stronger evidence than a single shared identifier:
// either several shared canonical identifiers, or one plus overlap in the
// source systems that produced both records.
//
// The evaluator is deliberately not called from the ingest path; it exists
// for review tooling and a future auto-merge pass.
type Evaluator struct {
	// MinSharedIdentifiers is the number of shared (kind, value) pairs that
	// alone make a pair eligible. Zero means the default of 2.
	MinSharedIdentifiers int
}

// Decision explains an eligibility verdict.
type Decision struct {
	Eligible          bool     `json:"eligible"`
	SharedIdentifiers int      `json:"shared_identifiers"`
	SharedSources     []string `json:"shared_sources,omitempty"`
	Reason            string   `json:"reason"`
}

// Evaluate checks a candidate pair against the merge policy.
func (e Evaluator) Evaluate(ctx context.Context, q identity.DBTX, aID, bID string) (Decision, error) {
	min := e.MinSharedIdentifiers
	if min <= 0 {
		min = 2
	}

	var shared int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM identifiers a
		JOIN identifiers b ON a.kind = b.kind AND a.value_canonical = b.value_canonical
		WHERE a.person_id = ? AND b.person_id = ?
	`, aID, bID).Scan(&shared)
	if err != nil {
		return Decision{}, fmt.Errorf("count shared identifiers: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT a.source
		FROM source_mappings a
		JOIN source_mappings b ON a.source = b.source
		WHERE a.person_id = ? AND b.person_id = ?
		ORDER BY a.source
	`, aID, bID)
	if err != nil {
		return Decision{}, fmt.Errorf("find shared sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return Decision{}, fmt.Errorf("scan shared source: %w", err)
		}
		sources = append(sources, s)
	}
	if err := rows.Err(); err != nil {
		return Decision{}, err
	}

	d := Decision{SharedIdentifiers: shared, SharedSources: sources}
	switch {
	case shared >= min:
		d.Eligible = true
		d.Reason = fmt.Sprintf("%d shared identifiers", shared)
	case shared >= 1 && len(sources) > 0:
		d.Eligible = true
		d.Reason = fmt.Sprintf("%d shared identifier(s) with shared source namespace", shared)
	default:
		d.Reason = "insufficient matching evidence"
	}
	return d, nil
}
