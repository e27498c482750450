package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/halverson/rolodex/internal/identity"
)

// CandidateGroup is a set of live persons sharing one canonical identifier
// value. Groups feed external review tooling, which in turn calls People.
type CandidateGroup struct {
	Kind           identity.Kind `json:"kind"`
	ValueCanonical string        `json:"value_canonical"`
	PersonIDs      []string      `json:"person_ids"`
	Count          int           `json:"count"`
}

// FindDuplicateCandidates groups identifiers of non-deleted, non-tombstoned
// persons by (kind, value_canonical) and returns the groups held by more than
// one person. Read-only; O(identifiers), not O(persons squared).
func FindDuplicateCandidates(ctx context.Context, q identity.DBTX) ([]CandidateGroup, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT i.kind, i.value_canonical,
			GROUP_CONCAT(DISTINCT i.person_id),
			COUNT(DISTINCT i.person_id) AS person_count
		FROM identifiers i
		JOIN persons p ON p.id = i.person_id
		WHERE p.deleted = 0 AND p.merged_into IS NULL
		GROUP BY i.kind, i.value_canonical
		HAVING person_count > 1
		ORDER BY person_count DESC, i.kind, i.value_canonical
	`)
	if err != nil {
		return nil, fmt.Errorf("query duplicate candidates: %w", err)
	}
	defer rows.Close()

	var groups []CandidateGroup
	for rows.Next() {
		var g CandidateGroup
		var ids string
		if err := rows.Scan(&g.Kind, &g.ValueCanonical, &ids, &g.Count); err != nil {
			return nil, fmt.Errorf("scan duplicate candidate: %w", err)
		}
		// GROUP_CONCAT is comma separated; person ids are UUIDs so a bare
		// split is safe.
		g.PersonIDs = strings.Split(ids, ",")
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
