package identity

import (
	"context"
)

// Resolution says how an incoming record was matched to a person id.
type Resolution struct {
	PersonID string
	// IsNew is true when no existing anchor or identifier matched and a fresh
	// id was generated. The caller must create the person row before
	// persisting a source mapping for it.
	IsNew bool
	// ViaMapping is true when the (source, external_id) anchor decided the
	// match. The anchor is authoritative: linking an entity to a different
	// identity always requires an explicit merge, never an identifier
	// collision at ingest time.
	ViaMapping bool
}

// ResolvePerson decides which person an incoming record belongs to:
//
//  1. source mapping for (source, external_id), unconditionally;
//  2. else the registry owner matching the most of the record's normalized
//     identifiers;
//  3. else a new time-ordered id.
//
// Persons tombstoned by a merge are followed to their merge target.
func ResolvePerson(ctx context.Context, q DBTX, source, externalID string, idents []Identifier) (Resolution, error) {
	if externalID != "" {
		mapped, err := LookupSourceMapping(ctx, q, source, externalID)
		if err != nil {
			return Resolution{}, err
		}
		if mapped != "" {
			live, err := FollowTombstone(ctx, q, mapped)
			if err != nil {
				return Resolution{}, err
			}
			return Resolution{PersonID: live, ViaMapping: true}, nil
		}
	}

	owner, err := ResolveByIdentifiers(ctx, q, idents)
	if err != nil {
		return Resolution{}, err
	}
	if owner != "" {
		live, err := FollowTombstone(ctx, q, owner)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{PersonID: live}, nil
	}

	return Resolution{PersonID: NewID(), IsNew: true}, nil
}
