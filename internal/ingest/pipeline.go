package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/halverson/rolodex/internal/identity"
)

// Counters aggregates the outcome of one batch. Accepted is the number of
// records taken off the batch, including ones later skipped.
type Counters struct {
	Accepted  int `json:"accepted"`
	Upserts   int `json:"upserts"`
	Deletes   int `json:"deletes"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"`
}

// Batch is the wire shape of a spool file or ingest payload.
type Batch struct {
	Source  string            `json:"source"`
	Records []identity.Record `json:"records"`
}

// Pipeline drives normalization, resolution and the ownership registry across
// the records of a batch, with per-record fault isolation.
type Pipeline struct {
	DB            *sql.DB
	DefaultRegion string
	Logf          func(format string, args ...any)
}

func New(db *sql.DB, defaultRegion string) *Pipeline {
	return &Pipeline{DB: db, DefaultRegion: defaultRegion, Logf: log.Printf}
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.Logf != nil {
		p.Logf(format, args...)
	}
}

// UpsertBatch processes records sequentially inside one transaction, each
// record under its own savepoint. A failing record rolls back only its own
// savepoint and is counted as skipped; the batch carries on.
func (p *Pipeline) UpsertBatch(ctx context.Context, source string, records []identity.Record) (Counters, error) {
	counters := Counters{Accepted: len(records)}
	if source == "" {
		return Counters{}, fmt.Errorf("%w: source is empty", identity.ErrValidation)
	}
	if len(records) == 0 {
		return counters, nil
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return counters, fmt.Errorf("begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	for i, rec := range records {
		sp := fmt.Sprintf("rec_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			// Checkpoint mechanism itself failed: best-effort skip.
			p.logf("ingest: savepoint for record %d failed: %v", i, err)
			counters.Skipped++
			continue
		}

		res, err := p.processRecord(ctx, tx, source, rec)
		if err != nil {
			p.logf("ingest: skipping record %d (%s/%s): %v", i, source, rec.ExternalID, err)
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+sp); rbErr != nil {
				p.logf("ingest: rollback to %s failed: %v", sp, rbErr)
			}
			if _, relErr := tx.ExecContext(ctx, "RELEASE "+sp); relErr != nil {
				p.logf("ingest: release %s failed: %v", sp, relErr)
			}
			counters.Skipped++
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
			p.logf("ingest: release %s failed: %v", sp, err)
			counters.Skipped++
			continue
		}

		if res.deleted {
			counters.Deletes++
		} else if res.upserted {
			counters.Upserts++
		}
		counters.Conflicts += res.conflicts
	}

	if err := tx.Commit(); err != nil {
		return counters, fmt.Errorf("commit batch: %w", err)
	}
	return counters, nil
}

type recordResult struct {
	upserted  bool
	deleted   bool
	conflicts int
}

func (p *Pipeline) processRecord(ctx context.Context, tx *sql.Tx, source string, rec identity.Record) (recordResult, error) {
	var res recordResult

	idents, dropped := identity.NormalizeAll(rec.Identifiers, p.DefaultRegion)
	if dropped > 0 {
		p.logf("ingest: %s/%s: dropped %d unparseable identifier(s)", source, rec.ExternalID, dropped)
	}
	if rec.ExternalID == "" && len(idents) == 0 {
		return res, fmt.Errorf("%w: record has no usable identity signal", identity.ErrValidation)
	}

	resolution, err := identity.ResolvePerson(ctx, tx, source, rec.ExternalID, idents)
	if err != nil {
		return res, err
	}
	personID := resolution.PersonID

	// Prior state is only read to classify counters; the write itself stays
	// gated by the conditional upsert.
	prior, err := identity.GetPerson(ctx, tx, personID)
	if err != nil {
		return res, err
	}

	applied, err := identity.UpsertPerson(ctx, tx, identity.Person{
		ID:           personID,
		DisplayName:  rec.DisplayName,
		GivenName:    rec.GivenName,
		FamilyName:   rec.FamilyName,
		Organization: rec.Organization,
		Nicknames:    rec.Nicknames,
		Notes:        rec.Notes,
		PhotoHash:    rec.PhotoHash,
		Version:      rec.Version,
		Deleted:      rec.Deleted,
	})
	if err != nil {
		return res, err
	}

	// The person row exists now; the mapping can reference it.
	if rec.ExternalID != "" {
		if err := identity.UpsertSourceMapping(ctx, tx, source, rec.ExternalID, personID); err != nil {
			return res, err
		}
	}

	if rec.Deleted {
		if applied {
			if err := identity.CascadeDelete(ctx, tx, personID); err != nil {
				return res, err
			}
			// Re-delivered tombstones cascade again harmlessly but only the
			// transition counts as a delete.
			res.deleted = prior == nil || !prior.Deleted
		}
		return res, nil
	}
	// An unchanged re-ingest (same version) refreshes the row but is not a
	// new upsert.
	res.upserted = applied && (prior == nil || rec.Version > prior.Version)

	// Refresh children. Identifiers go through the ownership registry: a key
	// owned by someone else redirects this identifier (and this record's
	// mapping) onto the existing owner instead of creating a duplicate.
	appended := make(map[string][]identity.Identifier)
	for _, ident := range idents {
		owner, claimed, err := identity.ClaimOrGet(ctx, tx, ident.Kind, ident.ValueCanonical, personID)
		if err != nil {
			return res, err
		}
		if claimed {
			if err := identity.UpsertIdentifier(ctx, tx, personID, ident); err != nil {
				return res, err
			}
			continue
		}

		if err := identity.UpsertIdentifier(ctx, tx, owner, ident); err != nil {
			return res, err
		}
		if rec.ExternalID != "" {
			if err := identity.UpsertSourceMapping(ctx, tx, source, rec.ExternalID, owner); err != nil {
				return res, err
			}
		}
		if err := writeConflictAudit(ctx, tx, ident, owner, personID, source); err != nil {
			return res, err
		}
		appended[owner] = append(appended[owner], ident)
		res.conflicts++
	}
	for owner, appendedIdents := range appended {
		if err := writeAppendAudit(ctx, tx, owner, personID, source, rec.ExternalID, appendedIdents); err != nil {
			return res, err
		}
	}

	// A record whose external id was unknown but whose identifiers matched an
	// existing owner is an append: the new external id attached to a
	// pre-existing identity instead of creating a duplicate person.
	if !resolution.ViaMapping && !resolution.IsNew && len(idents) > 0 {
		if err := writeAppendAudit(ctx, tx, personID, personID, source, rec.ExternalID, idents); err != nil {
			return res, err
		}
		res.conflicts++
	}

	for _, addr := range rec.Addresses {
		if err := identity.UpsertAddress(ctx, tx, personID, addr); err != nil {
			return res, err
		}
	}
	for _, u := range rec.Urls {
		if err := identity.UpsertURL(ctx, tx, personID, u); err != nil {
			return res, err
		}
	}

	return res, nil
}

func writeConflictAudit(ctx context.Context, tx *sql.Tx, ident identity.Identifier, ownerID, claimantID, source string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conflict_audit (id, kind, value_canonical, owner_person_id, claimant_person_id, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.Must(uuid.NewV7()).String(), ident.Kind, ident.ValueCanonical, ownerID, claimantID, source, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write conflict audit: %w", err)
	}
	return nil
}

func writeAppendAudit(ctx context.Context, tx *sql.Tx, targetID, incomingID, source, externalID string, idents []identity.Identifier) error {
	payload, err := json.Marshal(idents)
	if err != nil {
		return fmt.Errorf("marshal appended identifiers: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO append_audit (id, target_person_id, incoming_person_id, source, external_id, identifiers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.Must(uuid.NewV7()).String(), targetID, incomingID, source, externalID, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write append audit: %w", err)
	}
	return nil
}
