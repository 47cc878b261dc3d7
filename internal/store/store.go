package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"retailwatch/pkg/models"
)

// Store is the persistence layer for incidents and scrape runs, keyed by
// dedup_key so repeated ingestion of overlapping windows upserts instead
// of duplicating.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert writes the batch inside one transaction; a crash mid-write
// leaves nothing applied. Returns how many rows were newly inserted vs
// merged into existing ones.
//
// Merge semantics on conflict match the deduplicator's: a structured
// city-API row keeps its canonical fields against a news-derived update,
// but retailer mentions and source refs are always unioned.
func (s *Store) Upsert(ctx context.Context, incidents []models.Incident) (inserted, updated int, err error) {
	if len(incidents) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	for _, inc := range incidents {
		var (
			existingKind string
			existingRet  sql.NullString
			existingRefs sql.NullString
		)
		row := tx.QueryRowContext(ctx,
			`SELECT source_kind, retailers, source_refs FROM incidents WHERE dedup_key = ?`, inc.DedupKey)
		switch err := row.Scan(&existingKind, &existingRet, &existingRefs); err {
		case sql.ErrNoRows:
			if err := insertIncident(ctx, tx, inc, now); err != nil {
				return 0, 0, err
			}
			inserted++
		case nil:
			retailers := unionJSON(existingRet.String, inc.Retailers)
			refs := unionJSON(existingRefs.String, inc.SourceRefs)
			if existingKind == models.KindCityAPI && inc.SourceKind != models.KindCityAPI {
				// keep the higher-fidelity canonical fields, refresh metadata only
				if _, err := tx.ExecContext(ctx,
					`UPDATE incidents SET retailers = ?, source_refs = ?, updated_at = ? WHERE dedup_key = ?`,
					retailers, refs, now, inc.DedupKey); err != nil {
					return 0, 0, fmt.Errorf("refresh %s: %w", inc.DedupKey, err)
				}
			} else {
				if _, err := tx.ExecContext(ctx, `
					UPDATE incidents SET
						incident_id = ?, source_id = ?, source_kind = ?, incident_type = ?,
						severity = ?, incident_date = ?, title = ?, description = ?,
						country = ?, country_code = ?, state_province = ?, city = ?, address = ?,
						latitude = ?, longitude = ?, retailers = ?, source_refs = ?, url = ?,
						updated_at = ?
					WHERE dedup_key = ?`,
					inc.ID, inc.SourceID, inc.SourceKind, inc.Type,
					inc.Severity, inc.Date, inc.Title, inc.Description,
					inc.Country, inc.CountryCode, inc.StateProvince, inc.City, inc.Address,
					nullFloat(inc.Latitude), nullFloat(inc.Longitude), retailers, refs, inc.URL,
					now, inc.DedupKey); err != nil {
					return 0, 0, fmt.Errorf("update %s: %w", inc.DedupKey, err)
				}
			}
			updated++
		default:
			return 0, 0, fmt.Errorf("lookup %s: %w", inc.DedupKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, updated, nil
}

func insertIncident(ctx context.Context, tx *sql.Tx, inc models.Incident, now string) error {
	createdAt := inc.CreatedAt.UTC().Format(time.RFC3339)
	if inc.CreatedAt.IsZero() {
		createdAt = now
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO incidents (
			dedup_key, incident_id, source_id, source_kind, incident_type,
			severity, incident_date, title, description,
			country, country_code, state_province, city, address,
			latitude, longitude, retailers, source_refs, url,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.DedupKey, inc.ID, inc.SourceID, inc.SourceKind, inc.Type,
		inc.Severity, inc.Date, inc.Title, inc.Description,
		inc.Country, inc.CountryCode, inc.StateProvince, inc.City, inc.Address,
		nullFloat(inc.Latitude), nullFloat(inc.Longitude), marshalSet(inc.Retailers), marshalSet(inc.SourceRefs), inc.URL,
		createdAt, now)
	if err != nil {
		return fmt.Errorf("insert %s: %w", inc.DedupKey, err)
	}
	return nil
}

// RecordRun appends one per-source run report. Reports are immutable once
// written.
func (s *Store) RecordRun(ctx context.Context, run models.ScrapeRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_runs (
			id, source_id, started_at, finished_at, status,
			records_fetched, records_rejected, records_persisted, error_detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SourceID,
		run.StartedAt.UTC().Format(time.RFC3339), run.FinishedAt.UTC().Format(time.RFC3339),
		run.Status, run.RecordsFetched, run.RecordsRejected, run.RecordsPersisted, run.ErrorDetail)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.SourceID, err)
	}
	return nil
}

func marshalSet(set []string) string {
	if len(set) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(set)
	return string(b)
}

func unmarshalSet(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func unionJSON(existingJSON string, add []string) string {
	existing := unmarshalSet(existingJSON)
	seen := make(map[string]bool, len(existing)+len(add))
	merged := make([]string, 0, len(existing)+len(add))
	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	for _, s := range add {
		if s != "" && !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	sort.Strings(merged)
	return marshalSet(merged)
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
