package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"flag"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"retailwatch/pkg/database"
)

func main() {
	var (
		incidentsOut = flag.String("incidents", "data/incidents.csv", "output CSV path for incidents")
		runsOut      = flag.String("runs", "data/scrape_runs.csv", "output CSV path for scrape runs")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db := database.MustOpen(database.DefaultConfig())
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	if err := exportIncidents(ctx, db, *incidentsOut); err != nil {
		log.Fatalf("export incidents failed: %v", err)
	}
	if err := exportRuns(ctx, db, *runsOut); err != nil {
		log.Fatalf("export scrape runs failed: %v", err)
	}

	log.Printf("exported incidents to %s and scrape runs to %s", *incidentsOut, *runsOut)
}

func exportIncidents(ctx context.Context, db *sql.DB, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"dedup_key", "incident_id", "source_id", "source_kind", "incident_type",
		"severity", "incident_date", "title", "description",
		"country", "state_province", "city", "address",
		"latitude", "longitude", "retailers", "source_refs", "url",
	}); err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, `
        SELECT dedup_key, incident_id, source_id, source_kind, incident_type,
               severity, incident_date, title, description,
               country, state_province, city, address,
               latitude, longitude, retailers, source_refs, url
        FROM incidents
        ORDER BY incident_date DESC, dedup_key
    `)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			dedupKey, incidentID, sourceID, sourceKind, incidentType string
			severity                                                 int
			incidentDate                                             string
			title, description                                       sql.NullString
			country, state, city, address                            sql.NullString
			lat, lon                                                 sql.NullFloat64
			retailers, refs, url                                     sql.NullString
		)
		if err := rows.Scan(&dedupKey, &incidentID, &sourceID, &sourceKind, &incidentType,
			&severity, &incidentDate, &title, &description,
			&country, &state, &city, &address,
			&lat, &lon, &retailers, &refs, &url); err != nil {
			return err
		}

		latStr, lonStr := "", ""
		if lat.Valid {
			latStr = strconv.FormatFloat(lat.Float64, 'f', -1, 64)
		}
		if lon.Valid {
			lonStr = strconv.FormatFloat(lon.Float64, 'f', -1, 64)
		}

		if err := w.Write([]string{
			dedupKey, incidentID, sourceID, sourceKind, incidentType,
			strconv.Itoa(severity), incidentDate, title.String, description.String,
			country.String, state.String, city.String, address.String,
			latStr, lonStr, retailers.String, refs.String, url.String,
		}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	w.Flush()
	return w.Error()
}

func exportRuns(ctx context.Context, db *sql.DB, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"id", "source_id", "started_at", "finished_at", "status",
		"records_fetched", "records_rejected", "records_persisted", "error_detail",
	}); err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, `
        SELECT id, source_id, started_at, finished_at, status,
               records_fetched, records_rejected, records_persisted, error_detail
        FROM scrape_runs
        ORDER BY started_at DESC
    `)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, sourceID, startedAt, finishedAt, status string
			fetched, rejected, persisted                int
			detail                                      sql.NullString
		)
		if err := rows.Scan(&id, &sourceID, &startedAt, &finishedAt, &status,
			&fetched, &rejected, &persisted, &detail); err != nil {
			return err
		}

		if err := w.Write([]string{
			id, sourceID, startedAt, finishedAt, status,
			strconv.Itoa(fetched), strconv.Itoa(rejected), strconv.Itoa(persisted), detail.String,
		}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	w.Flush()
	return w.Error()
}
