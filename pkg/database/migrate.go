package database

import (
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	dedup_key       TEXT PRIMARY KEY,
	incident_id     TEXT NOT NULL,
	source_id       TEXT NOT NULL,
	source_kind     TEXT NOT NULL,
	incident_type   TEXT NOT NULL,
	severity        INTEGER NOT NULL DEFAULT 1,
	incident_date   TEXT NOT NULL,
	title           TEXT,
	description     TEXT,
	country         TEXT,
	country_code    TEXT,
	state_province  TEXT,
	city            TEXT,
	address         TEXT,
	latitude        REAL,
	longitude       REAL,
	retailers       TEXT, -- JSON array as text
	source_refs     TEXT, -- JSON array as text
	url             TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_incidents_date ON incidents(incident_date);
CREATE INDEX IF NOT EXISTS idx_incidents_type ON incidents(incident_type);
CREATE INDEX IF NOT EXISTS idx_incidents_location ON incidents(country, state_province, city);
CREATE INDEX IF NOT EXISTS idx_incidents_source ON incidents(source_id);

CREATE TABLE IF NOT EXISTS scrape_runs (
	id                TEXT PRIMARY KEY,
	source_id         TEXT NOT NULL,
	started_at        TEXT NOT NULL,
	finished_at       TEXT NOT NULL,
	status            TEXT NOT NULL,
	records_fetched   INTEGER NOT NULL DEFAULT 0,
	records_rejected  INTEGER NOT NULL DEFAULT 0,
	records_persisted INTEGER NOT NULL DEFAULT 0,
	error_detail      TEXT
);

CREATE INDEX IF NOT EXISTS idx_scrape_runs_source ON scrape_runs(source_id, started_at);
`

func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
