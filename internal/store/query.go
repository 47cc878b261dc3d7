package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"retailwatch/pkg/models"
)

// ListQuery filters the incident listing endpoint.
type ListQuery struct {
	Country     string
	State       string
	City        string
	Type        string
	StartDate   string // YYYY-MM-DD
	EndDate     string
	MinSeverity int
	Limit       int
	Offset      int
}

const incidentColumns = `
	dedup_key, incident_id, source_id, source_kind, incident_type,
	severity, incident_date, title, description,
	country, country_code, state_province, city, address,
	latitude, longitude, retailers, source_refs, url, created_at
`

func (s *Store) Count(ctx context.Context, q ListQuery) (int, error) {
	sqlStr, args := buildListSQL(q, true)
	var total int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count scan: %w", err)
	}
	return total, nil
}

func (s *Store) List(ctx context.Context, q ListQuery) ([]models.Incident, error) {
	sqlStr, args := buildListSQL(q, false)

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list query: %w", err)
	}
	defer rows.Close()

	out := make([]models.Incident, 0, q.Limit)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}

func (s *Store) GetByKey(ctx context.Context, dedupKey string) (*models.Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE dedup_key = ?`, dedupKey)
	if err != nil {
		return nil, fmt.Errorf("get query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	inc, err := scanIncident(rows)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func scanIncident(rows *sql.Rows) (models.Incident, error) {
	var (
		inc                                 models.Incident
		title, description                  sql.NullString
		country, countryCode, state, city   sql.NullString
		address, url                        sql.NullString
		lat, lon                            sql.NullFloat64
		retailersJSON, refsJSON             sql.NullString
		createdAt                           string
	)
	if err := rows.Scan(
		&inc.DedupKey, &inc.ID, &inc.SourceID, &inc.SourceKind, &inc.Type,
		&inc.Severity, &inc.Date, &title, &description,
		&country, &countryCode, &state, &city, &address,
		&lat, &lon, &retailersJSON, &refsJSON, &url, &createdAt,
	); err != nil {
		return models.Incident{}, fmt.Errorf("scan incident: %w", err)
	}

	inc.Title = title.String
	inc.Description = description.String
	inc.Country = country.String
	inc.CountryCode = countryCode.String
	inc.StateProvince = state.String
	inc.City = city.String
	inc.Address = address.String
	inc.URL = url.String
	if lat.Valid && lon.Valid {
		la, lo := lat.Float64, lon.Float64
		inc.Latitude, inc.Longitude = &la, &lo
	}
	inc.Retailers = unmarshalSet(retailersJSON.String)
	inc.SourceRefs = unmarshalSet(refsJSON.String)
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		inc.CreatedAt = ts
	}
	return inc, nil
}

func buildListSQL(q ListQuery, countOnly bool) (string, []any) {
	baseSelect := `SELECT ` + incidentColumns + ` FROM incidents`
	if countOnly {
		baseSelect = `SELECT COUNT(*) FROM incidents`
	}

	var where []string
	var args []any

	add := func(cond, val string) {
		if strings.TrimSpace(val) != "" {
			where = append(where, cond)
			args = append(args, val)
		}
	}
	add("country = ?", q.Country)
	add("state_province = ?", q.State)
	add("city = ?", q.City)
	add("incident_type = ?", q.Type)
	add("incident_date >= ?", q.StartDate)
	add("incident_date <= ?", q.EndDate)
	if q.MinSeverity > 0 {
		where = append(where, "severity >= ?")
		args = append(args, q.MinSeverity)
	}

	sqlStr := baseSelect
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}

	if !countOnly {
		sqlStr += " ORDER BY incident_date DESC, dedup_key ASC LIMIT ? OFFSET ?"
		limit := q.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		offset := q.Offset
		if offset < 0 {
			offset = 0
		}
		args = append(args, limit, offset)
	}

	return sqlStr, args
}

// Stats is the dashboard overview rollup.
type Stats struct {
	TotalIncidents int            `json:"total_incidents"`
	BySource       map[string]int `json:"by_source"`
	ByType         map[string]int `json:"by_type"`
	Last7Days      int            `json:"last_7_days"`
	Last30Days     int            `json:"last_30_days"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{BySource: map[string]int{}, ByType: map[string]int{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents`).Scan(&st.TotalIncidents); err != nil {
		return nil, fmt.Errorf("stats total: %w", err)
	}

	if err := s.countBy(ctx, "source_kind", st.BySource); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "incident_type", st.ByType); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM incidents WHERE incident_date >= date('now', '-7 days')`).Scan(&st.Last7Days); err != nil {
		return nil, fmt.Errorf("stats 7d: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM incidents WHERE incident_date >= date('now', '-30 days')`).Scan(&st.Last30Days); err != nil {
		return nil, fmt.Errorf("stats 30d: %w", err)
	}
	return st, nil
}

func (s *Store) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM incidents GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("stats by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("stats scan: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

// TrendPoint is one period/type bucket for the trend charts.
type TrendPoint struct {
	Period      string  `json:"period"`
	Type        string  `json:"incident_type"`
	Count       int     `json:"count"`
	AvgSeverity float64 `json:"avg_severity"`
}

func (s *Store) Trends(ctx context.Context, days int, group string) ([]TrendPoint, error) {
	format := map[string]string{"day": "%Y-%m-%d", "week": "%Y-%W", "month": "%Y-%m"}[group]
	if format == "" {
		format = "%Y-%m-%d"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime(?, incident_date) AS period, incident_type, COUNT(*), AVG(severity)
		FROM incidents
		WHERE incident_date >= date('now', ?)
		GROUP BY period, incident_type
		ORDER BY period`,
		format, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, fmt.Errorf("trends query: %w", err)
	}
	defer rows.Close()

	var out []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Period, &p.Type, &p.Count, &p.AvgSeverity); err != nil {
			return nil, fmt.Errorf("trends scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LocationSummary aggregates incidents per city for the map view.
type LocationSummary struct {
	Country       string  `json:"country"`
	StateProvince string  `json:"state_province"`
	City          string  `json:"city"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	IncidentCount int     `json:"incident_count"`
	AvgSeverity   float64 `json:"avg_severity"`
}

func (s *Store) Locations(ctx context.Context) ([]LocationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT country, state_province, city,
		       AVG(latitude), AVG(longitude), COUNT(*), AVG(severity)
		FROM incidents
		WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		GROUP BY country, state_province, city
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("locations query: %w", err)
	}
	defer rows.Close()

	var out []LocationSummary
	for rows.Next() {
		var l LocationSummary
		var country, state, city sql.NullString
		if err := rows.Scan(&country, &state, &city, &l.Latitude, &l.Longitude, &l.IncidentCount, &l.AvgSeverity); err != nil {
			return nil, fmt.Errorf("locations scan: %w", err)
		}
		l.Country = country.String
		l.StateProvince = state.String
		l.City = city.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) Types(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT incident_type FROM incidents ORDER BY incident_type`)
	if err != nil {
		return nil, fmt.Errorf("types query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("types scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LatestRuns returns the most recent ScrapeRun per source, which is what
// the status endpoint reports verbatim.
func (s *Store) LatestRuns(ctx context.Context) ([]models.ScrapeRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, started_at, finished_at, status,
		       records_fetched, records_rejected, records_persisted, error_detail
		FROM scrape_runs
		WHERE started_at = (
			SELECT MAX(started_at) FROM scrape_runs AS inner_runs
			WHERE inner_runs.source_id = scrape_runs.source_id
		)
		ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("runs query: %w", err)
	}
	defer rows.Close()

	var out []models.ScrapeRun
	for rows.Next() {
		var (
			r                    models.ScrapeRun
			started, finished    string
			detail               sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.SourceID, &started, &finished, &r.Status,
			&r.RecordsFetched, &r.RecordsRejected, &r.RecordsPersisted, &detail); err != nil {
			return nil, fmt.Errorf("runs scan: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		r.ErrorDetail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}
