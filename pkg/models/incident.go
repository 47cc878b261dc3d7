package models

import "time"

// Incident is the normalized, internal form of a retail-security incident
// used by the pipeline and database layer.
//
// All external sources are mapped into this structure first,
// then we write to the DB from this representation.
type Incident struct {
	ID            string   `json:"id"`                       // source-local identifier, or synthesized
	SourceID      string   `json:"source_id"`                // registry key, e.g. "chicago", "lp_magazine"
	SourceKind    string   `json:"source_kind"`              // "city_api", "rss" or "news_api"
	Type          string   `json:"incident_type"`            // one of the Type* constants
	Severity      int      `json:"severity"`                 // 1..5
	Date          string   `json:"incident_date"`            // calendar day, YYYY-MM-DD
	Title         string   `json:"title,omitempty"`          // headline (news sources)
	Description   string   `json:"description,omitempty"`    // free text
	Country       string   `json:"country,omitempty"`
	CountryCode   string   `json:"country_code,omitempty"`
	StateProvince string   `json:"state_province,omitempty"`
	City          string   `json:"city,omitempty"`
	Address       string   `json:"address,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	Retailers     []string `json:"retailer_mentions,omitempty"` // sorted set of retailer names
	SourceRefs    []string `json:"source_refs,omitempty"`       // all source_ids that contributed after merge
	URL           string   `json:"url,omitempty"`               // article link (news sources)
	DedupKey      string   `json:"dedup_key"`
	CreatedAt     time.Time `json:"created_at"`

	// RawCategory is the source's structured crime category before
	// classification. Handed from normalizer to classifier, not persisted.
	RawCategory string `json:"-"`
}

// Canonical incident types. Unmapped raw categories fold to TypeOther.
const (
	TypeTheft     = "theft"
	TypeRobbery   = "robbery"
	TypeBurglary  = "burglary"
	TypeAssault   = "assault"
	TypeORC       = "orc" // organized retail crime
	TypeSmashGrab = "smash_grab"
	TypeFraud     = "fraud"
	TypeVandalism = "vandalism"
	TypeWeapons   = "weapons"
	TypeDrugs     = "drugs"
	TypeOther     = "other"
)

// Source kinds.
const (
	KindCityAPI = "city_api"
	KindRSS     = "rss"
	KindNewsAPI = "news_api"
)

// RawRecord is one opaque row or feed item as produced by a scraper.
// It only lives for the duration of a single run.
type RawRecord struct {
	SourceID  string
	FetchedAt time.Time
	Fields    map[string]any
}

// Window is the date range a run covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// LastDays returns a window covering the past n days up to now.
func LastDays(n int) Window {
	end := time.Now().UTC()
	return Window{Start: end.AddDate(0, 0, -n), End: end}
}

// Contains reports whether t falls inside the window (date granularity,
// the window end is inclusive).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}
