package pipeline

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"retailwatch/pkg/models"
)

// Deduper detects the same real-world incident reported by multiple
// sources. The dedup key is a fuzzy composite of incident type, calendar
// day, city, and a description fingerprint; two records sharing the key
// are merged into one survivor.
type Deduper struct {
	fingerprintTokens int
}

func NewDeduper(fingerprintTokens int) *Deduper {
	if fingerprintTokens <= 0 {
		fingerprintTokens = 6
	}
	return &Deduper{fingerprintTokens: fingerprintTokens}
}

// Key computes the incident's dedup key. Persistence upserts on this key,
// so re-ingesting an overlapping window stays idempotent.
func (d *Deduper) Key(inc models.Incident) string {
	parts := []string{
		inc.Type,
		inc.Date,
		strings.ToLower(inc.City),
		d.fingerprint(inc),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", h[:16])
}

// fingerprint folds free text into a fuzzy bucket: the first N normalized
// tokens of the description (or title). Two write-ups of the same event
// usually share their leading words even when the tails differ. Without
// text, proximity-bucketed coordinates stand in; failing that the
// source-local ID keeps the record unique rather than over-merging.
func (d *Deduper) fingerprint(inc models.Incident) string {
	text := inc.Description
	if text == "" {
		text = inc.Title
	}
	if text != "" {
		tokens := strings.Fields(NormalizeText(text))
		if len(tokens) > d.fingerprintTokens {
			tokens = tokens[:d.fingerprintTokens]
		}
		return strings.Join(tokens, " ")
	}
	if inc.Latitude != nil && inc.Longitude != nil {
		// ~1km buckets
		return fmt.Sprintf("%.2f,%.2f", *inc.Latitude, *inc.Longitude)
	}
	return inc.ID
}

// Collapse merges duplicates within one batch. Keys are assigned to every
// incident; the first occurrence of a key becomes the survivor and later
// ones merge into it. Survivors keep their first-seen order.
func (d *Deduper) Collapse(batch []models.Incident) []models.Incident {
	out := make([]models.Incident, 0, len(batch))
	index := make(map[string]int, len(batch))
	for _, inc := range batch {
		inc.DedupKey = d.Key(inc)
		if i, ok := index[inc.DedupKey]; ok {
			out[i] = Merge(out[i], inc)
			continue
		}
		index[inc.DedupKey] = len(out)
		out = append(out, inc)
	}
	return out
}

// Merge resolves two reports of the same incident. A structured city-API
// record beats a news-derived one for canonical fields; retailer mentions
// are unioned and every contributing source is kept in SourceRefs.
func Merge(base, incoming models.Incident) models.Incident {
	winner, loser := base, incoming
	if incoming.SourceKind == models.KindCityAPI && base.SourceKind != models.KindCityAPI {
		winner, loser = incoming, base
	}

	if winner.Title == "" {
		winner.Title = loser.Title
	}
	if winner.Description == "" {
		winner.Description = loser.Description
	}
	if winner.Address == "" {
		winner.Address = loser.Address
	}
	if winner.URL == "" {
		winner.URL = loser.URL
	}
	if winner.City == "" {
		winner.City = loser.City
		winner.StateProvince = loser.StateProvince
		winner.Country = loser.Country
		winner.CountryCode = loser.CountryCode
	}
	if winner.Latitude == nil {
		winner.Latitude, winner.Longitude = loser.Latitude, loser.Longitude
	}

	winner.Retailers = unionSorted(winner.Retailers, loser.Retailers)
	winner.SourceRefs = unionSorted(winner.SourceRefs, loser.SourceRefs)
	winner.DedupKey = base.DedupKey
	if loser.CreatedAt.Before(winner.CreatedAt) {
		winner.CreatedAt = loser.CreatedAt
	}
	return winner
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
