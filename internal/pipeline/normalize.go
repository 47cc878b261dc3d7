package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"retailwatch/internal/config"
	"retailwatch/pkg/models"
)

// NormalizationError rejects a single raw record that lacks a mandatory
// canonical field. Rejections are counted per run but never fail it.
type NormalizationError struct {
	SourceID string
	Field    string
	Reason   string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("%s: normalize: field %q: %s", e.SourceID, e.Field, e.Reason)
}

// defaultFeedFieldMap is how feed-style scrapers lay out their records;
// rss/news_api sources may override it in config but rarely need to.
var defaultFeedFieldMap = map[string]string{
	"id":          "id",
	"date":        "published",
	"title":       "title",
	"description": "summary",
	"url":         "link",
}

// Normalize maps one raw record onto the canonical incident schema using
// the source's field map. Optional fields stay empty when the source does
// not carry them; they are never invented. Classification fields (type,
// severity, retailers) are filled by the classifier afterwards.
func Normalize(raw models.RawRecord, src config.SourceConfig) (models.Incident, error) {
	fm := src.FieldMap
	if len(fm) == 0 {
		fm = defaultFeedFieldMap
	}

	get := func(field string) string {
		path := fm[field]
		if path == "" {
			return ""
		}
		return stringValue(nestedValue(raw.Fields, path))
	}

	dateRaw := nestedValue(raw.Fields, fm["date"])
	date, ok := parseDate(dateRaw)
	if !ok {
		return models.Incident{}, &NormalizationError{SourceID: src.ID, Field: "date", Reason: "missing or unparsable"}
	}
	// day granularity, so a same-day timestamp ahead of the fetch clock
	// does not count as "future"
	if date.Format("2006-01-02") > raw.FetchedAt.UTC().Format("2006-01-02") {
		return models.Incident{}, &NormalizationError{SourceID: src.ID, Field: "date", Reason: "in the future"}
	}

	rawType := get("type")
	title := get("title")
	description := get("description")
	if rawType == "" && description == "" && title == "" {
		return models.Incident{}, &NormalizationError{SourceID: src.ID, Field: "type", Reason: "nothing classifiable"}
	}

	dateStr := date.Format("2006-01-02")
	id := get("id")
	if id == "" {
		id = SynthesizeID(src.ID, title+" "+description, dateStr)
	}

	inc := models.Incident{
		ID:          src.ID + "_" + id,
		SourceID:    src.ID,
		SourceKind:  src.Kind,
		RawCategory: rawType,
		Date:        dateStr,
		Title:       title,
		Description: description,
		Address:     get("address"),
		URL:         get("url"),
		SourceRefs:  []string{src.ID},
		CreatedAt:   raw.FetchedAt,
	}

	// City-API sources are location-scoped; the record inherits the
	// source's static context. News sources get best-effort location from
	// text extraction during classification instead.
	if src.Kind == models.KindCityAPI {
		inc.Country = src.Country
		inc.CountryCode = src.CountryCode
		inc.StateProvince = src.State
		inc.City = src.City
	}

	if lat, ok := floatValue(nestedValue(raw.Fields, fm["latitude"])); ok {
		if lon, ok := floatValue(nestedValue(raw.Fields, fm["longitude"])); ok {
			inc.Latitude, inc.Longitude = &lat, &lon
		}
	}

	return inc, nil
}

// nestedValue walks a dot-notation path into the record.
func nestedValue(fields map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var cur any = fields
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func floatValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var dateLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"1/2/2006 15:04:05",
	"1/2/2006",
	"2006/01/02",
}

// parseDate accepts the formats seen across city endpoints, including
// epoch timestamps (ArcGIS reports milliseconds).
func parseDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case float64:
		if t <= 0 {
			return time.Time{}, false
		}
		sec := int64(t)
		if t > 1e11 {
			sec = int64(t / 1000)
		}
		return time.Unix(sec, 0).UTC(), true
	case string:
		s := strings.TrimSpace(t)
		s = strings.TrimSuffix(s, "Z")
		s = strings.TrimSuffix(s, "+00:00")
		if s == "" {
			return time.Time{}, false
		}
		if len(s) > 26 {
			s = s[:26]
		}
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
