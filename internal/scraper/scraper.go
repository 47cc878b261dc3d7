package scraper

import (
	"context"
	"fmt"

	"retailwatch/internal/config"
	"retailwatch/pkg/models"
)

// Source is implemented by each external data source (city open-data API,
// RSS feed, news-search API). Each source fetches its own wire format and
// hands back opaque raw records; mapping into the canonical schema is the
// normalizer's job.
//
// Fetch returns the records in upstream order, plus the count of single
// malformed records that were skipped without aborting the fetch.
type Source interface {
	Name() string
	Kind() string
	Fetch(ctx context.Context, w models.Window) (records []models.RawRecord, skipped int, err error)
}

// FromConfig builds the scraper matching a source's configured kind.
func FromConfig(sc config.SourceConfig, fc config.FetchConfig, relevance []string) (Source, error) {
	switch sc.Kind {
	case models.KindCityAPI:
		return NewCityAPISource(sc, fc), nil
	case models.KindRSS:
		return NewFeedSource(sc, fc, relevance), nil
	case models.KindNewsAPI:
		return NewNewsAPISource(sc, fc, relevance), nil
	default:
		return nil, fmt.Errorf("scraper: unknown source kind %q", sc.Kind)
	}
}
