package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"retailwatch/internal/config"
	"retailwatch/internal/pipeline"
	"retailwatch/pkg/models"
)

// maxQueriesPerRun bounds how many search queries one run issues against
// the news API, which rate-limits free keys aggressively.
const maxQueriesPerRun = 5

// NewsAPISource queries a news-search API (newsapi.org shape) for each
// configured search query and merges the results into one record stream.
type NewsAPISource struct {
	cfg       config.SourceConfig
	fetch     config.FetchConfig
	relevance []string
	client    *http.Client
}

func NewNewsAPISource(sc config.SourceConfig, fc config.FetchConfig, relevance []string) *NewsAPISource {
	return &NewsAPISource{cfg: sc, fetch: fc, relevance: lowerAll(relevance), client: newHTTPClient(fc.Timeout)}
}

func (s *NewsAPISource) Name() string { return s.cfg.ID }
func (s *NewsAPISource) Kind() string { return models.KindNewsAPI }

type newsAPIResponse struct {
	Status   string `json:"status"`
	Articles []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
	} `json:"articles"`
}

func (s *NewsAPISource) Fetch(ctx context.Context, w models.Window) ([]models.RawRecord, int, error) {
	if s.fetch.NewsAPIKey == "" {
		return nil, 0, &FetchError{Source: s.cfg.ID, Err: fmt.Errorf("news api key not configured")}
	}

	queries := s.cfg.Queries
	if len(queries) > maxQueriesPerRun {
		queries = queries[:maxQueriesPerRun]
	}

	pageSize := s.fetch.PageLimit
	if pageSize > 100 {
		pageSize = 100 // newsapi hard limit
	}

	seen := make(map[string]bool)
	var out []models.RawRecord
	var lastErr error

	for _, query := range queries {
		u, err := url.Parse(strings.TrimRight(s.cfg.APIURL, "/") + "/everything")
		if err != nil {
			return nil, 0, &FetchError{Source: s.cfg.ID, Err: fmt.Errorf("bad api_url: %w", err)}
		}
		q := u.Query()
		q.Set("q", query)
		q.Set("from", w.Start.Format("2006-01-02"))
		q.Set("language", "en")
		q.Set("pageSize", strconv.Itoa(pageSize))
		q.Set("sortBy", "publishedAt")
		q.Set("apiKey", s.fetch.NewsAPIKey)
		u.RawQuery = q.Encode()

		body, err := getWithRetry(ctx, s.client, s.cfg.ID, u.String(), s.fetch.UserAgent,
			s.fetch.MaxRetries, s.fetch.Backoff, s.fetch.MaxBackoff)
		if err != nil {
			// one failing query should not discard the others' results
			log.Printf("[scraper] %s: query %q: %v", s.cfg.ID, query, err)
			lastErr = err
			continue
		}

		var resp newsAPIResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			lastErr = &FetchError{Source: s.cfg.ID, Err: fmt.Errorf("decode response: %w", err)}
			continue
		}

		fetchedAt := time.Now().UTC()
		for _, a := range resp.Articles {
			title := strings.TrimSpace(a.Title)
			summary := strings.TrimSpace(a.Description)
			if title == "" {
				continue
			}
			if !matchesAny(strings.ToLower(title+" "+summary), s.relevance) {
				continue
			}

			published := ""
			if len(a.PublishedAt) >= 10 {
				published = a.PublishedAt[:10]
			}
			id := pipeline.SynthesizeID(s.cfg.ID, title, published)
			if seen[id] {
				continue
			}
			seen[id] = true

			out = append(out, models.RawRecord{
				SourceID:  s.cfg.ID,
				FetchedAt: fetchedAt,
				Fields: map[string]any{
					"id":        id,
					"title":     title,
					"summary":   summary,
					"link":      a.URL,
					"published": published,
				},
			})
		}
	}

	// a surviving error rides along with the collected records so the
	// run can report the source as partial rather than clean
	return out, 0, lastErr
}
