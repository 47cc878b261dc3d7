package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
sources:
  - id: chicago
    kind: city_api
    name: Chicago Police Department
    country: United States
    city: Chicago
    api_url: https://example.com/data.json
    field_map:
      id: id
      date: date
      type: primary_type
  - id: lp_magazine
    kind: rss
    name: LP Magazine
    feed_url: https://example.com/feed
  - id: newsapi
    kind: news_api
    name: NewsAPI
    api_url: https://newsapi.example
    queries: [retail theft]
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Fetch.Concurrency)
	assert.Equal(t, 3, cfg.Fetch.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Fetch.Backoff)
	assert.Equal(t, 8*time.Second, cfg.Fetch.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 1000, cfg.Fetch.PageLimit)
	assert.Equal(t, "retailwatch/1.0", cfg.Fetch.UserAgent)
	assert.Equal(t, 6, cfg.Dedup.FingerprintTokens)
	assert.Equal(t, ":8080", cfg.API.Addr)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
fetch:
  concurrency: 8
  backoff: 250ms
  timeout: 10s
dedup:
  fingerprint_tokens: 4
`))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Fetch.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Fetch.Backoff)
	assert.Equal(t, 10*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 4, cfg.Dedup.FingerprintTokens)
}

func TestLoad_EnvSecrets(t *testing.T) {
	t.Setenv("NEWS_API_KEY", "secret-news")
	t.Setenv("RETAILWATCH_API_TOKEN", "secret-token")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "secret-news", cfg.Fetch.NewsAPIKey)
	assert.Equal(t, "secret-token", cfg.API.Token)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "no sources",
			body:    `sources: []`,
			wantErr: "no sources",
		},
		{
			name: "missing id",
			body: `
sources:
  - kind: rss
    name: Feed
    feed_url: https://example.com/feed
`,
			wantErr: "missing id",
		},
		{
			name: "duplicate id",
			body: `
sources:
  - id: a
    kind: rss
    name: Feed A
    feed_url: https://example.com/a
  - id: a
    kind: rss
    name: Feed A again
    feed_url: https://example.com/a2
`,
			wantErr: "duplicate id",
		},
		{
			name: "city source without field map",
			body: `
sources:
  - id: chicago
    kind: city_api
    name: CPD
    country: United States
    city: Chicago
    api_url: https://example.com/data.json
`,
			wantErr: "field_map",
		},
		{
			name: "city source field map missing date",
			body: `
sources:
  - id: chicago
    kind: city_api
    name: CPD
    country: United States
    city: Chicago
    api_url: https://example.com/data.json
    field_map:
      id: id
      type: primary_type
`,
			wantErr: "date",
		},
		{
			name: "city source without location",
			body: `
sources:
  - id: chicago
    kind: city_api
    name: CPD
    api_url: https://example.com/data.json
    field_map:
      id: id
      date: date
      type: primary_type
`,
			wantErr: "location",
		},
		{
			name: "rss without feed url",
			body: `
sources:
  - id: feed
    kind: rss
    name: Feed
`,
			wantErr: "feed_url",
		},
		{
			name: "news api without queries",
			body: `
sources:
  - id: news
    kind: news_api
    name: News
    api_url: https://example.com
`,
			wantErr: "queries",
		},
		{
			name: "unknown kind",
			body: `
sources:
  - id: x
    kind: carrier_pigeon
    name: X
`,
			wantErr: "unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load("../../config/config.yml")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(cfg.Sources), 10)
	assert.NotEmpty(t, cfg.Classifier.TypeRules)
	assert.NotEmpty(t, cfg.Classifier.Retailers)
	assert.NotEmpty(t, cfg.Classifier.RelevanceKeywords)
	assert.NotEmpty(t, cfg.Classifier.Cities)
}

func TestBySourceIDs(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	t.Run("empty filter selects everything", func(t *testing.T) {
		assert.Len(t, cfg.BySourceIDs(nil), 3)
	})

	t.Run("filter keeps config order", func(t *testing.T) {
		got := cfg.BySourceIDs([]string{"newsapi", "chicago"})
		require.Len(t, got, 2)
		assert.Equal(t, "chicago", got[0].ID)
		assert.Equal(t, "newsapi", got[1].ID)
	})

	t.Run("unknown ids are ignored", func(t *testing.T) {
		assert.Empty(t, cfg.BySourceIDs([]string{"nope"}))
	})
}
