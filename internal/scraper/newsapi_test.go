package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailwatch/internal/config"
	"retailwatch/pkg/models"
)

func newsSource(url string) config.SourceConfig {
	return config.SourceConfig{
		ID:      "newsapi",
		Kind:    models.KindNewsAPI,
		Name:    "NewsAPI.org",
		APIURL:  url,
		Queries: []string{"retail theft", "store robbery"},
	}
}

func TestNewsAPISource_MissingKey(t *testing.T) {
	src := NewNewsAPISource(newsSource("http://unused"), testFetchConfig(), nil)
	_, _, err := src.Fetch(context.Background(), testWindow())

	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.False(t, ferr.Transient, "missing credentials are not retryable")
	assert.Contains(t, err.Error(), "key")
}

func TestNewsAPISource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/everything", r.URL.Path)
		assert.Equal(t, "2025-07-01", r.URL.Query().Get("from"))
		assert.NotEmpty(t, r.URL.Query().Get("apiKey"))

		// the same article comes back for both queries
		fmt.Fprint(w, `{"status":"ok","articles":[
			{"title":"Retail theft ring busted","description":"five arrested","url":"https://example.com/a","publishedAt":"2025-07-07T10:00:00Z"},
			{"title":"Stock market update","description":"indexes rose","url":"https://example.com/b","publishedAt":"2025-07-07T11:00:00Z"}
		]}`)
	}))
	defer srv.Close()

	fc := testFetchConfig()
	fc.NewsAPIKey = "test-key"
	src := NewNewsAPISource(newsSource(srv.URL), fc, []string{"retail theft"})

	records, skipped, err := src.Fetch(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Zero(t, skipped)

	// one relevant article, deduplicated across the two queries
	require.Len(t, records, 1)
	assert.Equal(t, "Retail theft ring busted", records[0].Fields["title"])
	assert.Equal(t, "2025-07-07", records[0].Fields["published"])
}

func TestNewsAPISource_QueryFailureIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "retail theft" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"status":"ok","articles":[
			{"title":"Store robbery suspects arrested","description":"","url":"https://example.com/c","publishedAt":"2025-07-06T08:00:00Z"}
		]}`)
	}))
	defer srv.Close()

	fc := testFetchConfig()
	fc.NewsAPIKey = "test-key"
	src := NewNewsAPISource(newsSource(srv.URL), fc, []string{"robbery"})

	records, _, err := src.Fetch(context.Background(), testWindow())
	require.Error(t, err, "the failed query surfaces so the run reads partial")
	require.Len(t, records, 1, "results from the healthy query survive")
	assert.Equal(t, "Store robbery suspects arrested", records[0].Fields["title"])
}

func TestNewsAPISource_AllQueriesFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	fc := testFetchConfig()
	fc.NewsAPIKey = "bad-key"
	src := NewNewsAPISource(newsSource(srv.URL), fc, []string{"robbery"})

	_, _, err := src.Fetch(context.Background(), testWindow())
	require.Error(t, err)
}
