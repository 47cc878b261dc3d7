package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailwatch/internal/config"
	"retailwatch/pkg/models"
)

func testFetchConfig() config.FetchConfig {
	return config.FetchConfig{
		Concurrency: 2,
		MaxRetries:  3,
		Backoff:     time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Timeout:     5 * time.Second,
		PageLimit:   1000,
		MaxRecords:  5000,
		UserAgent:   "retailwatch-test/1.0",
	}
}

func socrataSource(url string) config.SourceConfig {
	return config.SourceConfig{
		ID:      "chicago",
		Kind:    models.KindCityAPI,
		Name:    "Chicago Police Department",
		Country: "United States",
		City:    "Chicago",
		APIURL:  url,
		Params: map[string]string{
			"$limit": "2",
			"$where": "date >= '{start_date}'",
		},
		FieldMap: map[string]string{"id": "id", "date": "date", "type": "primary_type"},
	}
}

func testWindow() models.Window {
	return models.Window{
		Start: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 7, 8, 0, 0, 0, 0, time.UTC),
	}
}

func TestCityAPISource_Pagination(t *testing.T) {
	var gotWhere atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWhere.Store(r.URL.Query().Get("$where"))
		switch r.URL.Query().Get("$offset") {
		case "":
			fmt.Fprint(w, `[{"id":"1"},{"id":"2"}]`)
		case "2":
			fmt.Fprint(w, `[{"id":"3"}]`)
		default:
			fmt.Fprint(w, `[]`)
		}
	}))
	defer srv.Close()

	src := NewCityAPISource(socrataSource(srv.URL), testFetchConfig())
	records, skipped, err := src.Fetch(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, records, 3)

	assert.Equal(t, "1", records[0].Fields["id"])
	assert.Equal(t, "3", records[2].Fields["id"])
	assert.Equal(t, "chicago", records[0].SourceID)

	// {start_date} substituted with the window start
	assert.Equal(t, "date >= '2025-07-01'", gotWhere.Load())
}

func TestCityAPISource_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `[{"id":"1"}]`)
	}))
	defer srv.Close()

	src := NewCityAPISource(socrataSource(srv.URL), testFetchConfig())
	records, _, err := src.Fetch(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCityAPISource_PermanentFailureNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewCityAPISource(socrataSource(srv.URL), testFetchConfig())
	_, _, err := src.Fetch(context.Background(), testWindow())

	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.False(t, ferr.Transient)
	assert.Equal(t, http.StatusNotFound, ferr.StatusCode)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestCityAPISource_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewCityAPISource(socrataSource(srv.URL), testFetchConfig())
	_, _, err := src.Fetch(context.Background(), testWindow())

	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.True(t, ferr.Transient)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCityAPISource_PartialOnMidPaginationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$offset") == "" {
			fmt.Fprint(w, `[{"id":"1"},{"id":"2"}]`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	src := NewCityAPISource(socrataSource(srv.URL), testFetchConfig())
	records, _, err := src.Fetch(context.Background(), testWindow())

	require.Error(t, err)
	assert.Len(t, records, 2, "first page survives the second page's failure")
}

func TestCityAPISource_MalformedRowsSkipped(t *testing.T) {
	// first page is full ($limit=2) even though one row is garbage, so
	// pagination must continue to the second page
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("$offset") {
		case "":
			fmt.Fprint(w, `[{"id":"1"},"garbage"]`)
		case "2":
			fmt.Fprint(w, `[{"id":"3"}]`)
		default:
			fmt.Fprint(w, `[]`)
		}
	}))
	defer srv.Close()

	src := NewCityAPISource(socrataSource(srv.URL), testFetchConfig())
	records, skipped, err := src.Fetch(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0].Fields["id"])
	assert.Equal(t, "3", records[1].Fields["id"])
	assert.Equal(t, 1, skipped)
}

func TestCityAPISource_ResponsePathAndAttributes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"features": []any{
				map[string]any{"attributes": map[string]any{"Report_Number": "A-1"}},
				map[string]any{"attributes": map[string]any{"Report_Number": "A-2"}},
			},
		})
	}))
	defer srv.Close()

	sc := config.SourceConfig{
		ID:            "atlanta",
		Kind:          models.KindCityAPI,
		APIURL:        srv.URL,
		Params:        map[string]string{"f": "json"},
		ResponsePath:  "features",
		AttributesKey: "attributes",
		FieldMap:      map[string]string{"id": "Report_Number", "date": "Report_Date", "type": "UC2_Literal"},
	}
	src := NewCityAPISource(sc, testFetchConfig())
	records, skipped, err := src.Fetch(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, records, 2)
	assert.Equal(t, "A-1", records[0].Fields["Report_Number"])
}

func TestCityAPISource_SchemaMismatchAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rows":"not an array"}`)
	}))
	defer srv.Close()

	sc := socrataSource(srv.URL)
	sc.ResponsePath = "rows"
	src := NewCityAPISource(sc, testFetchConfig())
	_, _, err := src.Fetch(context.Background(), testWindow())

	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.False(t, ferr.Transient)
}

func TestCityAPISource_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := NewCityAPISource(socrataSource(srv.URL), testFetchConfig())
	_, _, err := src.Fetch(ctx, testWindow())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
