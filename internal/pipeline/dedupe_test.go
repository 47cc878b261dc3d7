package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailwatch/pkg/models"
)

func TestDeduper_Key(t *testing.T) {
	d := NewDeduper(6)

	base := models.Incident{
		Type:        models.TypeTheft,
		Date:        "2025-07-04",
		City:        "Chicago",
		Description: "suspects fled with stolen merchandise from the store downtown",
	}

	t.Run("stable", func(t *testing.T) {
		assert.Equal(t, d.Key(base), d.Key(base))
		assert.Len(t, d.Key(base), 32)
	})

	t.Run("city comparison is case-insensitive", func(t *testing.T) {
		other := base
		other.City = "CHICAGO"
		assert.Equal(t, d.Key(base), d.Key(other))
	})

	t.Run("tail differences beyond the fingerprint do not matter", func(t *testing.T) {
		other := base
		other.Description = "Suspects fled with stolen merchandise from the mall on Tuesday night"
		assert.Equal(t, d.Key(base), d.Key(other))
	})

	t.Run("different day differs", func(t *testing.T) {
		other := base
		other.Date = "2025-07-05"
		assert.NotEqual(t, d.Key(base), d.Key(other))
	})

	t.Run("different type differs", func(t *testing.T) {
		other := base
		other.Type = models.TypeRobbery
		assert.NotEqual(t, d.Key(base), d.Key(other))
	})

	t.Run("coordinates stand in for missing text", func(t *testing.T) {
		lat, lon := 41.87812, -87.62985
		a := models.Incident{Type: models.TypeTheft, Date: "2025-07-04", City: "Chicago", Latitude: &lat, Longitude: &lon}
		lat2, lon2 := 41.87899, -87.62901 // same ~1km bucket
		b := a
		b.Latitude, b.Longitude = &lat2, &lon2
		assert.Equal(t, d.Key(a), d.Key(b))
	})

	t.Run("bare records fall back to the source-local id", func(t *testing.T) {
		a := models.Incident{ID: "chicago_1", Type: models.TypeTheft, Date: "2025-07-04"}
		b := models.Incident{ID: "chicago_2", Type: models.TypeTheft, Date: "2025-07-04"}
		assert.NotEqual(t, d.Key(a), d.Key(b))
	})
}

func TestDeduper_Collapse(t *testing.T) {
	d := NewDeduper(6)

	news := models.Incident{
		ID:          "lp_magazine_1",
		SourceID:    "lp_magazine",
		SourceKind:  models.KindRSS,
		Type:        models.TypeRobbery,
		Date:        "2025-07-04",
		City:        "Chicago",
		Title:       "Armed robbery at Magnificent Mile store",
		Description: "armed suspects robbed a retail store on michigan avenue",
		Retailers:   []string{"nordstrom"},
		SourceRefs:  []string{"lp_magazine"},
		URL:         "https://example.com/story",
		CreatedAt:   time.Date(2025, 7, 5, 8, 0, 0, 0, time.UTC),
	}
	city := models.Incident{
		ID:          "chicago_99",
		SourceID:    "chicago",
		SourceKind:  models.KindCityAPI,
		Type:        models.TypeRobbery,
		Date:        "2025-07-04",
		City:        "Chicago",
		Description: "ARMED SUSPECTS ROBBED A RETAIL store downtown",
		Address:     "800 N MICHIGAN AVE",
		SourceRefs:  []string{"chicago"},
		CreatedAt:   time.Date(2025, 7, 5, 9, 0, 0, 0, time.UTC),
	}
	unrelated := models.Incident{
		ID:          "chicago_100",
		SourceID:    "chicago",
		SourceKind:  models.KindCityAPI,
		Type:        models.TypeTheft,
		Date:        "2025-07-04",
		City:        "Chicago",
		Description: "RETAIL THEFT from grocery store",
		SourceRefs:  []string{"chicago"},
	}

	out := d.Collapse([]models.Incident{news, city, unrelated})
	require.Len(t, out, 2)

	merged := out[0]
	assert.Equal(t, d.Key(city), merged.DedupKey)

	// the structured record wins the canonical fields
	assert.Equal(t, "chicago_99", merged.ID)
	assert.Equal(t, models.KindCityAPI, merged.SourceKind)
	assert.Equal(t, "800 N MICHIGAN AVE", merged.Address)

	// but news-only context is kept
	assert.Equal(t, "Armed robbery at Magnificent Mile store", merged.Title)
	assert.Equal(t, "https://example.com/story", merged.URL)

	assert.Equal(t, []string{"nordstrom"}, merged.Retailers)
	assert.Equal(t, []string{"chicago", "lp_magazine"}, merged.SourceRefs)
	assert.Equal(t, news.CreatedAt, merged.CreatedAt)

	assert.Equal(t, "chicago_100", out[1].ID)
	assert.NotEmpty(t, out[1].DedupKey)
}

func TestDeduper_CollapseIdempotent(t *testing.T) {
	d := NewDeduper(6)
	batch := []models.Incident{
		{ID: "a", Type: models.TypeTheft, Date: "2025-07-04", City: "Chicago", Description: "retail theft at the mall", SourceRefs: []string{"chicago"}},
		{ID: "b", Type: models.TypeTheft, Date: "2025-07-04", City: "Seattle", Description: "retail theft at the mall", SourceRefs: []string{"seattle"}},
	}
	once := d.Collapse(batch)
	twice := d.Collapse(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "smash and grab", NormalizeText("Smash-and-Grab!"))
	assert.Equal(t, "retail theft", NormalizeText("  RETAIL    theft.  "))
	assert.Equal(t, "", NormalizeText("--- !!"))
}

func TestSynthesizeID(t *testing.T) {
	a := SynthesizeID("lp_magazine", "Retail Theft Ring Busted", "2025-07-08")
	b := SynthesizeID("lp_magazine", "retail theft ring busted!", "2025-07-08")
	c := SynthesizeID("lp_magazine", "retail theft ring busted", "2025-07-09")

	assert.Equal(t, a, b) // punctuation and case do not matter
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}
