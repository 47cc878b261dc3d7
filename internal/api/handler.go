package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"retailwatch/internal/config"
	"retailwatch/internal/ingest"
	"retailwatch/internal/store"
	"retailwatch/pkg/models"
)

// refreshTimeout bounds a background ingestion kicked off over HTTP.
const refreshTimeout = 15 * time.Minute

type Handler struct {
	Store  *store.Store
	Ingest *ingest.Orchestrator
	Cfg    *config.Config
	Tokens TokenService
}

func NewHandler(st *store.Store, ing *ingest.Orchestrator, cfg *config.Config, tokens TokenService) *Handler {
	return &Handler{Store: st, Ingest: ing, Cfg: cfg, Tokens: tokens}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.health)
	rg.GET("/incidents", h.listIncidents)
	rg.GET("/incidents/:key", h.getIncident)
	rg.GET("/stats", h.stats)
	rg.GET("/trends", h.trends)
	rg.GET("/locations", h.locations)
	rg.GET("/types", h.types)
	rg.GET("/sources", h.sources)
	rg.POST("/refresh", RequireOperator(h.Tokens), h.refresh)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (h *Handler) listIncidents(c *gin.Context) {
	q := store.ListQuery{
		Country:     c.Query("country"),
		State:       c.Query("state"),
		City:        c.Query("city"),
		Type:        c.Query("type"),
		StartDate:   c.Query("start_date"),
		EndDate:     c.Query("end_date"),
		MinSeverity: parseInt(c.Query("min_severity"), 0),
		Limit:       parseInt(c.Query("limit"), 100),
		Offset:      parseInt(c.Query("offset"), 0),
	}

	total, err := h.Store.Count(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}

	items, err := h.Store.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
		"items":  items,
	})
}

func (h *Handler) getIncident(c *gin.Context) {
	key := c.Param("key")
	inc, err := h.Store.GetByKey(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get failed"})
		return
	}
	if inc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (h *Handler) stats(c *gin.Context) {
	st, err := h.Store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) trends(c *gin.Context) {
	days := parseInt(c.Query("days"), 30)
	if days < 1 || days > 365 {
		days = 30
	}
	group := c.DefaultQuery("group", "day")
	switch group {
	case "day", "week", "month":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "group must be day, week or month"})
		return
	}

	points, err := h.Store.Trends(c.Request.Context(), days, group)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trends failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "group": group, "points": points})
}

func (h *Handler) locations(c *gin.Context) {
	locs, err := h.Store.Locations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "locations failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": locs})
}

func (h *Handler) types(c *gin.Context) {
	types, err := h.Store.Types(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "types failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"types": types})
}

// sources reports the configured registry joined with each source's most
// recent scrape run.
func (h *Handler) sources(c *gin.Context) {
	runs, err := h.Store.LatestRuns(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sources failed"})
		return
	}
	latest := make(map[string]models.ScrapeRun, len(runs))
	for _, r := range runs {
		latest[r.SourceID] = r
	}

	out := make([]gin.H, 0, len(h.Cfg.Sources))
	for _, sc := range h.Cfg.Sources {
		entry := gin.H{
			"id":      sc.ID,
			"kind":    sc.Kind,
			"name":    sc.Name,
			"country": sc.Country,
			"city":    sc.City,
		}
		if r, ok := latest[sc.ID]; ok {
			entry["last_run"] = r
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"sources": out})
}

func (h *Handler) refresh(c *gin.Context) {
	days := parseInt(c.Query("days"), 7)
	if days < 1 || days > 90 {
		days = 7
	}

	var filter []string
	if s := c.Query("sources"); s != "" {
		filter = strings.Split(s, ",")
	}

	err := h.Ingest.StartAsync(models.LastDays(days), filter, refreshTimeout)
	if errors.Is(err, ingest.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "a refresh is already running"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed to start"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "days": days})
}

func parseInt(s string, def int) int {
	if strings.TrimSpace(s) == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
