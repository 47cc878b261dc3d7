package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"retailwatch/internal/config"
	"retailwatch/internal/pipeline"
	"retailwatch/internal/scraper"
	"retailwatch/pkg/models"
)

// ErrRunInProgress is returned when an ingestion run is requested while
// another is still in flight. Runs never interleave; callers retry later.
var ErrRunInProgress = errors.New("ingest: run already in progress")

// persistTimeout bounds the dedupe-persist-report phase, which runs on
// its own budget so a fetch deadline cannot discard completed output.
const persistTimeout = 30 * time.Second

// Persister is what the orchestrator needs from the storage layer. Both
// calls are atomic per invocation.
type Persister interface {
	Upsert(ctx context.Context, incidents []models.Incident) (inserted, updated int, err error)
	RecordRun(ctx context.Context, run models.ScrapeRun) error
}

// Orchestrator drives one ingestion run: it fans per-source
// scrape-normalize-classify units out over a bounded worker pool, joins
// them, deduplicates the combined batch globally, and upserts the result.
type Orchestrator struct {
	cfg        *config.Config
	store      Persister
	classifier *pipeline.Classifier
	deduper    *pipeline.Deduper

	// newSource is swappable in tests
	newSource func(config.SourceConfig) (scraper.Source, error)

	mu sync.Mutex // held for the whole run; TryLock rejects overlap
}

func New(cfg *config.Config, store Persister) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		classifier: pipeline.NewClassifier(cfg.Classifier, cfg.Sources),
		deduper:    pipeline.NewDeduper(cfg.Dedup.FingerprintTokens),
		newSource: func(sc config.SourceConfig) (scraper.Source, error) {
			return scraper.FromConfig(sc, cfg.Fetch, cfg.Classifier.RelevanceKeywords)
		},
	}
}

type unitResult struct {
	run       models.ScrapeRun
	incidents []models.Incident
}

// Run executes one full ingestion over the window. A failing source never
// blocks the others; its ScrapeRun carries the failure and the run ends
// in completed_with_errors. Only persistence-level errors propagate.
func (o *Orchestrator) Run(ctx context.Context, w models.Window, sourceFilter []string) (*models.RunSummary, error) {
	if !o.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.mu.Unlock()
	return o.run(ctx, w, sourceFilter)
}

// StartAsync begins a run in the background, reporting only whether it
// could start. The refresh endpoint uses this to answer 202 immediately.
func (o *Orchestrator) StartAsync(w models.Window, sourceFilter []string, timeout time.Duration) error {
	if !o.mu.TryLock() {
		return ErrRunInProgress
	}
	go func() {
		defer o.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := o.run(ctx, w, sourceFilter); err != nil {
			log.Printf("[ingest] background run: %v", err)
		}
	}()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, w models.Window, sourceFilter []string) (*models.RunSummary, error) {
	sources := o.cfg.BySourceIDs(sourceFilter)
	if len(sources) == 0 {
		return nil, fmt.Errorf("ingest: no sources match filter %v", sourceFilter)
	}

	log.Printf("[ingest] run started: %d source(s), window %s..%s",
		len(sources), w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))

	results := make([]unitResult, len(sources))
	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := o.cfg.Fetch.Concurrency
	if workers > len(sources) {
		workers = len(sources)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = o.runUnit(ctx, sources[idx], w)
			}
		}()
	}
	for idx := range sources {
		jobs <- idx
	}
	close(jobs)
	wg.Wait() // barrier: global dedup needs the complete batch

	// concatenate in config order; records keep fetch order per source
	var batch []models.Incident
	rejected := 0
	for _, res := range results {
		batch = append(batch, res.incidents...)
		rejected += res.run.RecordsRejected
	}

	batch = o.deduper.Collapse(batch)

	// ctx may already be expired here; units that finished in time still
	// get their output persisted and every unit still gets its report
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()

	inserted, updated, err := o.store.Upsert(persistCtx, batch)
	if err != nil {
		// no partial commit happened; surface the whole batch as failed
		return nil, fmt.Errorf("ingest: persist batch: %w", err)
	}

	summary := &models.RunSummary{
		Status:   models.SummaryCompleted,
		Inserted: inserted,
		Updated:  updated,
		Rejected: rejected,
	}

	persistedBySource := countBySource(batch)
	for i := range results {
		run := results[i].run
		run.RecordsPersisted = persistedBySource[run.SourceID]
		if run.Status != models.RunSuccess {
			summary.Status = models.SummaryCompletedWithErrors
		}
		if err := o.store.RecordRun(persistCtx, run); err != nil {
			log.Printf("[ingest] record run %s: %v", run.SourceID, err)
		}
		summary.Runs = append(summary.Runs, run)
	}

	log.Printf("[ingest] run %s: %d inserted, %d updated, %d rejected",
		summary.Status, inserted, updated, rejected)
	return summary, nil
}

// runUnit is one source's scrape-normalize-classify pass. All per-record
// and per-source errors are absorbed into the ScrapeRun here.
func (o *Orchestrator) runUnit(ctx context.Context, sc config.SourceConfig, w models.Window) unitResult {
	run := models.ScrapeRun{
		ID:        uuid.NewString(),
		SourceID:  sc.ID,
		StartedAt: time.Now().UTC(),
	}

	src, err := o.newSource(sc)
	if err != nil {
		run.FinishedAt = time.Now().UTC()
		run.Status = models.RunFailed
		run.ErrorDetail = err.Error()
		return unitResult{run: run}
	}

	records, skipped, fetchErr := src.Fetch(ctx, w)
	run.RecordsFetched = len(records)
	run.RecordsRejected = skipped

	var incidents []models.Incident
	for _, raw := range records {
		inc, err := pipeline.Normalize(raw, sc)
		if err != nil {
			run.RecordsRejected++
			continue
		}
		incidents = append(incidents, o.classifier.Classify(inc))
	}

	run.FinishedAt = time.Now().UTC()
	switch {
	case fetchErr != nil && len(incidents) == 0:
		run.Status = models.RunFailed
		run.ErrorDetail = fetchErr.Error()
	case fetchErr != nil:
		run.Status = models.RunPartial
		run.ErrorDetail = fetchErr.Error()
		log.Printf("[ingest] %s: partial fetch: %v", sc.ID, fetchErr)
	case len(incidents) == 0 && run.RecordsFetched > 0:
		run.Status = models.RunFailed
		run.ErrorDetail = "all records rejected"
	case run.RecordsRejected > 0:
		run.Status = models.RunPartial
	default:
		run.Status = models.RunSuccess
	}

	log.Printf("[ingest] %s: fetched=%d accepted=%d rejected=%d status=%s",
		sc.ID, run.RecordsFetched, len(incidents), run.RecordsRejected, run.Status)
	return unitResult{run: run, incidents: incidents}
}

// countBySource attributes each deduplicated survivor to every source
// that contributed to it.
func countBySource(batch []models.Incident) map[string]int {
	out := make(map[string]int)
	for _, inc := range batch {
		for _, ref := range inc.SourceRefs {
			out[ref]++
		}
	}
	return out
}
