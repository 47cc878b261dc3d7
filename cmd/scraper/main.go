package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"retailwatch/internal/config"
	"retailwatch/internal/ingest"
	"retailwatch/internal/store"
	"retailwatch/pkg/database"
	"retailwatch/pkg/models"
)

func main() {
	var (
		configPath = flag.String("config", "config/config.yml", "path to the source registry config")
		days       = flag.Int("days", 7, "ingest incidents from the last N days")
		sources    = flag.String("sources", "", "comma-separated source ids (default: all)")
		timeout    = flag.Duration("timeout", 15*time.Minute, "overall run deadline")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db := database.MustOpen(database.DefaultConfig())
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	var filter []string
	if *sources != "" {
		filter = strings.Split(*sources, ",")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	orch := ingest.New(cfg, store.New(db))
	summary, err := orch.Run(ctx, models.LastDays(*days), filter)
	if err != nil {
		log.Fatalf("ingest failed: %v", err)
	}

	for _, run := range summary.Runs {
		log.Printf("source %-24s %-10s fetched=%d rejected=%d persisted=%d",
			run.SourceID, run.Status, run.RecordsFetched, run.RecordsRejected, run.RecordsPersisted)
	}
	log.Printf("run %s: %d inserted, %d updated, %d rejected",
		summary.Status, summary.Inserted, summary.Updated, summary.Rejected)
}
