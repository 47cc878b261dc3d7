package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"retailwatch/internal/api"
	"retailwatch/internal/config"
	"retailwatch/internal/ingest"
	"retailwatch/internal/store"
	"retailwatch/pkg/database"
)

func main() {
	var (
		configPath = flag.String("config", "config/config.yml", "path to the source registry config")
		issueToken = flag.Bool("issue-token", false, "print an operator token and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	tokens := api.TokenService{
		Secret:   []byte(cfg.API.Token),
		Issuer:   "retailwatch",
		Duration: 24 * time.Hour,
	}

	if *issueToken {
		if cfg.API.Token == "" {
			log.Fatal("no api token configured; set api.token or RETAILWATCH_API_TOKEN")
		}
		tok, exp, err := tokens.Sign("operator")
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Printf("%s\n(expires %s)\n", tok, exp.UTC().Format(time.RFC3339))
		return
	}

	dbCfg := database.DefaultConfig()
	db := database.MustOpen(dbCfg)
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	router := gin.Default()
	_ = router.SetTrustedProxies([]string{"127.0.0.1"})

	st := store.New(db)
	handler := api.NewHandler(st, ingest.New(cfg, st), cfg, tokens)
	handler.RegisterRoutes(router.Group("/api"))

	httpSrv := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP API server listening on %s (db %s)", cfg.API.Addr, dbCfg.Path)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("shutdown signal received: %s", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	log.Println("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	log.Println("server stopped")
}
