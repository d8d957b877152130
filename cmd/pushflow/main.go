package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"pushflow/internal/api"
	"pushflow/internal/audience"
	"pushflow/internal/config"
	"pushflow/internal/executor"
	"pushflow/internal/handlers/logchan"
	"pushflow/internal/scheduler"
	"pushflow/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "config file path (YAML)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		poll    = flag.Duration("poll", 0, "poll interval (overrides config)")
		node    = flag.String("node", "", "scheduler owner id (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *poll > 0 {
		cfg.Poll = *poll
	}
	if *node != "" {
		cfg.Node = *node
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	st := store.NewSQLiteStore(db)
	if n, err := st.RecoverStale(context.Background(), time.Now()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("cleared stale task leases")
	}

	// Demo collaborators; production deployments supply real ones.
	channel := logchan.Channel{}
	resolver := audience.NewResolver(config.NewStaticDirectory(cfg.Recipients))
	exec := executor.New(channel, channel)

	ctx, cancel := context.WithCancel(context.Background())
	sched := scheduler.New(st, resolver, exec, cfg.Node, cfg.Poll, cfg.LeaseTTL)
	go sched.Start(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(st)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
