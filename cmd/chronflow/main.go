package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"chronflow/internal/api"
	"chronflow/internal/engine"
	"chronflow/internal/executor"
	"chronflow/internal/executor/natspub"
	"chronflow/internal/executor/shell"
	"chronflow/internal/executor/webhook"
	"chronflow/internal/store"
)

func main() {
	var (
		addr     = flag.String("addr", ":8080", "HTTP bind address")
		dbPath   = flag.String("db", "chronflow.db", "SQLite DB path")
		token    = flag.String("reconcile-token", "", "bearer token required by POST /internal/reconcile")
		tick     = flag.Duration("tick", time.Minute, "reconciliation interval and due-window tolerance")
		selfTick = flag.Bool("self-tick", false, "drive the reconciler internally instead of relying on an external caller")
		natsURL  = flag.String("nats", "", "NATS server URL; enables the nats executor when set")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
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

	// Executor registry
	execs := executor.Registry{
		"shell":   shell.Shell{},
		"webhook": webhook.Webhook{},
	}
	if *natsURL != "" {
		pub, err := natspub.New(*natsURL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats executor")
		}
		defer pub.Close()
		execs["nats"] = pub
	}

	coord := engine.NewCoordinator(st, execs.Runner())
	sched := engine.NewScheduler(st, coord)
	rec := engine.NewReconciler(st, coord, *tick)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Full timer set is in place before the listener accepts CRUD traffic.
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("scheduler start")
	}
	defer sched.Stop()

	if *selfTick {
		c := cron.New()
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", tick.String()), func() {
			n, err := rec.RunOnce(ctx, time.Now())
			if err != nil {
				log.Error().Err(err).Msg("reconcile pass failed")
				return
			}
			if n > 0 {
				log.Info().Int("executed", n).Msg("reconcile pass")
			}
		}); err != nil {
			log.Fatal().Err(err).Msg("self tick")
		}
		c.Start()
		defer c.Stop()
	}

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(st, sched, coord, rec, execs, *token)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
