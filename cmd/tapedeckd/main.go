package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Witriol/tapedeck/internal/api"
	"github.com/Witriol/tapedeck/internal/config"
	"github.com/Witriol/tapedeck/internal/db"
	"github.com/Witriol/tapedeck/internal/downloader"
	"github.com/Witriol/tapedeck/internal/events"
	"github.com/Witriol/tapedeck/internal/queue"
	"github.com/Witriol/tapedeck/internal/settings"
)

var version string

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(cfg.Log)
	log.Info().Str("version", versionString()).Msg("tapedeckd starting")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("tapedeckd stopped")
	}
	log.Info().Msg("tapedeckd stopped")
}

func run(cfg config.Config) error {
	dbConn, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	bus := events.NewBus(events.DefaultBuffer)
	defer bus.Close()

	store := queue.NewStore(dbConn)
	settingsStore := settings.NewStore(dbConn)
	dl, err := newDownloader(cfg)
	if err != nil {
		return err
	}

	runner := &queue.Runner{
		Store:          store,
		Bus:            bus,
		Downloader:     dl,
		Retries:        &settings.Resolver{Store: settingsStore, DefaultMaxRetries: cfg.MaxDownloadRetries},
		OutputDir:      cfg.OutputDir,
		BackoffUnit:    cfg.BackoffUnit,
		HeartbeatEvery: cfg.HeartbeatInterval,
	}
	pool := queue.NewPool(runner, cfg.MaxConcurrent)
	service := queue.NewService(store, bus, pool, cfg.OutputDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx, &queue.Reconciler{Store: store, Bus: bus})
	scheduler := &queue.Scheduler{Store: store, Submit: pool, Every: cfg.SchedulerInterval}

	server := &api.Server{
		Queue:       service,
		Settings:    settingsStore,
		Bus:         bus,
		Stats:       pool.Stats,
		CORSOrigins: cfg.CORSOrigins,
	}
	httpServer := &http.Server{
		Addr:              cfg.Bind,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Bind).Msg("tapedeckd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	// Runners observe ctx and leave interrupted items for the next start.
	stop()
	pool.Wait()
	return err
}

func newDownloader(cfg config.Config) (queue.Downloader, error) {
	switch cfg.Downloader.Kind {
	case config.DownloaderAria2:
		log.Info().Str("rpc", cfg.Downloader.Aria2RPC).Msg("using aria2 downloader")
		return &downloader.Aria2{
			Client:    downloader.NewAria2Client(cfg.Downloader.Aria2RPC, cfg.Downloader.Aria2Secret),
			PollEvery: cfg.Downloader.PollEvery,
		}, nil
	case config.DownloaderCommand, "":
		log.Info().Str("path", cfg.Downloader.Path).Msg("using command downloader")
		return &downloader.Command{
			Path:         cfg.Downloader.Path,
			Args:         cfg.Downloader.Args,
			SubtitlesArg: cfg.Downloader.SubtitlesArg,
			CancelPoll:   5 * time.Second,
		}, nil
	}
	return nil, errors.New("unknown downloader kind " + cfg.Downloader.Kind)
}

func setupLogging(lc config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if lc.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func versionString() string {
	if version == "" {
		return "dev"
	}
	return version
}
