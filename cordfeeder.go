package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/matrix-org/dugong"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/cordfeeder/cordfeeder/config"
	"github.com/cordfeeder/cordfeeder/database"
	"github.com/cordfeeder/cordfeeder/fetcher"
	"github.com/cordfeeder/cordfeeder/polling"
	"github.com/cordfeeder/cordfeeder/publisher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Panic("Failed to load configuration")
	}

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
	}
	if cfg.LogDir != "" {
		log.AddHook(dugong.NewFSHook(
			filepath.Join(cfg.LogDir, "cordfeeder.log"),
			&log.TextFormatter{
				TimestampFormat:  "2006-01-02 15:04:05.000000",
				DisableColors:    true,
				DisableTimestamp: false,
				DisableSorting:   false,
			}, &dugong.DailyRotationSchedule{GZip: true},
		))
	}

	log.WithFields(cfg.LogSummary()).Info("CordFeeder starting")

	db, err := database.Open(cfg.DatabaseType, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Panic("Failed to open database")
	}
	if err := db.Initialise(); err != nil {
		log.WithError(err).Panic("Failed to initialise database")
	}
	db.SetDefaultPollInterval(cfg.DefaultPollInterval)

	// The chat-platform adapter is selected here. Without a credential the
	// log publisher is used, which makes dry runs against real feeds safe.
	pub := publisher.NewLogPublisher()
	if cfg.BotToken == "" {
		log.Warn("BOT_TOKEN not set, logging messages instead of posting them")
	}

	f := fetcher.New(&http.Client{}, cfg.UserAgent)
	poller := polling.New(cfg, db, f, pub)

	ctx, cancel := context.WithCancel(context.Background())
	go poller.Run(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.WithField("signal", sig).Info("Shutting down")
		cancel()
	}()

	http.Handle("/metrics", prometheus.Handler())
	log.WithField("bind_address", cfg.BindAddress).Info("Serving metrics")
	log.Fatal(http.ListenAndServe(cfg.BindAddress, nil))
}
