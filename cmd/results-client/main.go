package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"liveresults/internal/config"
	"liveresults/internal/httpapi"
	"liveresults/internal/results"
	"liveresults/internal/store"
	"liveresults/internal/transport"
	"liveresults/internal/transport/grpcbus"
	"liveresults/internal/transport/memory"
	"liveresults/internal/transport/natsbus"
	"liveresults/internal/transport/wsbus"
	"liveresults/internal/util"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfgPath := "config/results.yaml"
	if p := os.Getenv("RESULTS_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format,
		util.LogWriter(cfg.Logging.File, cfg.Logging.MaxSizeMB))
	util.SetDefault(logger)

	tr, err := newTransport(cfg.Transport, logger.With("component", "transport"))
	if err != nil {
		log.Fatalf("creating transport: %v", err)
	}

	journal, err := store.OpenJournal(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening journal: %v", err)
	}
	defer journal.Close()

	var archive store.DeltaArchive
	if cfg.Storage.Archive {
		archive = store.NewArchive(cfg.Storage.DataDir)
	}

	client := results.NewClient(tr, logger.With("component", "results"),
		results.WithDiscardStaleBatches(cfg.Client.DiscardStaleBatches))

	recorder := store.NewRecorder(journal, archive, cfg.Client.RecorderQueue, logger.With("component", "recorder"))
	recorder.Attach(client)

	// Views are per session, so choose one again after every reconnect.
	client.OnConnected.Subscribe(func(struct{}) {
		client.RequestViews()
		if cfg.Client.View != "" {
			client.ChangeView(cfg.Client.View)
		}
	})
	client.OnViewListReceived.Subscribe(func(views []string) {
		logger.Info("views available", "views", views)
	})
	client.AfterUpdateReceived.Subscribe(func(m results.BatchMetadata) {
		logger.Debug("batch received", "timestamp", m.Timestamp, "latency", m.Latency)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	recCtx, stopRecorder := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		recorder.Run(recCtx)
	}()

	// Run reconnects after every drop; once it gives up the process exits.
	var gaveUp atomic.Bool
	go func() {
		if err := client.Run(ctx, cfg.Client.ConnectAttempts, time.Second); err != nil {
			logger.Error("giving up on the results server", "error", err)
			gaveUp.Store(true)
			cancel()
		}
	}()

	api := httpapi.NewServer(client, journal, archive,
		util.NewRateLimiter(cfg.Server.TriggerPerMin, 5), logger.With("component", "http"))
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}
	go func() {
		logger.Info("control API listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down results client")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := client.Stop(); err != nil {
		logger.Error("stopping client", "error", err)
	}

	stopRecorder()
	wg.Wait()
	logger.Info("recorder stopped", "written", recorder.Written(), "dropped", recorder.Dropped())

	if gaveUp.Load() {
		journal.Close()
		os.Exit(1)
	}
}

func newTransport(cfg config.Transport, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Kind {
	case config.KindMemory:
		logger.Warn("memory transport has no server attached; nothing will be received")
		return memory.NewBus().Endpoint(), nil
	case config.KindNATS:
		return natsbus.New(natsbus.Options{
			URL:            cfg.URL,
			Name:           cfg.Name,
			Prefix:         cfg.Prefix,
			ConnectTimeout: cfg.ConnectTimeout,
		}, logger), nil
	case config.KindWebSocket:
		return wsbus.NewClient(wsbus.Options{
			URL:              cfg.URL,
			HandshakeTimeout: cfg.ConnectTimeout,
		}, logger), nil
	case config.KindGRPC:
		return grpcbus.NewClient(grpcbus.Options{Addr: cfg.URL}, logger), nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
}
