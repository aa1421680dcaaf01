package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"liveresults/internal/config"
	"liveresults/internal/transport"
	"liveresults/internal/transport/grpcbus"
	"liveresults/internal/transport/wsbus"
	"liveresults/internal/util"
)

func main() {
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

	// gRPC and WebSocket sessions share one router, so either kind of
	// client can talk to the other.
	router := transport.NewRouter()

	grpcAddr := fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("listening on %s: %v", grpcAddr, err)
	}
	gs := grpc.NewServer()
	grpcbus.NewRelay(router, logger.With("component", "grpc")).RegisterGRPC(gs)

	wsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.WSPort),
		Handler: wsbus.NewHub(router, logger.With("component", "websocket")),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("grpc relay listening", "addr", grpcAddr)
		return gs.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("websocket relay listening", "addr", wsServer.Addr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down relay", "sessions", router.Sessions())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}

		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			gs.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}
