package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/winbalf/pg-ha-lab/config"
)

type StatusWebService struct {
	exporter *Exporter
}

func (s *StatusWebService) getStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.exporter.Status())
}

func newRouter(exporter *Exporter, metrics *Metrics, accessLog io.Writer) http.Handler {
	sws := &StatusWebService{exporter: exporter}

	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return handlers.LoggingHandler(accessLog, next)
	})
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/healthz", sws.getStatus).Methods("GET")
	return router
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	logger := newLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	metrics := NewMetrics()
	provider := NewPgConnectionProvider(cfg)
	exporter := NewExporter(cfg, provider, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: newRouter(exporter, metrics, os.Stderr),
	}

	go func() {
		logger.Info("serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	logger.Info("starting replication exporter",
		"primary", fmt.Sprintf("%s:%s", cfg.Primary.Host, cfg.Primary.Port),
		"standby", fmt.Sprintf("%s:%s", cfg.Standby.Host, cfg.Standby.Port))

	exporter.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	logger.Info("exporter stopped")
}
