package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/finquill/finquill/internal/bus"
	"github.com/finquill/finquill/internal/handlers"
	"github.com/finquill/finquill/internal/metrics"
	"github.com/finquill/finquill/internal/pipeline"
	"github.com/finquill/finquill/internal/ratelimit"
	"github.com/finquill/finquill/internal/services"
	"github.com/finquill/finquill/internal/worker"
)

const jobsKey = "finquill:jobs"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("Server exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfgPath := os.Getenv("FINQUILL_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfgFile, err := os.Open(cfgPath)
	if err != nil {
		return fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return fmt.Errorf("error decoding config file: %w", err)
	}

	uploadsDir := filepath.Join(cfg.DataDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0755); err != nil {
		return fmt.Errorf("error creating data directory: %w", err)
	}

	store, err := services.NewBoltStore(filepath.Join(cfg.DataDir, "finquill.db"))
	if err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}
	defer store.Close()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer client.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("error connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	metrics.Register()

	provider, err := cfg.LLM.provider(logger)
	if err != nil {
		return fmt.Errorf("error creating llm provider: %w", err)
	}

	template, err := loadReportTemplate(cfg.ReportTemplatePath)
	if err != nil {
		return err
	}

	registry := ratelimit.NewRegistry(cfg.Limits, logger)
	limiter := registry.For(cfg.LLM.modelName())

	b := bus.NewRedis(client, logger)
	queue := worker.NewQueue(client, jobsKey, logger)
	retriever := services.NewRetriever(store, logger)

	chat := pipeline.NewChat(pipeline.ChatConfig{
		Store:             store,
		Bus:               b,
		Retriever:         retriever,
		Provider:          provider,
		Limiter:           limiter,
		Delegator:         pipeline.QueueDelegator{Queue: queue},
		AllowTitleRewrite: cfg.AllowTitleRewrite,
		Logger:            logger,
	})
	report := pipeline.NewReport(store, retriever, provider, limiter, template, logger)
	documents := pipeline.NewDocuments(
		store,
		b,
		services.NewFileParser(cfg.ChunkSize),
		retriever,
		queue,
		cfg.IngestTimeLimit,
		logger,
	)
	pipeline.RegisterJobs(queue, chat, report, documents)

	m := handlers.NewMain(b, store, queue, documents, uploadsDir, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chats", m.HandleChats)
	mux.HandleFunc("GET /api/events", m.HandleSSE)
	mux.HandleFunc("POST /api/documents", m.HandleUploadDocument)
	mux.HandleFunc("PUT /api/documents/{id}/mark-uploaded", m.HandleMarkUploaded)
	mux.HandleFunc("POST /api/documents/{id}/process", m.HandleProcessDocument)
	mux.Handle("GET /metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- queue.Run(workerCtx)
	}()

	srv.RegisterOnShutdown(func() {
		workerCancel()
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case err := <-workerErrors:
		return fmt.Errorf("worker error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
	}
	return nil
}
