package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/ehrpipe/pkg/common/config"
	"github.com/synaptica-ai/ehrpipe/pkg/common/database"
	"github.com/synaptica-ai/ehrpipe/pkg/common/kafka"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
	"github.com/synaptica-ai/ehrpipe/pkg/common/middleware"
	"github.com/synaptica-ai/ehrpipe/pkg/dataset"
	"github.com/synaptica-ai/ehrpipe/pkg/observability/metrics"
	"github.com/synaptica-ai/ehrpipe/pkg/pipeline"
	"github.com/synaptica-ai/ehrpipe/pkg/runs"
	"github.com/synaptica-ai/ehrpipe/pkg/storage"
)

func main() {
	logger.Init()
	metrics.Init()
	cfg := config.Load()

	dsCfg, err := datasetConfig(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load dataset config")
	}

	producer := kafka.NewProducer(cfg.KafkaEventsTopic)
	defer producer.Close()

	// The pipeline defaults and sinks only take effect for SetTask calls on
	// this dataset. The service itself never runs a task, so /api/v1/runs
	// lists runs recorded by pipeline processes sharing the database.
	opts := []dataset.Option{
		dataset.WithRoot(cfg.DataRoot),
		dataset.WithPublisher(producer),
		dataset.WithPipelineOptions(
			pipeline.WithWorkers(cfg.NumWorkers),
			pipeline.WithChunkSize(cfg.ChunkSize),
			pipeline.WithCacheDir(cfg.CacheDir),
		),
	}
	if cfg.DevMode {
		opts = append(opts, dataset.WithDevMode(cfg.DevLimit))
	}
	if dataset.IsRemoteRoot(cfg.DataRoot) {
		fetcher, err := newFetcher(cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to configure remote data root")
		}
		opts = append(opts, dataset.WithFetcher(fetcher))
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging, middleware.BodyLimit(cfg.MaxRequestBody))
	api := router.PathPrefix("/api/v1").Subrouter()

	// The run registry and summary cache are optional: the service still
	// serves events without Postgres or Redis.
	if db, err := database.GetPostgres(); err != nil {
		logger.Log.WithError(err).Warn("run registry disabled")
	} else {
		repo := runs.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate run tables")
		}
		opts = append(opts, dataset.WithTracker(runs.NewTracker(repo)))
		runs.NewHTTPHandler(repo).Register(api)
		defer database.ClosePostgres()
	}

	var invalidators []dataset.Invalidator
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if client, err := database.NewRedisClient(startCtx, cfg); err != nil {
		logger.Log.WithError(err).Warn("sample summary cache disabled")
	} else {
		summaries := storage.NewSummaryStore(client, cfg.SummaryCacheTTL)
		opts = append(opts, dataset.WithSummaryCache(summaries))
		invalidators = append(invalidators, summaries)
		defer client.Close()
	}
	startCancel()

	ds, err := dataset.New(cfg.DatasetName, dsCfg, opts...)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to initialize dataset")
	}
	handler := dataset.NewHTTPHandler(ds, producer, invalidators...)
	handler.Register(api)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":    cfg.ServerHost,
			"port":    cfg.ServerPort,
			"dataset": ds.Name(),
			"tables":  ds.Tables(),
		}).Info("Dataset Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	consumer := kafka.NewConsumer(cfg.KafkaRequestsTopic, cfg.KafkaGroupID)
	defer consumer.Close()
	go func() {
		if err := consumer.Consume(ctx, handler.HandleRequest); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.WithError(err).Error("request consumer stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Dataset Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Dataset Service stopped")
}

// datasetConfig reads DATASET_CONFIG when set and otherwise the named
// preset.
func datasetConfig(cfg *config.Config) (dataset.Config, error) {
	if cfg.DatasetConfig != "" {
		return dataset.LoadConfig(cfg.DatasetConfig)
	}
	if cfg.DatasetPreset == "" {
		return dataset.Config{}, fmt.Errorf("set DATASET_CONFIG or DATASET_PRESET (one of %s)", strings.Join(dataset.PresetNames(), ", "))
	}
	c, ok := dataset.Preset(cfg.DatasetPreset)
	if !ok {
		return dataset.Config{}, fmt.Errorf("unknown preset %q (one of %s)", cfg.DatasetPreset, strings.Join(dataset.PresetNames(), ", "))
	}
	return c, nil
}

func newFetcher(cfg *config.Config) (*dataset.Fetcher, error) {
	dir := cfg.DownloadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "ehrpipe", cfg.DatasetName)
	}
	opts := []dataset.FetcherOption{dataset.WithHTTPClient(dataset.NewHTTPClient(cfg.FetchTimeout))}
	if cfg.OAuthTokenURL != "" {
		opts = append(opts, dataset.WithClientCredentials(cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthScopes))
	}
	return dataset.NewFetcher(cfg.DataRoot, dir, opts...)
}
