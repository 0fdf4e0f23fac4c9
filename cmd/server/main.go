package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andandandand/model-deployment-workshop/internal/config"
	"github.com/andandandand/model-deployment-workshop/internal/handlers"
	"github.com/andandandand/model-deployment-workshop/internal/logging"
	"github.com/andandandand/model-deployment-workshop/internal/model"
	"github.com/andandandand/model-deployment-workshop/internal/preprocess"
	"github.com/andandandand/model-deployment-workshop/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file")
		host       = flag.String("host", "", "Listen host (overrides config)")
		port       = flag.Int("port", 0, "Listen port (overrides config)")
		modelPath  = flag.String("model", "", "Path to the ONNX model (overrides config)")
		labelsPath = flag.String("labels", "", "Path to the label mapping (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *modelPath != "" {
		cfg.ModelPath = *modelPath
	}
	if *labelsPath != "" {
		cfg.LabelsPath = *labelsPath
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid config: %v", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}

	if err := run(cfg, log); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	log.Infof("Loading labels from: %s", cfg.LabelsPath)
	labels, err := model.LoadLabels(cfg.LabelsPath)
	if err != nil {
		return err
	}

	prep, err := preprocess.NewBackend(cfg.Preprocess.Backend, cfg.PreprocessOptions())
	if err != nil {
		return &model.InitializationError{Resource: "preprocessor", Err: err}
	}

	log.Infof("Loading model from: %s", cfg.ModelPath)
	engine, err := model.NewEngine(cfg.EngineOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.WithError(err).Warn("Failed to release model session")
		}
	}()

	meta := engine.Metadata()
	if meta.Classes != labels.Len() {
		return &model.InitializationError{
			Resource: "labels",
			Err:      errors.Errorf("model has %d classes but label mapping has %d entries", meta.Classes, labels.Len()),
		}
	}
	log.WithFields(logrus.Fields{
		"input":        meta.InputName,
		"input_shape":  meta.InputShape,
		"output":       meta.OutputName,
		"output_shape": meta.OutputShape,
		"classes":      meta.Classes,
	}).Info("Model loaded")

	app := &handlers.App{
		Engine:       engine,
		Labels:       labels,
		Preprocessor: prep,
		Metadata:     meta,
		ModelID:      filepath.Base(cfg.ModelPath),
	}

	if cfg.DatabaseURL != "" {
		db, err := openCache(cfg.DatabaseURL)
		if err != nil {
			return &model.InitializationError{Resource: "prediction cache", Err: err}
		}
		defer db.Close()
		app.Cache = store.NewPredictionRepo(db)
		log.Info("Prediction cache enabled")
	}

	h := handlers.NewHandler(app, handlers.OptionsFromConfig(cfg), log)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.Logging(log)(handlers.CORS(h.Routes())),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Server starting on %s", cfg.Addr())
		log.Info("Endpoints:")
		log.Info("  GET  /health  - Health check")
		log.Infof("  POST /predict - Classify an uploaded image (mode=%s, k=%d)", cfg.Response.Mode, cfg.EffectiveK())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openCache(dsn string) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := store.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := store.NewPredictionRepo(db).EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
