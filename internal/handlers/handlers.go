package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andandandand/model-deployment-workshop/internal/config"
	"github.com/andandandand/model-deployment-workshop/internal/model"
	"github.com/andandandand/model-deployment-workshop/internal/preprocess"
	"github.com/andandandand/model-deployment-workshop/internal/store"
)

// Engine runs the model on one tensor. Implementations must be safe for
// concurrent use.
type Engine interface {
	Run(ctx context.Context, t model.Tensor) ([]float32, error)
}

// PredictionCache stores results keyed by image hash. store.PredictionRepo
// implements it.
type PredictionCache interface {
	Find(ctx context.Context, imageHash, modelID string, k int, maxAge time.Duration) ([]model.Prediction, error)
	Upsert(ctx context.Context, imageHash, modelID string, k int, preds []model.Prediction) error
}

// App is the state loaded once at startup and shared read-only by all
// requests.
type App struct {
	Engine       Engine
	Labels       *model.Labels
	Preprocessor preprocess.Preprocessor
	Metadata     model.Metadata
	// ModelID names the model in cache keys.
	ModelID string
	// Cache is optional.
	Cache PredictionCache
}

// Options controls validation and the response shape.
type Options struct {
	MaxUploadBytes int64
	MaxPixels      int
	AllowedTypes   []string
	Mode           string
	K              int
	Envelope       bool
	CacheMaxAge    time.Duration
}

// OptionsFromConfig extracts handler options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxPixels:      cfg.MaxPixels,
		AllowedTypes:   cfg.AllowedTypes,
		Mode:           cfg.Response.Mode,
		K:              cfg.EffectiveK(),
		Envelope:       cfg.Response.Envelope,
		CacheMaxAge:    cfg.CacheMaxAge,
	}
}

type Handler struct {
	app  *App
	opts Options
	log  logrus.FieldLogger
}

func NewHandler(app *App, opts Options, log logrus.FieldLogger) *Handler {
	if opts.K < 1 {
		opts.K = model.DefaultTopK
	}
	if opts.Mode == config.ModeTop1 {
		opts.K = 1
	}
	return &Handler{
		app:  app,
		opts: opts,
		log:  log,
	}
}

// Routes registers the service endpoints on a new mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/predict", h.Predict)
	mux.HandleFunc("/predict/{$}", h.Predict)
	return mux
}

func (h *Handler) ready() bool {
	return h.app != nil && h.app.Engine != nil && h.app.Labels != nil && h.app.Preprocessor != nil
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"model":    h.app.ModelID,
		"metadata": h.app.Metadata,
		"classes":  h.app.Labels.Len(),
	})
}

// Predict runs the upload through validation, preprocessing, inference and
// postprocessing and writes the configured response body.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	log := h.log.WithField("request_id", RequestID(r.Context()))

	if !h.ready() {
		log.Error("prediction requested before the model was initialized")
		writeError(w, http.StatusInternalServerError, "ONNX Runtime session not initialized")
		return
	}

	upload, err := Validate(w, r, h.opts)
	if err != nil {
		h.fail(w, log, err)
		return
	}
	log = log.WithFields(logrus.Fields{
		"filename": upload.Filename,
		"format":   upload.Image.Format,
		"width":    upload.Image.Width,
		"height":   upload.Image.Height,
	})

	preds, err := h.predict(r.Context(), log, upload)
	if err != nil {
		h.fail(w, log, err)
		return
	}

	log.WithFields(logrus.Fields{
		"label":       preds[0].Label,
		"probability": preds[0].Probability,
	}).Debug("prediction")

	h.respond(w, preds)
}

func (h *Handler) predict(ctx context.Context, log logrus.FieldLogger, upload *Upload) ([]model.Prediction, error) {
	var hash string
	if h.app.Cache != nil {
		hash = store.HashImage(upload.Data)
		preds, err := h.app.Cache.Find(ctx, hash, h.app.ModelID, h.opts.K, h.opts.CacheMaxAge)
		switch {
		case err == nil && len(preds) > 0:
			log.WithField("image_hash", hash).Debug("prediction cache hit")
			return preds, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			log.WithError(err).Warn("prediction cache lookup failed")
		}
	}

	tensor, err := h.app.Preprocessor.Preprocess(upload.Image)
	if err != nil {
		return nil, errors.Wrap(err, "preprocess")
	}

	logits, err := h.app.Engine.Run(ctx, tensor)
	if err != nil {
		return nil, err
	}

	preds, err := model.Postprocess(logits, h.app.Labels, h.opts.K)
	if err != nil {
		var unknown *model.UnknownLabelError
		if errors.As(err, &unknown) {
			return nil, &model.InvariantError{Err: err}
		}
		return nil, err
	}

	if h.app.Cache != nil {
		if err := h.app.Cache.Upsert(ctx, hash, h.app.ModelID, h.opts.K, preds); err != nil {
			log.WithError(err).Warn("prediction cache store failed")
		}
	}
	return preds, nil
}

func (h *Handler) respond(w http.ResponseWriter, preds []model.Prediction) {
	switch {
	case h.opts.Mode == config.ModeTop1:
		writeJSON(w, http.StatusOK, Top1Response{Prediction: preds[0].Label})
	case h.opts.Envelope:
		writeJSON(w, http.StatusOK, TopKResponse{Probabilities: preds})
	default:
		writeJSON(w, http.StatusOK, Probabilities(preds))
	}
}

func (h *Handler) fail(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	var (
		validation *ValidationError
		invariant  *model.InvariantError
		shape      *model.ShapeMismatchError
		inference  *model.InferenceError
		dims       *preprocess.InvalidDimensionsError
	)
	switch {
	case errors.As(err, &validation):
		log.WithError(err).WithField("status", validation.Status).Info("upload rejected")
		writeError(w, validation.Status, validation.Reason)
	case errors.As(err, &dims):
		log.WithError(err).Info("upload rejected")
		writeError(w, http.StatusUnsupportedMediaType, "Image has no pixels")
	case errors.As(err, &invariant):
		log.WithError(err).Error("label mapping does not match model output, check the deployed files")
		writeError(w, http.StatusInternalServerError, "Prediction failed")
	case errors.As(err, &shape), errors.As(err, &inference):
		log.WithError(err).Error("inference failed")
		writeError(w, http.StatusInternalServerError, "Prediction failed")
	default:
		log.WithError(err).Error("prediction failed")
		writeError(w, http.StatusInternalServerError, "Prediction failed")
	}
}
