package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/andandandand/model-deployment-workshop/internal/model"
	"github.com/andandandand/model-deployment-workshop/internal/preprocess"
)

// Response modes.
const (
	ModeTop1 = "top1"
	ModeTopK = "topk"
)

// Config is the full service configuration.
type Config struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	ModelPath      string   `yaml:"model_path"`
	LabelsPath     string   `yaml:"labels_path"`
	ONNXRuntimeLib string   `yaml:"onnxruntime_lib"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	MaxPixels      int      `yaml:"max_pixels"`
	AllowedTypes   []string `yaml:"allowed_types"`

	Response   Response   `yaml:"response"`
	Preprocess Preprocess `yaml:"preprocess"`
	Engine     Engine     `yaml:"engine"`
	Log        Log        `yaml:"log"`

	DatabaseURL     string        `yaml:"database_url"`
	CacheMaxAge     time.Duration `yaml:"cache_max_age"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Response selects the JSON body shape of /predict.
type Response struct {
	Mode     string `yaml:"mode"`
	K        int    `yaml:"k"`
	Envelope bool   `yaml:"envelope"`
}

// Preprocess mirrors preprocess.Options plus the backend choice.
type Preprocess struct {
	Backend       string     `yaml:"backend"`
	Resize        string     `yaml:"resize"`
	Interpolation string     `yaml:"interpolation"`
	ResizeSize    int        `yaml:"resize_size"`
	CropSize      int        `yaml:"crop_size"`
	Mean          [3]float32 `yaml:"mean"`
	Std           [3]float32 `yaml:"std"`
}

// Engine holds ONNX session settings.
type Engine struct {
	Provider       string `yaml:"provider"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
	InterOpThreads int    `yaml:"inter_op_threads"`
	Warmup         int    `yaml:"warmup"`
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	opts := preprocess.DefaultOptions()
	return &Config{
		Host:           "0.0.0.0",
		Port:           8000,
		ModelPath:      "models/resnet34.onnx",
		LabelsPath:     "models/classes.json",
		MaxUploadBytes: 5 << 20,
		MaxPixels:      40_000_000,
		AllowedTypes:   []string{"image/jpeg", "image/png", "image/gif"},
		Response: Response{
			Mode:     ModeTopK,
			K:        model.DefaultTopK,
			Envelope: true,
		},
		Preprocess: Preprocess{
			Backend:       preprocess.BackendNative,
			Resize:        string(opts.ResizeMode),
			Interpolation: opts.Interpolation,
			ResizeSize:    opts.ResizeSize,
			CropSize:      opts.CropSize,
			Mean:          opts.Mean,
			Std:           opts.Std,
		},
		Engine: Engine{
			Provider: model.ProviderCPU,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		CacheMaxAge:     24 * time.Hour,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := cast.ToIntE(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "env %s", key)
		}
		*dst = n
		return nil
	}

	str("INFER_HOST", &c.Host)
	str("INFER_MODEL_PATH", &c.ModelPath)
	str("INFER_LABELS_PATH", &c.LabelsPath)
	str("ONNXRUNTIME_LIB", &c.ONNXRuntimeLib)
	str("INFER_RESPONSE_MODE", &c.Response.Mode)
	str("INFER_PREPROCESS_BACKEND", &c.Preprocess.Backend)
	str("INFER_PREPROCESS_RESIZE", &c.Preprocess.Resize)
	str("INFER_ENGINE_PROVIDER", &c.Engine.Provider)
	str("INFER_LOG_LEVEL", &c.Log.Level)
	str("INFER_LOG_FORMAT", &c.Log.Format)
	str("DATABASE_URL", &c.DatabaseURL)

	// PORT wins over INFER_PORT so platform-assigned ports are honored.
	for _, key := range []string{"INFER_PORT", "PORT"} {
		if err := num(key, &c.Port); err != nil {
			return err
		}
	}
	if err := num("INFER_RESPONSE_K", &c.Response.K); err != nil {
		return err
	}
	if err := num("INFER_MAX_PIXELS", &c.MaxPixels); err != nil {
		return err
	}
	if err := num("INFER_ENGINE_WARMUP", &c.Engine.Warmup); err != nil {
		return err
	}

	if v, ok := lookup("INFER_MAX_UPLOAD_BYTES"); ok && v != "" {
		n, err := cast.ToInt64E(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrap(err, "env INFER_MAX_UPLOAD_BYTES")
		}
		c.MaxUploadBytes = n
	}
	if v, ok := lookup("INFER_RESPONSE_ENVELOPE"); ok && v != "" {
		b, err := cast.ToBoolE(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrap(err, "env INFER_RESPONSE_ENVELOPE")
		}
		c.Response.Envelope = b
	}
	if v, ok := lookup("INFER_ALLOWED_TYPES"); ok && v != "" {
		var types []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, strings.ToLower(t))
			}
		}
		c.AllowedTypes = types
	}
	if v, ok := lookup("INFER_CACHE_MAX_AGE"); ok && v != "" {
		d, err := cast.ToDurationE(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrap(err, "env INFER_CACHE_MAX_AGE")
		}
		c.CacheMaxAge = d
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	if c.ModelPath == "" {
		return errors.New("model_path is required")
	}
	if c.LabelsPath == "" {
		return errors.New("labels_path is required")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if len(c.AllowedTypes) == 0 {
		return errors.New("allowed_types must not be empty")
	}
	switch c.Response.Mode {
	case ModeTop1, ModeTopK:
	default:
		return errors.Errorf("response mode must be %q or %q, got %q", ModeTop1, ModeTopK, c.Response.Mode)
	}
	if c.Response.K < 1 {
		return errors.Errorf("response k must be at least 1, got %d", c.Response.K)
	}
	switch c.Preprocess.Backend {
	case preprocess.BackendNative, preprocess.BackendGoCV:
	default:
		return errors.Errorf("unknown preprocess backend %q", c.Preprocess.Backend)
	}
	if err := c.PreprocessOptions().Validate(); err != nil {
		return errors.Wrap(err, "preprocess")
	}
	switch c.Engine.Provider {
	case model.ProviderCPU, model.ProviderCUDA, model.ProviderCoreML:
	default:
		return errors.Errorf("unknown engine provider %q", c.Engine.Provider)
	}
	if c.Engine.Warmup < 0 {
		return errors.Errorf("engine warmup must not be negative, got %d", c.Engine.Warmup)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PreprocessOptions converts the preprocess section.
func (c *Config) PreprocessOptions() preprocess.Options {
	return preprocess.Options{
		ResizeMode:    preprocess.ResizeMode(c.Preprocess.Resize),
		Interpolation: c.Preprocess.Interpolation,
		ResizeSize:    c.Preprocess.ResizeSize,
		CropSize:      c.Preprocess.CropSize,
		Mean:          c.Preprocess.Mean,
		Std:           c.Preprocess.Std,
	}
}

// EngineOptions converts the engine section.
func (c *Config) EngineOptions() model.EngineOptions {
	return model.EngineOptions{
		ModelPath:         c.ModelPath,
		SharedLibraryPath: c.ONNXRuntimeLib,
		InputShape:        c.PreprocessOptions().Shape(),
		Provider:          c.Engine.Provider,
		IntraOpThreads:    c.Engine.IntraOpThreads,
		InterOpThreads:    c.Engine.InterOpThreads,
		Warmup:            c.Engine.Warmup,
	}
}

// EffectiveK is the number of classes computed per request.
func (c *Config) EffectiveK() int {
	if c.Response.Mode == ModeTop1 {
		return 1
	}
	return c.Response.K
}
