// Package config loads service and calibration settings from an optional
// YAML file followed by environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/leafcheck/internal/contentfilter"
	"github.com/example/leafcheck/internal/embedding"
	"github.com/example/leafcheck/internal/inference"
	"github.com/example/leafcheck/internal/uncertainty"
)

// ClassThresholdPrefix prefixes per-class centroid threshold variables,
// e.g. CENTROID_THRESHOLD_COMMON_RUST.
const ClassThresholdPrefix = "CENTROID_THRESHOLD_"

// Server holds the network and storage endpoints.
type Server struct {
	HTTPAddr         string        `yaml:"http_addr"`
	GRPCAddr         string        `yaml:"grpc_addr"`
	DatabaseDSN      string        `yaml:"database_dsn"`
	RedisAddr        string        `yaml:"redis_addr"`
	JWTSecret        string        `yaml:"jwt_secret"`
	JWTAudience      string        `yaml:"jwt_audience"`
	AdmissionTimeout time.Duration `yaml:"admission_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// Models locates the exported models and the onnxruntime library.
type Models struct {
	RuntimeLibrary     string `yaml:"runtime_library"`
	ClassifierPath     string `yaml:"classifier_path"`
	ClassifierMetadata string `yaml:"classifier_metadata"`
	EmbedderPath       string `yaml:"embedder_path"`
	EmbedderMetadata   string `yaml:"embedder_metadata"`
}

// Centroids selects where the centroid table is loaded from. File wins over
// DatabaseDSN when both are set.
type Centroids struct {
	File        string `yaml:"file"`
	DatabaseDSN string `yaml:"database_dsn"`
	Table       string `yaml:"table"`
}

// Samples configures retention of rejected and uncertain images.
// KeepAccepted also retains accepted images, which is useful when
// collecting a labelled set for recalibration.
type Samples struct {
	Enabled      bool   `yaml:"enabled"`
	Dir          string `yaml:"dir"`
	KeepAccepted bool   `yaml:"keep_accepted"`
}

// Config is the full process configuration.
type Config struct {
	LogLevel  string                   `yaml:"log_level"`
	Server    Server                   `yaml:"server"`
	Models    Models                   `yaml:"models"`
	Centroids Centroids                `yaml:"centroids"`
	Samples   Samples                  `yaml:"samples"`
	Content   contentfilter.Thresholds `yaml:"content"`
	Embedding embedding.Thresholds     `yaml:"embedding"`
	Ensemble  inference.Settings       `yaml:"ensemble"`
	Decision  uncertainty.Thresholds   `yaml:"decision"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: Server{
			HTTPAddr:         ":8080",
			GRPCAddr:         ":9090",
			DatabaseDSN:      "host=postgres user=postgres password=postgres dbname=leafcheck port=5432 sslmode=disable",
			RedisAddr:        "redis:6379",
			JWTSecret:        "dev-secret",
			AdmissionTimeout: 30 * time.Second,
			ShutdownTimeout:  15 * time.Second,
		},
		Models: Models{
			ClassifierPath:     "models/classifier.onnx",
			ClassifierMetadata: "models/classifier.json",
			EmbedderPath:       "models/embedder.onnx",
			EmbedderMetadata:   "models/embedder.json",
		},
		Centroids: Centroids{
			File:  "models/class_centroids.json",
			Table: embedding.DefaultTableName,
		},
		Samples: Samples{
			Enabled: true,
			Dir:     "ood_samples",
		},
		Content:   contentfilter.DefaultThresholds(),
		Embedding: embedding.DefaultThresholds(),
		Ensemble:  inference.DefaultSettings(),
		Decision:  uncertainty.DefaultThresholds(),
	}
}

// Load reads path (if non-empty), applies environment overrides and validates
// the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	envString("LOG_LEVEL", &c.LogLevel)

	envString("HTTP_ADDR", &c.Server.HTTPAddr)
	envString("GRPC_ADDR", &c.Server.GRPCAddr)
	envString("DATABASE_DSN", &c.Server.DatabaseDSN)
	envString("REDIS_ADDR", &c.Server.RedisAddr)
	envString("JWT_SECRET", &c.Server.JWTSecret)
	envString("JWT_AUDIENCE", &c.Server.JWTAudience)
	collect(envDuration("ADMISSION_TIMEOUT", &c.Server.AdmissionTimeout))
	collect(envDuration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout))

	envString("ONNXRUNTIME_LIB", &c.Models.RuntimeLibrary)
	envString("CLASSIFIER_MODEL", &c.Models.ClassifierPath)
	envString("CLASSIFIER_METADATA", &c.Models.ClassifierMetadata)
	envString("EMBEDDER_MODEL", &c.Models.EmbedderPath)
	envString("EMBEDDER_METADATA", &c.Models.EmbedderMetadata)

	envString("CENTROIDS_FILE", &c.Centroids.File)
	envString("CENTROIDS_DSN", &c.Centroids.DatabaseDSN)
	envString("CENTROIDS_TABLE", &c.Centroids.Table)

	collect(envBool("SAVE_SAMPLES", &c.Samples.Enabled))
	envString("SAMPLES_DIR", &c.Samples.Dir)
	collect(envBool("SAVE_ACCEPTED_SAMPLES", &c.Samples.KeepAccepted))

	collect(envFloat("MIN_GREEN_RATIO", &c.Content.MinGreenRatio))
	collect(envFloat("MAX_GREEN_RATIO", &c.Content.MaxGreenRatio))
	collect(envFloat("MAX_BLUE_RATIO", &c.Content.MaxBlueRatio))
	collect(envFloat("MIN_COLOR_VARIANCE", &c.Content.MinColorVariance))
	collect(envFloat("MIN_BRIGHTNESS_STD", &c.Content.MinBrightnessStd))
	collect(envFloat("MAX_BRIGHT_GREEN_RATIO", &c.Content.MaxBrightGreenRatio))
	collect(envFloat("MAX_BRIGHTNESS_MEAN", &c.Content.MaxBrightnessMean))

	if v := os.Getenv("EMBEDDING_MODE"); v != "" {
		mode, err := embedding.ParseMode(strings.ToLower(v))
		collect(err)
		if err == nil {
			c.Embedding.Mode = mode
		}
	}
	collect(envFloat("CENTROID_THRESHOLD", &c.Embedding.Global))
	collect(c.applyClassThresholds())

	collect(envBool("TTA_ENABLED", &c.Ensemble.Enabled))
	collect(envInt("TTA_TRANSFORMS", &c.Ensemble.Transforms))
	collect(envFloat("TEMP_SCALE", &c.Ensemble.Temperature))

	collect(envFloat("MIN_CONFIDENCE", &c.Decision.ConfidenceFloor))
	collect(envFloat("MIN_MARGIN", &c.Decision.MarginFloor))
	collect(envFloat("UNCERTAINTY_THRESHOLD", &c.Decision.UncertaintyCeiling))
	collect(envFloat("ENTROPY_CEILING", &c.Decision.EntropyCeiling))
	collect(envFloat("WEIGHT_CONFIDENCE", &c.Decision.Weights.Confidence))
	collect(envFloat("WEIGHT_ENTROPY", &c.Decision.Weights.Entropy))
	collect(envFloat("WEIGHT_MARGIN", &c.Decision.Weights.Margin))

	return errors.Join(errs...)
}

func (c *Config) applyClassThresholds() error {
	var errs []error
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, ClassThresholdPrefix) || value == "" {
			continue
		}
		label := embedding.NormalizeLabel(strings.TrimPrefix(key, ClassThresholdPrefix))
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if c.Embedding.PerClass == nil {
			c.Embedding.PerClass = make(map[string]float64)
		}
		c.Embedding.PerClass[label] = f
	}
	return errors.Join(errs...)
}

// Validate checks that every threshold is usable.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	ratio := func(name string, v float64) {
		check(v >= 0 && v <= 1, "%s must be within [0,1], got %v", name, v)
	}

	ct := c.Content
	ratio("content.min_green_ratio", ct.MinGreenRatio)
	ratio("content.max_green_ratio", ct.MaxGreenRatio)
	ratio("content.max_blue_ratio", ct.MaxBlueRatio)
	ratio("content.max_bright_green_ratio", ct.MaxBrightGreenRatio)
	ratio("content.max_brightness_mean", ct.MaxBrightnessMean)
	check(ct.MinGreenRatio <= ct.MaxGreenRatio, "content.min_green_ratio %v exceeds max_green_ratio %v", ct.MinGreenRatio, ct.MaxGreenRatio)
	check(ct.MinColorVariance >= 0, "content.min_color_variance must not be negative")
	check(ct.MinBrightnessStd >= 0, "content.min_brightness_std must not be negative")

	if _, err := embedding.ParseMode(string(c.Embedding.Mode)); err != nil {
		errs = append(errs, err)
	}
	check(c.Embedding.Global > 0, "embedding.global_threshold must be positive, got %v", c.Embedding.Global)
	for label, v := range c.Embedding.PerClass {
		check(v > 0, "embedding.class_thresholds[%s] must be positive, got %v", label, v)
	}

	check(c.Ensemble.Transforms >= 1, "ensemble.transforms must be at least 1, got %d", c.Ensemble.Transforms)
	check(c.Ensemble.Temperature > 0, "ensemble.temperature must be positive, got %v", c.Ensemble.Temperature)

	d := c.Decision
	ratio("decision.confidence_floor", d.ConfidenceFloor)
	ratio("decision.margin_floor", d.MarginFloor)
	check(d.UncertaintyCeiling >= 0, "decision.uncertainty_ceiling must not be negative")
	check(d.Weights.Confidence >= 0 && d.Weights.Entropy >= 0 && d.Weights.Margin >= 0, "decision.weights must not be negative")

	check(c.Server.AdmissionTimeout >= 0, "server.admission_timeout must not be negative")
	check(c.Samples.Dir != "" || !c.Samples.Enabled, "samples.dir is required when samples are enabled")

	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
