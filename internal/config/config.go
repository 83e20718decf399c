package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"go-defect-inspector/pkg/validation"
)

type Config struct {
	Host           string
	Port           string
	LogLevel       string
	RequestTimeout time.Duration
	FetchTimeout   time.Duration
	MaxUploadSize  int64

	// Collaborators
	AnnotationSourceURL string
	InferenceURL        string

	// Models
	LocalizerWeights   string
	ClassifierWeights  string
	RetrainedModelsDir string
	BaseModelsDir      string
	ActiveModelRecord  string
	WeightsExtension   string

	// Datasets and training
	DatasetDir        string
	BaseDatasetDir    string
	TrainingWorkDir   string
	TrainingOutputDir string
	StreamInterval    time.Duration

	// Dataset preparation
	PrepConcurrency   int64
	PrepMaxAttempts   int
	PrepBackoffBase   time.Duration
	PrepSkipImageType string
	PrepUseLocalizer  bool
	PrepQualityCheck  bool

	// Optional weights archive
	ArtifactStore         string
	ArtifactArchiveDir    string
	AzureStorageAccount   string
	AzureStorageKey       string
	AzureStorageContainer string
}

func (c *Config) ServerAddress() string {
	// Trim any whitespace from host and port
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// LoadFromEnv reads configuration from the environment, after applying an
// optional .env file from the working directory.
func LoadFromEnv() (*Config, error) {
	// A missing .env file is not an error
	_ = godotenv.Load()

	cfg := &Config{
		Host:           getEnvOrDefault("HOST", "0.0.0.0"),
		Port:           getEnvOrDefault("PORT", "8080"),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		RequestTimeout: parseDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second),
		FetchTimeout:   parseDurationOrDefault("FETCH_TIMEOUT", 30*time.Second),
		MaxUploadSize:  parseIntOrDefault("MAX_UPLOAD_SIZE", 10*1024*1024), // 10MB

		AnnotationSourceURL: getEnvOrDefault("ANNOTATION_SOURCE_URL", "http://localhost:8080"),
		InferenceURL:        getEnvOrDefault("INFERENCE_URL", "http://localhost:8001"),

		LocalizerWeights:   getEnvOrDefault("LOCALIZER_WEIGHTS", "weights/segment/best.pt"),
		ClassifierWeights:  getEnvOrDefault("CLASSIFIER_WEIGHTS", "weights/defects/best.pt"),
		RetrainedModelsDir: getEnvOrDefault("RETRAINED_MODELS_DIR", "retrained_models"),
		BaseModelsDir:      getEnvOrDefault("BASE_MODELS_DIR", "weights/defects"),
		ActiveModelRecord:  getEnvOrDefault("ACTIVE_MODEL_RECORD", "active_model.json"),
		WeightsExtension:   getEnvOrDefault("WEIGHTS_EXTENSION", ".pt"),

		DatasetDir:        getEnvOrDefault("DATASET_DIR", "new_dataset"),
		BaseDatasetDir:    getEnvOrDefault("BASE_DATASET_DIR", "base_dataset"),
		TrainingWorkDir:   getEnvOrDefault("TRAINING_WORK_DIR", os.TempDir()),
		TrainingOutputDir: getEnvOrDefault("TRAINING_OUTPUT_DIR", "retrained_models"),
		StreamInterval:    parseDurationOrDefault("STREAM_INTERVAL", 2*time.Second),

		PrepConcurrency:   parseIntOrDefault("PREP_CONCURRENCY", 5),
		PrepMaxAttempts:   int(parseIntOrDefault("PREP_MAX_ATTEMPTS", 3)),
		PrepBackoffBase:   parseDurationOrDefault("PREP_BACKOFF_BASE", time.Second),
		PrepSkipImageType: getEnvOrDefault("PREP_SKIP_IMAGE_TYPE", "BASELINE"),
		PrepUseLocalizer:  parseBoolOrDefault("PREP_USE_LOCALIZER", true),
		PrepQualityCheck:  parseBoolOrDefault("PREP_QUALITY_CHECK", true),

		ArtifactStore:         getEnvOrDefault("ARTIFACT_STORE", "none"),
		ArtifactArchiveDir:    getEnvOrDefault("ARTIFACT_ARCHIVE_DIR", "weights_archive"),
		AzureStorageAccount:   os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureStorageKey:       os.Getenv("AZURE_STORAGE_KEY"),
		AzureStorageContainer: getEnvOrDefault("AZURE_STORAGE_CONTAINER", "model-weights"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements
func (c *Config) Validate() error {
	// Validate port is numeric and in range
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be > 0 (got %d)", c.MaxUploadSize)
	}
	if c.RequestTimeout <= 0 || c.FetchTimeout <= 0 || c.StreamInterval <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, fetch=%s, stream=%s)",
			c.RequestTimeout, c.FetchTimeout, c.StreamInterval)
	}
	if c.PrepConcurrency < 1 {
		return fmt.Errorf("PREP_CONCURRENCY must be >= 1 (got %d)", c.PrepConcurrency)
	}
	if c.PrepMaxAttempts < 1 {
		return fmt.Errorf("PREP_MAX_ATTEMPTS must be >= 1 (got %d)", c.PrepMaxAttempts)
	}
	if !strings.HasPrefix(c.WeightsExtension, ".") {
		return fmt.Errorf("WEIGHTS_EXTENSION must start with a dot (got %q)", c.WeightsExtension)
	}

	urls := validation.NewURLValidator()
	annotations, err := urls.NormalizeBaseURL(c.AnnotationSourceURL)
	if err != nil {
		return fmt.Errorf("invalid ANNOTATION_SOURCE_URL: %w", err)
	}
	inference, err := urls.NormalizeBaseURL(c.InferenceURL)
	if err != nil {
		return fmt.Errorf("invalid INFERENCE_URL: %w", err)
	}
	c.AnnotationSourceURL = annotations
	c.InferenceURL = inference

	switch c.ArtifactStore {
	case "none", "local":
	case "azure":
		if c.AzureStorageAccount == "" || c.AzureStorageKey == "" {
			return fmt.Errorf("ARTIFACT_STORE=azure requires AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY")
		}
	default:
		return fmt.Errorf("unsupported ARTIFACT_STORE: %q", c.ArtifactStore)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}
