package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ANNOTATION_SOURCE_URL", "")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxUploadSize)
	assert.Equal(t, int64(5), cfg.PrepConcurrency)
	assert.Equal(t, 3, cfg.PrepMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.StreamInterval)
	assert.Equal(t, ".pt", cfg.WeightsExtension)
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddress())
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PREP_CONCURRENCY", "2")
	t.Setenv("STREAM_INTERVAL", "500ms")
	t.Setenv("PREP_USE_LOCALIZER", "false")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(2), cfg.PrepConcurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.StreamInterval)
	assert.False(t, cfg.PrepUseLocalizer)
}

func TestLoadFromEnv_NormalizesCollaboratorURLs(t *testing.T) {
	t.Setenv("ANNOTATION_SOURCE_URL", "http://backend:8080/api/")
	t.Setenv("INFERENCE_URL", "http://sidecar:8001/")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "http://backend:8080/api", cfg.AnnotationSourceURL)
	assert.Equal(t, "http://sidecar:8001", cfg.InferenceURL)
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port out of range", "PORT", "70000"},
		{"non numeric port", "PORT", "http"},
		{"bad annotation url", "ANNOTATION_SOURCE_URL", "ftp://example.com"},
		{"bad inference url", "INFERENCE_URL", "not a url"},
		{"inference url with query", "INFERENCE_URL", "http://sidecar:8001?debug=1"},
		{"zero concurrency", "PREP_CONCURRENCY", "0"},
		{"azure without credentials", "ARTIFACT_STORE", "azure"},
		{"unknown artifact store", "ARTIFACT_STORE", "s3"},
		{"extension without dot", "WEIGHTS_EXTENSION", "pt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadFromEnv()
			assert.Error(t, err)
		})
	}
}
