package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_ENV_VAR", "test-value")
	defer os.Unsetenv("TEST_ENV_VAR")

	value := getEnv("TEST_ENV_VAR", "default-value")
	assert.Equal(t, "test-value", value)

	value = getEnv("NON_EXISTENT_VAR", "default-value")
	assert.Equal(t, "default-value", value)
}

func TestGetEnvAsInt(t *testing.T) {
	os.Setenv("TEST_INT_VAR", "42")
	defer os.Unsetenv("TEST_INT_VAR")

	value := getEnvAsInt("TEST_INT_VAR", 10)
	assert.Equal(t, 42, value)

	os.Setenv("TEST_INVALID_INT_VAR", "not-an-int")
	defer os.Unsetenv("TEST_INVALID_INT_VAR")

	value = getEnvAsInt("TEST_INVALID_INT_VAR", 10)
	assert.Equal(t, 10, value)

	value = getEnvAsInt("NON_EXISTENT_VAR", 10)
	assert.Equal(t, 10, value)
}

func TestValidateConfig(t *testing.T) {
	valid := &Config{
		API: APIConfig{
			BearerToken:    "token",
			RequestTimeout: 30,
		},
		Archive:  ArchiveConfig{Dir: "/tmp/export"},
		Cache:    CacheConfig{Path: "./cache.db"},
		Pipeline: PipelineConfig{Workers: 3},
	}
	assert.NoError(t, validateConfig(valid))

	missingToken := *valid
	missingToken.API.BearerToken = ""
	assert.Error(t, validateConfig(&missingToken))

	missingDir := *valid
	missingDir.Archive.Dir = ""
	assert.Error(t, validateConfig(&missingDir))

	badTimeout := *valid
	badTimeout.API.RequestTimeout = 0
	assert.Error(t, validateConfig(&badTimeout))

	badWorkers := *valid
	badWorkers.Pipeline.Workers = 0
	assert.Error(t, validateConfig(&badWorkers))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	body := "BIRDSEYE_BEARER_TOKEN=secret\n" +
		"BIRDSEYE_ARCHIVE_DIR=" + dir + "\n" +
		"BIRDSEYE_WORKERS=5\n" +
		"SERVER_PORT=9090\n"
	require.NoError(t, os.WriteFile(envPath, []byte(body), 0644))

	config, err := LoadConfig(envPath, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "secret", config.API.BearerToken)
	assert.Equal(t, dir, config.Archive.Dir)
	assert.Equal(t, 5, config.Pipeline.Workers)
	assert.Equal(t, 9090, config.Server.Port)
	// defaults fill in everything else
	assert.Equal(t, "https://api.twitter.com", config.API.BaseURL)
	assert.Equal(t, 30, config.API.RequestTimeout)
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.env"), testLogger())
	assert.Error(t, err)
}
