package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServicePort)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxChunkSize)
	assert.Equal(t, "10MiB", cfg.MaxChunkSizeHuman())
	assert.True(t, cfg.VerifyFingerprint)
	assert.Equal(t, 24*time.Hour, cfg.StaleUploadTTL)
	assert.Equal(t, BackendMinIO, cfg.StorageBackend)
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
	assert.Equal(t, "root:@tcp(localhost:4000)/edushare?charset=utf8mb4&parseTime=True&loc=UTC", cfg.GetDSN())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("MAX_CHUNK_SIZE", "5MB")
	t.Setenv("VERIFY_FINGERPRINT", "false")
	t.Setenv("SWEEP_INTERVAL", "90s")
	t.Setenv("STORAGE_BACKEND", "Memory")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, int64(5*1024*1024), cfg.MaxChunkSize)
	assert.False(t, cfg.VerifyFingerprint)
	assert.Equal(t, 90*time.Second, cfg.SweepInterval)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "service_port: 9090\nredis_db: 3\nminio_bucket_name: from-file\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("MINIO_BUCKET_NAME", "from-env")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServicePort)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "from-env", cfg.MinIOBucketName)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	t.Run("bad size", func(t *testing.T) {
		t.Setenv("MAX_CHUNK_SIZE", "lots")
		_, err := LoadConfig()
		require.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("STORAGE_BACKEND", "floppy")
		_, err := LoadConfig()
		require.Error(t, err)
	})

	for _, key := range []string{"SWEEP_INTERVAL", "STALE_UPLOAD_TTL", "ASSEMBLY_LOCK_TTL"} {
		t.Run("zero "+key, func(t *testing.T) {
			t.Setenv(key, "0s")
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}

	t.Run("negative sweep interval", func(t *testing.T) {
		t.Setenv("SWEEP_INTERVAL", "-1m")
		_, err := LoadConfig()
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := LoadConfig()
		require.Error(t, err)
	})
}
