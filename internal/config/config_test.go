package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/ontology-robot/internal/blob"
)

func TestLoadConfig_ValidJSON(t *testing.T) {
	content := `{
		"port": 9090,
		"database_url": "postgres://localhost/robot",
		"engine": {"url": "http://engine:8000", "timeout_seconds": 60},
		"snapshots": {"url": "http://projects:8000"},
		"pool": {"core_size": 2, "max_size": 4},
		"verbose": true
	}`

	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres://localhost/robot", cfg.DatabaseURL)
	assert.Equal(t, "http://engine:8000", cfg.Engine.URL)
	assert.Equal(t, time.Minute, cfg.Engine.Timeout())
	assert.Equal(t, "http://projects:8000", cfg.Snapshots.URL)
	assert.Equal(t, 4, cfg.Pool.MaxSize)
	assert.True(t, cfg.Verbose)
}

func TestLoadConfig_ValidTOML(t *testing.T) {
	content := `
port = 7070

[engine]
url = "http://engine:8000"

[outputs.minio]
endpoint = "minio:9000"
bucket = "robot"
access_key = "key"
secret_key = "secret"

[pool]
core_size = 1
max_size = 2
queue_size = 10
keep_alive_seconds = 30
`
	tmpFile := filepath.Join(t.TempDir(), "robot.toml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	require.NotNil(t, cfg.Outputs.Minio)
	assert.Equal(t, "robot", cfg.Outputs.Minio.Bucket)
	w := cfg.Pool.Worker()
	assert.Equal(t, 10, w.QueueSize)
	assert.Equal(t, 30*time.Second, w.KeepAlive)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{ invalid json }`), 0644))

	cfg, err := LoadConfig(tmpFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config JSON")
}

func TestLoadConfig_InvalidTOML(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("port = = 1"), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config TOML")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "config path is empty")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "defaults", cfg: Defaults()},
		{name: "bad port", cfg: Config{Port: 70000}, wantErr: "port"},
		{
			name:    "both snapshot sources",
			cfg:     Config{Snapshots: SnapshotConfig{URL: "http://x", Dir: "/tmp"}},
			wantErr: "mutually exclusive",
		},
		{
			name:    "core above max",
			cfg:     Config{Pool: PoolConfig{CoreSize: 8, MaxSize: 2}},
			wantErr: "core_size",
		},
		{
			name:    "dir and minio",
			cfg:     Config{Outputs: OutputConfig{Dir: "out", Minio: &blob.MinioConfig{Endpoint: "m", Bucket: "b"}}},
			wantErr: "mutually exclusive",
		},
		{
			name:    "minio without bucket",
			cfg:     Config{Outputs: OutputConfig{Minio: &blob.MinioConfig{Endpoint: "m"}}},
			wantErr: "bucket",
		},
		{
			name:    "missing snapshot dir",
			cfg:     Config{Snapshots: SnapshotConfig{Dir: "/nonexistent/snapshots"}},
			wantErr: "not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DATABASE_URL", "postgres://env/robot")
	t.Setenv("ENGINE_URL", "http://env-engine")
	t.Setenv("MINIO_ENDPOINT", "minio:9000")
	t.Setenv("MINIO_BUCKET", "env-bucket")
	t.Setenv("AUTH_ENABLED", "true")

	cfg := Config{DatabaseURL: "postgres://file/robot"}
	cfg.ApplyEnv()

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "postgres://env/robot", cfg.DatabaseURL)
	assert.Equal(t, "http://env-engine", cfg.Engine.URL)
	require.NotNil(t, cfg.Outputs.Minio)
	assert.Equal(t, "env-bucket", cfg.Outputs.Minio.Bucket)
	assert.True(t, cfg.Auth.Enabled)
}

func TestMergeWithDefaults(t *testing.T) {
	partial := Config{
		Port:   9000,
		Engine: EngineConfig{URL: "http://engine"},
		Pool:   PoolConfig{CoreSize: 1},
	}

	merged := partial.MergeWithDefaults(Defaults())

	// Custom values should be preserved
	assert.Equal(t, 9000, merged.Port)
	assert.Equal(t, "http://engine", merged.Engine.URL)
	assert.Equal(t, 1, merged.Pool.CoreSize)

	// Default values should fill in empty fields
	assert.Equal(t, 300, merged.Engine.TimeoutSeconds)
	assert.Equal(t, "outputs", merged.Outputs.Dir)
	assert.Equal(t, Defaults().Pool.MaxSize, merged.Pool.MaxSize)
}

func TestMergeWithDefaults_KeepsMinioOutputs(t *testing.T) {
	cfg := Config{Outputs: OutputConfig{Minio: &blob.MinioConfig{Endpoint: "m", Bucket: "b"}}}

	merged := cfg.MergeWithDefaults(Defaults())

	assert.Empty(t, merged.Outputs.Dir)
	assert.NotNil(t, merged.Outputs.Minio)
}
