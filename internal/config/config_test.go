package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8011", cfg.Addr())
	assert.Equal(t, DriverSQLite, cfg.Remote.Driver)
	assert.Equal(t, 5*time.Second, cfg.Remote.PollInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
remote:
  driver: dynamodb
  dynamo_table: nutrition
  dynamo_region: ap-southeast-1
  poll_interval: 2s
auth:
  jwt_secret: a-very-long-test-secret
log:
  level: debug
`)
	t.Setenv("NUTRITION_PORT", "9100")
	t.Setenv("NUTRITION_DYNAMO_ENDPOINT", "http://localhost:8000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, DriverDynamoDB, cfg.Remote.Driver)
	assert.Equal(t, "nutrition", cfg.Remote.DynamoTable)
	assert.Equal(t, "http://localhost:8000", cfg.Remote.DynamoEndpoint)
	assert.Equal(t, 2*time.Second, cfg.Remote.PollInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "a-very-long-test-secret", cfg.Auth.JWTSecret)
}

func TestLoad_AdvisorKeyFallsBackToOpenAIVariable(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Advisor.APIKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "unknown driver", yaml: "remote:\n  driver: mongo\n"},
		{name: "dynamodb without table", yaml: "remote:\n  driver: dynamodb\n  dynamo_region: us-east-1\n"},
		{name: "short secret", yaml: "auth:\n  jwt_secret: short\n"},
		{name: "bad log level", yaml: "log:\n  level: verbose\n"},
		{name: "cache path required on disk", yaml: "cache:\n  path: \"\"\n"},
		{name: "port out of range", env: map[string]string{"NUTRITION_PORT": "70000"}},
		{name: "port not a number", env: map[string]string{"NUTRITION_PORT": "http"}},
		{name: "bad poll interval", env: map[string]string{"NUTRITION_POLL_INTERVAL": "soon"}},
		{name: "malformed yaml", yaml: "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeConfig(t, tt.yaml)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_InMemoryCacheNeedsNoPath(t *testing.T) {
	path := writeConfig(t, "cache:\n  path: \"\"\n  in_memory: true\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Cache.InMemory)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
