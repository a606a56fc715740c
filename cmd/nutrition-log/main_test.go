package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"mcp-nutrition-log/internal/config"
	"mcp-nutrition-log/internal/session"
)

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = newLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	const secret = "a-very-long-test-secret"
	t.Setenv("NUTRITION_JWT_SECRET", secret)
	t.Setenv("NUTRITION_CACHE_IN_MEMORY", "true")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--user", "user-42", "--ttl", "1h"})
	require.NoError(t, rootCmd.Execute())

	auth, err := session.NewAuthenticator(session.AuthConfig{Secret: secret})
	require.NoError(t, err)
	userID, err := auth.Validate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), version)
}
