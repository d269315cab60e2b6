package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"ACCESS_TOKEN", "MAX_SHIP_NUM", "BEHAVIOR_AFTER_MAX_SHIP", "DATABASE_URL",
		"DOCKER_IMAGE", "DOCKER_NETWORK", "CONTAINERD_SOCKET",
		"SHIP_HEALTH_CHECK_TIMEOUT", "SHIP_HEALTH_CHECK_INTERVAL",
		"BAY_LISTEN_ADDR", "BAY_METRICS_ADDR",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOCKER_IMAGE", "bay/ship:latest")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.AccessToken)
	assert.Equal(t, 10, cfg.MaxShipNum)
	assert.Equal(t, "wait", cfg.BehaviorAfterMaxShip)
	assert.Equal(t, 60*time.Second, cfg.HealthCheckTimeout)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "bay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_ship_num: 5\ndocker_image: from-yaml\n"), 0o644))

	t.Setenv("MAX_SHIP_NUM", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.MaxShipNum)
	assert.Equal(t, "from-yaml", cfg.DockerImage)
}

func TestLoad_RejectsMissingImage(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_RejectsInvalidBehavior(t *testing.T) {
	clearEnv(t)
	t.Setenv("DOCKER_IMAGE", "bay/ship:latest")
	t.Setenv("BEHAVIOR_AFTER_MAX_SHIP", "explode")

	_, err := Load("")
	require.Error(t, err)
}
