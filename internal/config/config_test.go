package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsCarryStandardTimings(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.Second, cfg.Registry.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Registry.UnavailableTimeout)
	assert.Equal(t, 30*time.Second, cfg.Registry.DeadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Registry.SnapshotTTL)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Cooldown)
	assert.Equal(t, 5*time.Second, cfg.Bus.RequestTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, ":8080", cfg.API.Listen)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysYAMLOnDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: fleet-coordinator
  address: 10.1.2.3
redis:
  addr: redis.internal:6379
  db: 2
registry:
  dead_timeout: 45s
game:
  slots:
    - suffix: slot-1
      max_players: 16
      metadata:
        family: bedwars
        variant: four_four
  families:
    - family_id: skywars
      variant_id: solo
      min_players: 2
      max_players: 12
      factor: 14
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fleet-coordinator", cfg.Node.ID)
	assert.Equal(t, "10.1.2.3", cfg.Node.Address)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 45*time.Second, cfg.Registry.DeadTimeout)
	// Untouched fields keep their defaults.
	assert.Equal(t, time.Second, cfg.Registry.HeartbeatInterval)

	require.Len(t, cfg.Game.Slots, 1)
	assert.Equal(t, "slot-1", cfg.Game.Slots[0].Suffix)
	assert.Equal(t, 16, cfg.Game.Slots[0].MaxPlayers)
	assert.Equal(t, map[string]string{"family": "bedwars", "variant": "four_four"}, cfg.Game.Slots[0].Metadata)
	require.Len(t, cfg.Game.Families, 1)
	assert.Equal(t, "skywars", cfg.Game.Families[0].FamilyID)
	assert.Equal(t, 14, cfg.Game.Families[0].Factor)
}

func TestEnvironmentOverridesWin(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: from-yaml:6379
`)
	t.Setenv("FULCRUM_REDIS_ADDR", "from-env:6379")
	t.Setenv("FULCRUM_REDIS_DB", "7")
	t.Setenv("FULCRUM_NODE_ID", "registry-b")
	t.Setenv("FULCRUM_API_LISTEN", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
	assert.Equal(t, 7, cfg.Redis.DB)
	assert.Equal(t, "registry-b", cfg.Node.ID)
	assert.Equal(t, ":9090", cfg.API.Listen)
}

func TestValidateRejectsBadTimings(t *testing.T) {
	path := writeConfig(t, `
registry:
  unavailable_timeout: 30s
  dead_timeout: 5s
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable_timeout")
}

func TestValidateRejectsMissingRedisAddr(t *testing.T) {
	cfg := Default()
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "node: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}
