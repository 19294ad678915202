package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:1883", cfg.MQTTAddr())
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, "http://localhost:1026", cfg.OrionURL)
	assert.Equal(t, "gateway", cfg.FiwareService)
	assert.Equal(t, "/gateway", cfg.FiwareServicePath)
	assert.Equal(t, 12, cfg.Workers)
	assert.Equal(t, 4096, cfg.QueueCapacity)
	assert.Equal(t, 60*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, "Thing", cfg.DefaultEntityType)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MQTT_HOST", "broker.example.com")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("ORION_URL", "http://orion.example.com:1026")
	t.Setenv("FIWARE_SERVICE", "factory")
	t.Setenv("FIWARE_SERVICEPATH", "/hall1")
	t.Setenv("POSTGRES_HOST", "db.example.com")
	t.Setenv("POSTGRES_DB", "catalog")
	t.Setenv("GATEWAY_WORKERS", "4")
	t.Setenv("GATEWAY_LEASE_TTL", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "broker.example.com:8883", cfg.MQTTAddr())
	assert.Equal(t, "http://orion.example.com:1026", cfg.OrionURL)
	assert.Equal(t, "factory", cfg.FiwareService)
	assert.Equal(t, "/hall1", cfg.FiwareServicePath)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Contains(t, cfg.PostgresDSN(), "host=db.example.com")
	assert.Contains(t, cfg.PostgresDSN(), "dbname=catalog")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mqtt_host: broker.local
workers: 2
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "broker.local:1883", cfg.MQTTAddr())
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt_host: broker.local\n"), 0o600))
	t.Setenv("MQTT_HOST", "broker.env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "broker.env:1883", cfg.MQTTAddr())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("ORION_URL", "not a url")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsBadServicePath(t *testing.T) {
	t.Setenv("FIWARE_SERVICEPATH", "gateway")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsNonNumericWorkers(t *testing.T) {
	t.Setenv("GATEWAY_WORKERS", "plenty")

	_, err := Load("")
	assert.Error(t, err)
}
