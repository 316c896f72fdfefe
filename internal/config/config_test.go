package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app_port: "9000"
store_driver: memory
jwt_secret: from-file
outbox_batch_size: 10
op_timeout: 3s
notify_sinks: [inbox]
`), 0o600))

	t.Setenv("APP_PORT", "9100")
	t.Setenv("NOTIFY_SINKS", "inbox, WebSocket")
	t.Setenv("DEFAULT_CURRENCY", "eur")

	cfg, err := load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.AppPort)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, 10, cfg.OutboxBatchSize)
	assert.Equal(t, 3*time.Second, cfg.OpTimeout)
	assert.Equal(t, []string{"inbox", "websocket"}, cfg.NotifySinks)
	assert.Equal(t, "EUR", cfg.DefaultCurrency)
	assert.True(t, cfg.SinkEnabled("websocket"))
	assert.False(t, cfg.SinkEnabled("kafka"))
}

func TestLoadPanicsWithoutSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CONFIG_FILE", "")

	assert.PanicsWithValue(t, "missing env: JWT_SECRET", func() { Load() })
}

func TestValidate(t *testing.T) {
	base := defaults()
	base.JWTSecret = "s"
	require.NoError(t, base.Validate())

	kafka := base
	kafka.NotifySinks = []string{"kafka"}
	assert.ErrorContains(t, kafka.Validate(), "KAFKA_BROKERS")
	kafka.KafkaBrokers = []string{"localhost:9092"}
	assert.NoError(t, kafka.Validate())

	batch := base
	batch.OutboxBatchSize = 0
	assert.Error(t, batch.Validate())

	driver := base
	driver.StoreDriver = "mongo"
	assert.ErrorContains(t, driver.Validate(), "STORE_DRIVER")

	sink := base
	sink.NotifySinks = []string{"email"}
	assert.ErrorContains(t, sink.Validate(), "email")
}
