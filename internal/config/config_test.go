package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Defaults without a file", func(t *testing.T) {
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)

		assert.Equal(t, "alert-scheduler", cfg.App.Name)
		assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
		assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
		assert.Equal(t, "simple", cfg.Scheduler.Type)
		assert.Equal(t, 10, cfg.Scheduler.CorePoolSize)
		assert.Equal(t, 3, cfg.Scheduler.MaxRetryCount)
		assert.Equal(t, time.Minute, cfg.Scheduler.RetryInterval())
		assert.Equal(t, "local", cfg.Lock.Type)
		assert.Equal(t, 300*time.Second, cfg.Lock.TTL)
		assert.Equal(t, ":9090", cfg.Metrics.Addr)
		assert.Equal(t, 5.0, cfg.Notify.SMSRatePerSecond)
	})

	t.Run("File and environment", func(t *testing.T) {
		dir := t.TempDir()
		yaml := `
scheduler:
  type: persistent
  core_pool_size: 4
lock:
  type: redis
notify:
  email:
    host: smtp.example.com
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
		t.Setenv("ALERTSCHED_NATS_URL", "nats://nats:4222")
		t.Setenv("ALERTSCHED_SCHEDULER_CORE_POOL_SIZE", "8")

		cfg, err := Load(dir)
		require.NoError(t, err)
		assert.Equal(t, "persistent", cfg.Scheduler.Type)
		assert.Equal(t, 8, cfg.Scheduler.CorePoolSize)
		assert.Equal(t, "redis", cfg.Lock.Type)
		assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
		assert.Equal(t, "smtp.example.com", cfg.Notify.Email.Host)
		assert.Equal(t, 587, cfg.Notify.Email.Port)
	})

	t.Run("Lock types", func(t *testing.T) {
		tests := []struct {
			lockType string
			valid    bool
		}{
			{LockLocal, true},
			{LockSQLite, true},
			{LockRedis, true},
			{"store", false},
			{"etcd", false},
		}
		for _, tt := range tests {
			t.Run(tt.lockType, func(t *testing.T) {
				dir := t.TempDir()
				require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("lock:\n  type: "+tt.lockType+"\n"), 0o644))
				cfg, err := Load(dir)
				if !tt.valid {
					assert.ErrorContains(t, err, "lock.type")
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tt.lockType, cfg.Lock.Type)
			})
		}
	})

	t.Run("Rejects invalid values", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("lock:\n  type: etcd\n"), 0o644))
		_, err := Load(dir)
		assert.ErrorContains(t, err, "lock.type")

		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("scheduler: ["), 0o644))
		_, err = Load(dir)
		assert.ErrorContains(t, err, "failed to read config file")
	})
}
