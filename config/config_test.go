package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sireax/presence"
)

const testConfig = `
server:
  host: "127.0.0.1"
  port: "9000"
redis:
  prefix: "presence"
  shards:
    - host: "localhost"
      port: 6380
channels:
  "/topic-reply":
    public: true
    timeout: 60
  "/admin":
    allowed_group_ids: [3]
    count_only: true
reap_interval: 5
log_level: "debug"
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presenced.yml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	require.Equal(t, "9000", cfg.Server.Port)
	require.Len(t, cfg.Redis.Shards, 1)
	require.Equal(t, 6380, cfg.Redis.Shards[0].Port)

	require.Equal(t, 5*time.Second, cfg.ReapInterval())
	require.Equal(t, presence.LogLevelDebug, cfg.ParseLogLevel())

	topic := cfg.Channels["/topic-reply"]
	require.NotNil(t, topic)
	require.True(t, topic.Public)
	require.Equal(t, 60, topic.TimeoutSeconds)

	admin := cfg.Channels["/admin"]
	require.NotNil(t, admin)
	require.True(t, admin.CountOnly)
	require.Equal(t, []int64{3}, admin.AllowedGroupIDs)
}

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presenced.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  host: \"0.0.0.0\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Server.Port)
	require.Len(t, cfg.Redis.Shards, 1)
	require.Equal(t, 6379, cfg.Redis.Shards[0].Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yml")
	require.Error(t, err)
}
