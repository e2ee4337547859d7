package coremain

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/replaycache/pkg/replay"
)

func TestDefaultConfigRoundTrip(t *testing.T) {
	b, err := marshalConfig(defaultConfig())
	require.NoError(t, err)
	require.Contains(t, string(b), "flush_interval: 2ms")

	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	cfg, used, err := loadConfig(p)
	require.NoError(t, err)
	require.Equal(t, p, used)

	want := defaultConfig()
	opt := cmpopts.IgnoreFields(replay.Config{}, "Logger", "Metrics", "Backend")
	if d := cmp.Diff(want, cfg, opt); d != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", d)
	}
}

func TestLoadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
log:
  level: debug
cache:
  retained_epochs: 4
  starting_epoch: "17"
  storage:
    type: redis
    redis_url: redis://127.0.0.1:6379/0
  flush_interval: 5ms
  not_retained_policy: treat_as_replay
api:
  http: 127.0.0.1:0
`), 0o644))

	cfg, _, err := loadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 4, cfg.Cache.RetainedEpochs)
	require.Equal(t, uint64(17), cfg.Cache.StartingEpoch)
	require.Equal(t, replay.StorageRedis, cfg.Cache.Storage.Type)
	require.Equal(t, 5*time.Millisecond, cfg.Cache.FlushInterval)
	require.Equal(t, replay.PolicyTreatAsReplay, cfg.Cache.NotRetainedPolicy)
}

func TestLoadConfig_UnknownKey(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("cache:\n  bloom_filter: true\n"), 0o644))
	_, _, err := loadConfig(p)
	require.Error(t, err)
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	cfg := replay.Config{
		StartingEpoch:  3,
		RetainedEpochs: 3,
		Storage:        replay.StorageConfig{Path: dir},
		FlushInterval:  time.Millisecond,
	}
	c, err := replay.Open(cfg)
	require.NoError(t, err)
	defer c.Close()

	for e, n := range map[uint64]int{1: 2, 3: 1} {
		for i := 0; i < n; i++ {
			b := make([]byte, 32)
			b[0], b[1] = byte(e), byte(i)
			_, err := c.CheckAndInsert(context.Background(), b, e)
			require.NoError(t, err)
		}
	}

	// Read-only inspection works while the cache holds the log.
	icfg := replay.Config{Storage: replay.StorageConfig{Path: dir}}
	r, err := inspect(&icfg)
	require.NoError(t, err)
	require.Equal(t, 3, r.Records)
	require.Nil(t, r.Marker)
	require.Equal(t, []inspectEpoch{{Epoch: 1, Records: 2}, {Epoch: 3, Records: 1}}, r.Epochs)
}
