package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/types"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	assert.NotNil(cfg.Sync)
	assert.NotNil(cfg.P2P)
	assert.NotNil(cfg.Instrumentation)

	// check the root dir stuff...
	cfg.SetRoot("/foo")
	assert.Equal("/foo/data", cfg.DBDir())
	cfg.DBPath = "/opt/data"
	assert.Equal("/opt/data", cfg.DBDir())
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.Sync.MaxBlocksPerRequest = 0
	err := cfg.ValidateBasic()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[sync]")
}

func TestBaseConfigValidateBasic(t *testing.T) {
	cfg := TestBaseConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.LogFormat = "invalid"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.Moniker = "two words"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.DBBackend = "cleveldb"
	assert.Error(t, cfg.ValidateBasic())
}

func TestSyncConfigValidateBasic(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(*SyncConfig)
		expectErr bool
	}{
		{"default", func(*SyncConfig) {}, false},
		{"light role", func(c *SyncConfig) { c.Role = "light" }, false},
		{"unknown role", func(c *SyncConfig) { c.Role = "archive" }, true},
		{"zero tick", func(c *SyncConfig) { c.TickInterval = 0 }, true},
		{"zero queue", func(c *SyncConfig) { c.EventQueueSize = 0 }, true},
		{"window above queue", func(c *SyncConfig) { c.MaxQueuedBlocks = c.MaxBlocksPerRequest - 1 }, true},
		{"negative threshold", func(c *SyncConfig) { c.MajorSyncThreshold = -1 }, true},
		{"zero depth", func(c *SyncConfig) { c.MaxAncestorSearchDepth = 0 }, true},
		{"negative retries", func(c *SyncConfig) { c.MaxProbeRetries = -1 }, true},
		{"zero strikes", func(c *SyncConfig) { c.MaxPeerStrikes = 0 }, true},
		{"zero retry interval", func(c *SyncConfig) { c.JustificationRetryInterval = 0 }, true},
		{"zero cache", func(c *SyncConfig) { c.AnnounceCacheSize = 0 }, true},
		{"zero lookback", func(c *SyncConfig) { c.MaxForkLookback = 0 }, true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := TestSyncConfig()
			tc.modify(cfg)
			if tc.expectErr {
				assert.Error(t, cfg.ValidateBasic())
			} else {
				assert.NoError(t, cfg.ValidateBasic())
			}
		})
	}
}

func TestSyncConfigNodeRole(t *testing.T) {
	cfg := DefaultSyncConfig()
	role, err := cfg.NodeRole()
	require.NoError(t, err)
	assert.Equal(t, types.RoleFull, role)

	cfg.Role = "LIGHT"
	role, err = cfg.NodeRole()
	require.NoError(t, err)
	assert.Equal(t, types.RoleLight, role)
}

func TestP2PConfigValidateBasic(t *testing.T) {
	cfg := TestP2PConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.RangeTimeout = -time.Second
	assert.Error(t, cfg.ValidateBasic())
}

func TestInstrumentationConfigValidateBasic(t *testing.T) {
	cfg := TestInstrumentationConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.Prometheus = true
	cfg.PrometheusListenAddr = ""
	assert.Error(t, cfg.ValidateBasic())
}
