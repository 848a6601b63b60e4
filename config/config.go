package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultChainsyncDir = ".chainsync"
	defaultConfigDir    = "config"
	defaultDataDir      = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a chainsync node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Sync            *SyncConfig            `mapstructure:"sync"`
	P2P             *P2PConfig             `mapstructure:"p2p"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a chainsync node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Sync:            DefaultSyncConfig(),
		P2P:             DefaultP2PConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Sync:            TestSyncConfig(),
		P2P:             TestP2PConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [sync] section")
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [p2p] section")
	}
	return pkgerrors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a chainsync node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// The ID of the network. Nodes only sync with nodes that share the
	// genesis block derived from it.
	ChainID string `mapstructure:"chain_id"`

	// A custom human readable name for this node. It doubles as the node ID
	// announced to peers.
	Moniker string `mapstructure:"moniker"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a chainsync node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		ChainID:   "chainsync",
		Moniker:   defaultMoniker,
		LogLevel:  log.LogLevelInfo,
		LogFormat: log.LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a chainsync node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.ChainID = "chainsync_test"
	cfg.Moniker = "test-node"
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// NodeID returns the peer handle of this node.
func (cfg BaseConfig) NodeID() types.NodeID {
	return types.NodeID(cfg.Moniker)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case log.LogFormatPlain, log.LogFormatText, log.LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain', 'text' or 'json')")
	}
	if cfg.ChainID == "" {
		return errors.New("chain_id can't be empty")
	}
	if err := cfg.NodeID().Validate(); err != nil {
		return fmt.Errorf("invalid moniker: %w", err)
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db_backend %q (must be 'goleveldb' or 'memdb')", cfg.DBBackend)
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration of the chain sync engine.
type SyncConfig struct {
	// Role of this node: "full" stores and serves bodies, "light" stores
	// headers only.
	Role string `mapstructure:"role"`

	// How often the node runtime drives the engine.
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// Capacity of the inbound event queue. Events delivered while the queue
	// is full are rejected.
	EventQueueSize int `mapstructure:"event_queue_size"`

	// Maximum number of blocks asked for in a single range request.
	MaxBlocksPerRequest int `mapstructure:"max_blocks_per_request"`

	// Maximum number of blocks downloaded ahead of the local best block.
	MaxQueuedBlocks int `mapstructure:"max_queued_blocks"`

	// A node is major syncing while it probes or downloads from a peer whose
	// best block is more than this many blocks ahead of the local best.
	MajorSyncThreshold int64 `mapstructure:"major_sync_threshold"`

	// When local and peer best numbers are at most this far apart, ancestor
	// search first probes the lower of the two.
	ShallowForkThreshold int64 `mapstructure:"shallow_fork_threshold"`

	// Peers sharing no block within this many blocks below the lower best
	// number are incompatible.
	MaxAncestorSearchDepth int64 `mapstructure:"max_ancestor_search_depth"`

	// Failed or malformed probes tolerated before a peer is excluded from
	// ancestor search.
	MaxProbeRetries int `mapstructure:"max_probe_retries"`

	// Protocol errors tolerated before a peer is no longer used for sync.
	MaxPeerStrikes int `mapstructure:"max_peer_strikes"`

	// How long a justification request that every peer failed to answer
	// waits before it is retried with an unchanged peer set.
	JustificationRetryInterval time.Duration `mapstructure:"justification_retry_interval"`

	// Announce a new local best block to all peers.
	AnnounceNewBest bool `mapstructure:"announce_new_best"`

	// Number of announcements remembered to drop duplicates.
	AnnounceCacheSize int `mapstructure:"announce_cache_size"`

	// Maximum number of blocks walked back from a fork target looking for a
	// known ancestor.
	MaxForkLookback int64 `mapstructure:"max_fork_lookback"`
}

// DefaultSyncConfig returns a default configuration for the sync engine.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		Role:                       types.RoleFull.String(),
		TickInterval:               100 * time.Millisecond,
		EventQueueSize:             1024,
		MaxBlocksPerRequest:        64,
		MaxQueuedBlocks:            1024,
		MajorSyncThreshold:         5,
		ShallowForkThreshold:       32,
		MaxAncestorSearchDepth:     4096,
		MaxProbeRetries:            3,
		MaxPeerStrikes:             5,
		JustificationRetryInterval: 10 * time.Second,
		AnnounceNewBest:            true,
		AnnounceCacheSize:          4096,
		MaxForkLookback:            1024,
	}
}

// TestSyncConfig returns a configuration for the sync engine used in tests.
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.MaxBlocksPerRequest = 16
	cfg.MaxQueuedBlocks = 256
	cfg.JustificationRetryInterval = 200 * time.Millisecond
	return cfg
}

// NodeRole parses Role.
func (cfg *SyncConfig) NodeRole() (types.Role, error) {
	return types.ParseRole(cfg.Role)
}

// ValidateBasic performs basic validation.
func (cfg *SyncConfig) ValidateBasic() error {
	if _, err := cfg.NodeRole(); err != nil {
		return err
	}
	if cfg.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	if cfg.EventQueueSize <= 0 {
		return errors.New("event_queue_size must be positive")
	}
	if cfg.MaxBlocksPerRequest <= 0 {
		return errors.New("max_blocks_per_request must be positive")
	}
	if cfg.MaxQueuedBlocks < cfg.MaxBlocksPerRequest {
		return errors.New("max_queued_blocks can't be less than max_blocks_per_request")
	}
	if cfg.MajorSyncThreshold < 0 {
		return errors.New("major_sync_threshold can't be negative")
	}
	if cfg.ShallowForkThreshold < 0 {
		return errors.New("shallow_fork_threshold can't be negative")
	}
	if cfg.MaxAncestorSearchDepth <= 0 {
		return errors.New("max_ancestor_search_depth must be positive")
	}
	if cfg.MaxProbeRetries < 0 {
		return errors.New("max_probe_retries can't be negative")
	}
	if cfg.MaxPeerStrikes <= 0 {
		return errors.New("max_peer_strikes must be positive")
	}
	if cfg.JustificationRetryInterval <= 0 {
		return errors.New("justification_retry_interval must be positive")
	}
	if cfg.AnnounceCacheSize <= 0 {
		return errors.New("announce_cache_size must be positive")
	}
	if cfg.MaxForkLookback <= 0 {
		return errors.New("max_fork_lookback must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the request timeouts enforced by the transport.
type P2PConfig struct {
	// Timeout of an ancestor probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// Timeout of a block range request.
	RangeTimeout time.Duration `mapstructure:"range_timeout"`

	// Timeout of a justification request.
	JustificationTimeout time.Duration `mapstructure:"justification_timeout"`

	// Capacity of the per node inbound message buffer.
	RecvBufferSize int `mapstructure:"recv_buffer_size"`
}

// DefaultP2PConfig returns a default configuration for the transport.
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ProbeTimeout:         5 * time.Second,
		RangeTimeout:         20 * time.Second,
		JustificationTimeout: 10 * time.Second,
		RecvBufferSize:       4096,
	}
}

// TestP2PConfig returns a configuration for the transport used in tests.
func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.ProbeTimeout = time.Second
	cfg.RangeTimeout = 2 * time.Second
	cfg.JustificationTimeout = time.Second
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.ProbeTimeout <= 0 {
		return errors.New("probe_timeout must be positive")
	}
	if cfg.RangeTimeout <= 0 {
		return errors.New("range_timeout must be positive")
	}
	if cfg.JustificationTimeout <= 0 {
		return errors.New("justification_timeout must be positive")
	}
	if cfg.RecvBufferSize <= 0 {
		return errors.New("recv_buffer_size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "chainsync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr can't be empty when prometheus is on")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns the host name, or "anonymous" if it is unknown.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil || moniker == "" {
		moniker = "anonymous"
	}
	return moniker
}
