package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	tmos "github.com/tendermint/chainsync/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	if configTemplate, err = template.New("configFileTemplate").Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and returns the first error encountered.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := tmos.EnsureDir(dir, defaultDirPerm); err != nil {
			return err
		}
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// <rootDir>/config/config.toml.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return writeFile(path, buffer.Bytes(), 0644)
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if !tmos.FileExists(configFilePath) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/chainsync/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.chainsync" by default, but could be changed via $CS_HOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# The ID of the network. Nodes only sync with nodes sharing its genesis block.
chain_id = "{{ .BaseConfig.ChainID }}"

# A custom human readable name for this node, also used as its node ID
moniker = "{{ .BaseConfig.Moniker }}"

# Database backend: goleveldb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ .BaseConfig.DBPath }}"

# Output level for logging: debug | info | error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

#######################################################################
###                 Chain Sync Configuration Options                ###
#######################################################################
[sync]

# Role of the node: full | light
# * full node
#   - stores and serves headers, bodies and justifications
#   - announces its new best blocks
# * light node
#   - stores headers only
#   - never used as a download source by other nodes
role = "{{ .Sync.Role }}"

# How often the sync engine is driven
tick_interval = "{{ .Sync.TickInterval }}"

# Capacity of the inbound event queue
event_queue_size = {{ .Sync.EventQueueSize }}

# Maximum number of blocks asked for in a single range request
max_blocks_per_request = {{ .Sync.MaxBlocksPerRequest }}

# Maximum number of blocks downloaded ahead of the local best block
max_queued_blocks = {{ .Sync.MaxQueuedBlocks }}

# The node is major syncing while some peer's best block is more than this
# many blocks ahead of the local best block
major_sync_threshold = {{ .Sync.MajorSyncThreshold }}

# When the best blocks of the node and a peer are at most this far apart,
# common ancestor search starts at the lower of the two
shallow_fork_threshold = {{ .Sync.ShallowForkThreshold }}

# Peers sharing no block within this many blocks are incompatible
max_ancestor_search_depth = {{ .Sync.MaxAncestorSearchDepth }}

# Failed ancestor probes tolerated per peer
max_probe_retries = {{ .Sync.MaxProbeRetries }}

# Protocol errors tolerated before a peer is no longer used for sync
max_peer_strikes = {{ .Sync.MaxPeerStrikes }}

# Retry interval of justification requests no peer could answer
justification_retry_interval = "{{ .Sync.JustificationRetryInterval }}"

# Announce new best blocks to all peers (ignored by light nodes)
announce_new_best = {{ .Sync.AnnounceNewBest }}

# Number of announcements remembered to drop duplicates
announce_cache_size = {{ .Sync.AnnounceCacheSize }}

# Maximum number of blocks walked back from a fork target
max_fork_lookback = {{ .Sync.MaxForkLookback }}

#######################################################################
###                 P2P Configuration Options                       ###
#######################################################################
[p2p]

# Request timeouts per request class
probe_timeout = "{{ .P2P.ProbeTimeout }}"
range_timeout = "{{ .P2P.RangeTimeout }}"
justification_timeout = "{{ .P2P.JustificationTimeout }}"

# Capacity of the inbound message buffer
recv_buffer_size = {{ .P2P.RecvBufferSize }}

#######################################################################
###       Instrumentation Configuration Options                     ###
#######################################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh home directory below dir holding a default
// config file and returns a test configuration rooted there.
func ResetTestRoot(dir, testName string) (*Config, error) {
	rootDir, err := os.MkdirTemp(dir, fmt.Sprintf("%s_", testName))
	if err != nil {
		return nil, err
	}
	if err := EnsureRoot(rootDir); err != nil {
		return nil, err
	}
	if err := writeDefaultConfigFileIfNone(rootDir); err != nil {
		return nil, err
	}

	config := TestConfig().SetRoot(rootDir)
	config.Instrumentation.Namespace = testName
	return config, nil
}

func writeFile(filePath string, contents []byte, mode os.FileMode) error {
	if err := os.WriteFile(filePath, contents, mode); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
