package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID string            `json:"chain_id"`
	Alloc   map[string]uint64 `json:"alloc"` // address hex → initial balance
}

// ValidatorConfig identifies one member of the consensus committee: its
// network identity and the BLS public key used to verify its vote shares.
type ValidatorConfig struct {
	ID        string `json:"id"`          // network/node ID
	BLSPubKey string `json:"bls_pub_key"` // compressed G1 point, hex
}

// ConsensusConfig parameterizes the HotStuff engine and pacemaker (§6).
type ConsensusConfig struct {
	TotalValidators      int   `json:"total_validators"`
	ValidatorIndex       int   `json:"validator_index"` // this node's slot in Validators
	BlockTimeTargetMS    int64 `json:"block_time_target_ms"`
	PacemakerBaseTimeoutMS int64 `json:"pacemaker_base_timeout_ms"`
	PacemakerMaxTimeoutMS  int64 `json:"pacemaker_max_timeout_ms"`
}

// RetentionPolicyKind is the closed enum of storage pruning strategies (§4.3).
type RetentionPolicyKind string

const (
	RetentionKeepAll         RetentionPolicyKind = "keep_all"
	RetentionKeepRecent      RetentionPolicyKind = "keep_recent"
	RetentionKeepAfterHeight RetentionPolicyKind = "keep_after_height"
)

// StorageConfig selects the data directory and pruning policy.
type StorageConfig struct {
	Path             string               `json:"path"`
	RetentionPolicy  RetentionPolicyKind  `json:"retention_policy"`
	RetentionParam   int64                `json:"retention_param"` // n for KeepRecent, h for KeepAfterHeight
}

// CheckpointConfig configures the checkpoint manager (§4.7).
type CheckpointConfig struct {
	IntervalBlocks int64 `json:"interval_blocks"`
	MaxKept        int   `json:"max_kept"`
}

// MempoolConfig bounds per-sender and total mempool admission (§4.8).
type MempoolConfig struct {
	MaxPerSender int `json:"max_per_sender"`
	MaxTotal     int `json:"max_total"`
}

// MarginConfig parameterizes margin admission and liquidation (§4.11).
type MarginConfig struct {
	InitialRatio     float64 `json:"initial_ratio"`
	MaintenanceRatio float64 `json:"maintenance_ratio"`
	MaxLeverage      int     `json:"max_leverage"`
}

// FundingConfig parameterizes the perpetuals funding interval (§4.11).
type FundingConfig struct {
	IntervalSeconds int64   `json:"interval_seconds"`
	MaxRate         float64 `json:"max_rate"`
	Dampening       float64 `json:"dampening"`
}

// LoggingConfig selects the zap logger's verbosity.
type LoggingConfig struct {
	Level string `json:"level"` // debug|info|warn|error
}

// MetricsConfig selects the Prometheus exporter's listen address.
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// Config holds all node configuration.
type Config struct {
	NodeID  string `json:"node_id"`
	DataDir string `json:"data_dir"`
	RPCPort int    `json:"rpc_port"`
	P2PPort int    `json:"p2p_port"`

	Validators []ValidatorConfig `json:"validators"`
	Genesis    GenesisConfig     `json:"genesis"`
	SeedPeers  []SeedPeer        `json:"seed_peers,omitempty"`
	TLS        *TLSConfig        `json:"tls,omitempty"`
	RPCAuthToken string          `json:"rpc_auth_token,omitempty"`

	Consensus  ConsensusConfig  `json:"consensus"`
	Storage    StorageConfig    `json:"storage"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Mempool    MempoolConfig    `json:"mempool"`
	Margin     MarginConfig     `json:"margin"`
	Funding    FundingConfig    `json:"funding"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:  "node0",
		DataDir: "./data",
		RPCPort: 8545,
		P2PPort: 30303,
		Genesis: GenesisConfig{
			ChainID: "hotdex-dev",
			Alloc:   map[string]uint64{},
		},
		Consensus: ConsensusConfig{
			TotalValidators:        1,
			ValidatorIndex:         0,
			BlockTimeTargetMS:      2000,
			PacemakerBaseTimeoutMS: 2000,
			PacemakerMaxTimeoutMS:  60000,
		},
		Storage: StorageConfig{
			Path:            "./data/db",
			RetentionPolicy: RetentionKeepRecent,
			RetentionParam:  1000,
		},
		Checkpoint: CheckpointConfig{
			IntervalBlocks: 1000,
			MaxKept:        10,
		},
		Mempool: MempoolConfig{
			MaxPerSender: 100,
			MaxTotal:     10_000,
		},
		Margin: MarginConfig{
			InitialRatio:     0.10,
			MaintenanceRatio: 0.05,
			MaxLeverage:      20,
		},
		Funding: FundingConfig{
			IntervalSeconds: 28_800,
			MaxRate:         0.0005,
			Dampening:       0.95,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{ListenAddr: ":9100"},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if len(c.Validators) == 0 {
		return fmt.Errorf("validators list must not be empty")
	}
	for i, v := range c.Validators {
		b, err := hex.DecodeString(v.BLSPubKey)
		if err != nil || len(b) != 48 {
			return fmt.Errorf("validators[%d]: bls_pub_key must be 96-char hex (48-byte compressed G1 point), got %q", i, v.BLSPubKey)
		}
	}
	if c.Consensus.TotalValidators != len(c.Validators) {
		return fmt.Errorf("consensus.total_validators (%d) must equal len(validators) (%d)", c.Consensus.TotalValidators, len(c.Validators))
	}
	if c.Consensus.ValidatorIndex < 0 || c.Consensus.ValidatorIndex >= c.Consensus.TotalValidators {
		return fmt.Errorf("consensus.validator_index %d out of range [0,%d)", c.Consensus.ValidatorIndex, c.Consensus.TotalValidators)
	}
	switch c.Storage.RetentionPolicy {
	case RetentionKeepAll, RetentionKeepRecent, RetentionKeepAfterHeight:
	default:
		return fmt.Errorf("storage.retention_policy: unknown value %q", c.Storage.RetentionPolicy)
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Quorum returns the Byzantine quorum sizes (n, f, threshold = n-f) derived
// from TotalValidators, assuming the standard n = 3f+1 honest-majority bound.
func (c *ConsensusConfig) Quorum() (n, f, threshold int) {
	n = c.TotalValidators
	f = (n - 1) / 3
	threshold = n - f
	return
}
