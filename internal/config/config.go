package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"bridge-backend/internal/types"
)

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Operator OperatorConfig `yaml:"operator"`
	Monero   MoneroConfig   `yaml:"monero"`
	EVM      EVMConfig      `yaml:"evm"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Admin    AdminConfig    `yaml:"admin"`
	CORS     CORSConfig     `yaml:"cors"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig HTTP front door configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// NATSConfig operator transport broker configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`        // seconds
	ReconnectWait int    `yaml:"reconnect_wait"` // seconds
	MaxReconnects int    `yaml:"max_reconnects"` // -1 = forever
	SubjectPrefix string `yaml:"subject_prefix"`
}

// OperatorConfig identifies this operator inside the static group
type OperatorConfig struct {
	ParticipantID  uint32       `yaml:"participantId"`
	Threshold      int          `yaml:"threshold"`
	CoordinatorID  uint32       `yaml:"coordinatorId"`
	SigningKey     string       `yaml:"signingKey"` // ed25519 seed, hex
	BoxKey         string       `yaml:"boxKey"`     // curve25519 secret, hex
	Peers          []PeerConfig `yaml:"peers"`      // full group, this operator included
	SessionTimeout int          `yaml:"sessionTimeout"` // seconds
	DKGTimeout     int          `yaml:"dkgTimeout"`     // seconds
}

// PeerConfig one entry of the static operator registry
type PeerConfig struct {
	ID               uint32 `yaml:"id"`
	SigningPublicKey string `yaml:"signingPublicKey"` // ed25519, hex
	BoxPublicKey     string `yaml:"boxPublicKey"`     // curve25519, hex
}

// MoneroConfig source chain (wallet + daemon RPC) configuration
type MoneroConfig struct {
	WalletRPCURL     string `yaml:"walletRpcUrl"`
	DaemonRPCURL     string `yaml:"daemonRpcUrl"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	AccountIndex     uint32 `yaml:"accountIndex"`
	MinConfirmations uint64 `yaml:"minConfirmations"`
	PollInterval     int    `yaml:"pollInterval"` // seconds
	Timeout          int    `yaml:"timeout"`      // seconds, per RPC call
}

// EVMConfig target chain configuration
type EVMConfig struct {
	RPCEndpoints     []string `yaml:"rpcEndpoints"`
	ChainID          int64    `yaml:"chainId"`
	BridgeContract   string   `yaml:"bridgeContract"`
	PrivateKey       string   `yaml:"privateKey"` // submitter key, hex without 0x
	MinConfirmations uint64   `yaml:"minConfirmations"`
	PollInterval     int      `yaml:"pollInterval"` // seconds
	GasLimit         uint64   `yaml:"gasLimit"`
	GasPrice         string   `yaml:"gasPrice"` // wei, or "auto"
}

// BridgeConfig cross-cutting bridge parameters
type BridgeConfig struct {
	Asset           string `yaml:"asset"`
	EventBuffer     int    `yaml:"eventBuffer"`     // observer channel capacity
	AttestationWait int    `yaml:"attestationWait"` // seconds to wait for quorum
}

// AdminConfig Admin API access control configuration
type AdminConfig struct {
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	JWTSecret  string   `yaml:"jwtSecret"`
	TOTPSecret string   `yaml:"totpSecret"`
	AllowedIPs []string `yaml:"allowedIPs"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// LogConfig logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// LoadConfig reads, overrides and validates the configuration. The
// returned value is handed down explicitly; there is no package global.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(&config)
	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// overrideFromEnv lets deployment environments override file values
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}

	if id := os.Getenv("OPERATOR_PARTICIPANT_ID"); id != "" {
		if v, err := strconv.ParseUint(id, 10, 32); err == nil {
			config.Operator.ParticipantID = uint32(v)
		}
	}
	if key := os.Getenv("OPERATOR_SIGNING_KEY"); key != "" {
		config.Operator.SigningKey = key
	}
	if key := os.Getenv("OPERATOR_BOX_KEY"); key != "" {
		config.Operator.BoxKey = key
	}

	if url := os.Getenv("MONERO_WALLET_RPC_URL"); url != "" {
		config.Monero.WalletRPCURL = url
	}
	if url := os.Getenv("MONERO_DAEMON_RPC_URL"); url != "" {
		config.Monero.DaemonRPCURL = url
	}
	if user := os.Getenv("MONERO_RPC_USERNAME"); user != "" {
		config.Monero.Username = user
	}
	if pass := os.Getenv("MONERO_RPC_PASSWORD"); pass != "" {
		config.Monero.Password = pass
	}

	if endpoints := os.Getenv("EVM_RPC_ENDPOINTS"); endpoints != "" {
		parts := strings.Split(endpoints, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			config.EVM.RPCEndpoints = cleaned
		}
	}
	if key := os.Getenv("EVM_PRIVATE_KEY"); key != "" {
		config.EVM.PrivateKey = key
	}

	if secret := os.Getenv("ADMIN_JWT_SECRET"); secret != "" {
		config.Admin.JWTSecret = secret
	}
	if secret := os.Getenv("ADMIN_TOTP_SECRET"); secret != "" {
		config.Admin.TOTPSecret = secret
	}
	if pass := os.Getenv("ADMIN_PASSWORD"); pass != "" {
		config.Admin.Password = pass
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}

func applyDefaults(config *Config) {
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Database.Driver == "" {
		config.Database.Driver = "postgres"
	}
	if config.NATS.Timeout == 0 {
		config.NATS.Timeout = 10
	}
	if config.NATS.ReconnectWait == 0 {
		config.NATS.ReconnectWait = 5
	}
	if config.NATS.MaxReconnects == 0 {
		config.NATS.MaxReconnects = -1
	}
	if config.NATS.SubjectPrefix == "" {
		config.NATS.SubjectPrefix = "bridge.operator"
	}
	if config.Operator.SessionTimeout == 0 {
		config.Operator.SessionTimeout = 60
	}
	if config.Operator.DKGTimeout == 0 {
		config.Operator.DKGTimeout = 120
	}
	if config.Monero.MinConfirmations == 0 {
		config.Monero.MinConfirmations = 10
	}
	if config.Monero.PollInterval == 0 {
		config.Monero.PollInterval = 30
	}
	if config.Monero.Timeout == 0 {
		config.Monero.Timeout = 30
	}
	if config.EVM.MinConfirmations == 0 {
		config.EVM.MinConfirmations = 12
	}
	if config.EVM.PollInterval == 0 {
		config.EVM.PollInterval = 15
	}
	if config.EVM.GasLimit == 0 {
		config.EVM.GasLimit = 300000
	}
	if config.EVM.GasPrice == "" {
		config.EVM.GasPrice = "auto"
	}
	if config.Bridge.Asset == "" {
		config.Bridge.Asset = "XMR"
	}
	if config.Bridge.EventBuffer == 0 {
		config.Bridge.EventBuffer = 64
	}
	if config.Bridge.AttestationWait == 0 {
		config.Bridge.AttestationWait = 30
	}
	if config.Admin.Username == "" {
		config.Admin.Username = "admin"
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

// Validate rejects configurations the process cannot safely run with.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return &types.ConfigurationError{Field: "database.dsn", Reason: "must not be empty"}
	}

	n := len(c.Operator.Peers)
	if n == 0 {
		return &types.ConfigurationError{Field: "operator.peers", Reason: "at least one operator required"}
	}
	if c.Operator.Threshold < 1 || c.Operator.Threshold > n {
		return &types.ConfigurationError{
			Field:  "operator.threshold",
			Reason: fmt.Sprintf("must be in [1, %d], got %d", n, c.Operator.Threshold),
		}
	}

	seen := make(map[uint32]bool, n)
	selfListed := false
	coordinatorListed := false
	for _, peer := range c.Operator.Peers {
		if peer.ID == 0 {
			return &types.ConfigurationError{Field: "operator.peers", Reason: "participant ids must be >= 1"}
		}
		if seen[peer.ID] {
			return &types.ConfigurationError{Field: "operator.peers", Reason: fmt.Sprintf("duplicate participant id %d", peer.ID)}
		}
		seen[peer.ID] = true
		if _, err := hex.DecodeString(peer.SigningPublicKey); err != nil || len(peer.SigningPublicKey) != 64 {
			return &types.ConfigurationError{
				Field:  "operator.peers",
				Reason: fmt.Sprintf("participant %d: signingPublicKey must be 32 hex bytes", peer.ID),
			}
		}
		if _, err := hex.DecodeString(peer.BoxPublicKey); err != nil || len(peer.BoxPublicKey) != 64 {
			return &types.ConfigurationError{
				Field:  "operator.peers",
				Reason: fmt.Sprintf("participant %d: boxPublicKey must be 32 hex bytes", peer.ID),
			}
		}
		if peer.ID == c.Operator.ParticipantID {
			selfListed = true
		}
		if peer.ID == c.Operator.CoordinatorID {
			coordinatorListed = true
		}
	}
	if !selfListed {
		return &types.ConfigurationError{Field: "operator.participantId", Reason: "not present in operator.peers"}
	}
	if !coordinatorListed {
		return &types.ConfigurationError{Field: "operator.coordinatorId", Reason: "not present in operator.peers"}
	}
	if _, err := hex.DecodeString(c.Operator.SigningKey); err != nil || len(c.Operator.SigningKey) != 64 {
		return &types.ConfigurationError{Field: "operator.signingKey", Reason: "must be 32 hex bytes (ed25519 seed)"}
	}
	if _, err := hex.DecodeString(c.Operator.BoxKey); err != nil || len(c.Operator.BoxKey) != 64 {
		return &types.ConfigurationError{Field: "operator.boxKey", Reason: "must be 32 hex bytes (curve25519 secret)"}
	}

	// Transport is only required once a second operator exists; a single
	// operator runs entirely over the loopback transport.
	if n > 1 && c.NATS.URL == "" {
		return &types.ConfigurationError{Field: "nats.url", Reason: "required when more than one operator is configured"}
	}

	if c.Monero.WalletRPCURL == "" {
		return &types.ConfigurationError{Field: "monero.walletRpcUrl", Reason: "must not be empty"}
	}
	if len(c.EVM.RPCEndpoints) == 0 {
		return &types.ConfigurationError{Field: "evm.rpcEndpoints", Reason: "at least one endpoint required"}
	}
	if c.EVM.BridgeContract == "" {
		return &types.ConfigurationError{Field: "evm.bridgeContract", Reason: "must not be empty"}
	}

	return nil
}

// IsCoordinator reports whether this operator drives signing sessions.
func (o OperatorConfig) IsCoordinator() bool {
	return o.ParticipantID == o.CoordinatorID
}

// IsCoordinator reports whether this operator drives signing sessions.
func (c *Config) IsCoordinator() bool {
	return c.Operator.IsCoordinator()
}

// TotalOperators returns N, the size of the static operator group.
func (c *Config) TotalOperators() int {
	return len(c.Operator.Peers)
}
