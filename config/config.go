package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config is the daemon configuration loaded from TOML.
type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	Backend     string `toml:"Backend"`
	NetworkName string `toml:"NetworkName"`

	// Privileged addresses. The orchestrator address is configured as the
	// manager on the directory and both ledgers; the router address is the
	// identity the RPC deposit surface uses when calling the ledgers.
	OwnerAddress        string `toml:"OwnerAddress"`
	OrchestratorAddress string `toml:"OrchestratorAddress"`
	RouterAddress       string `toml:"RouterAddress"`
	VaultAddress        string `toml:"VaultAddress"`

	// RPCAuthSecretEnv names the environment variable holding the HS256
	// secret for RPC bearer tokens. Auth is disabled when unset.
	RPCAuthSecretEnv string `toml:"RPCAuthSecretEnv"`

	EventBufferSize int `toml:"EventBufferSize"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`
}

// Load loads the configuration from the given path, applying defaults for
// optional fields.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8645"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./fulfilld-data"
	}
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = "leveldb"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "fulfill-local"
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 1024
	}
}

// Validate checks address formats and backend selection.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("config: unsupported storage backend %q", c.Backend)
	}
	for name, value := range map[string]string{
		"OwnerAddress":        c.OwnerAddress,
		"OrchestratorAddress": c.OrchestratorAddress,
		"RouterAddress":       c.RouterAddress,
	} {
		if _, err := parseAddress(value); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	// The vault is only needed for the token ledger and may be omitted.
	if strings.TrimSpace(c.VaultAddress) != "" {
		if _, err := parseAddress(c.VaultAddress); err != nil {
			return fmt.Errorf("config: VaultAddress: %w", err)
		}
	}
	return nil
}

// Owner returns the parsed administrative owner address.
func (c *Config) Owner() [20]byte { return mustAddress(c.OwnerAddress) }

// Orchestrator returns the parsed orchestrator (manager) address.
func (c *Config) Orchestrator() [20]byte { return mustAddress(c.OrchestratorAddress) }

// Router returns the parsed router address.
func (c *Config) Router() [20]byte { return mustAddress(c.RouterAddress) }

// Vault returns the parsed token vault address, or the zero address when the
// token ledger is not deployed.
func (c *Config) Vault() [20]byte {
	if strings.TrimSpace(c.VaultAddress) == "" {
		return [20]byte{}
	}
	return mustAddress(c.VaultAddress)
}

// RPCAuthSecret resolves the configured auth secret from the environment.
func (c *Config) RPCAuthSecret() string {
	env := strings.TrimSpace(c.RPCAuthSecretEnv)
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}

func parseAddress(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address must not be empty")
	}
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("invalid hex address %q", value)
	}
	return [20]byte(common.HexToAddress(trimmed)), nil
}

func mustAddress(value string) [20]byte {
	addr, err := parseAddress(value)
	if err != nil {
		return [20]byte{}
	}
	return addr
}
