package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// APIKey binds a marketplace credential to the on-chain address it acts for.
// Secrets for webhook signing and request HMACs live here; the admin bearer
// secret is read from the environment instead so it never lands on disk.
type APIKey struct {
	Key     string `toml:"Key"`
	Secret  string `toml:"Secret"`
	Address string `toml:"Address"`
}

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	GatewayDBPath string `toml:"GatewayDBPath"`

	WalletRPCURL      string `toml:"WalletRPCURL"`
	WalletRPCTokenEnv string `toml:"WalletRPCTokenEnv"`
	ChainID           int64  `toml:"ChainID"`
	VaultAddress      string `toml:"VaultAddress"`
	Confirmations     uint64 `toml:"Confirmations"`

	ArbiterAddress      string   `toml:"ArbiterAddress"`
	AdminTokenSecretEnv string   `toml:"AdminTokenSecretEnv"`
	AdminSubjects       []string `toml:"AdminSubjects"`

	AllowedTokens []string `toml:"AllowedTokens"`
	APIKeys       []APIKey `toml:"APIKeys"`

	WebhookQueueCapacity   int `toml:"WebhookQueueCapacity"`
	WebhookHistoryCapacity int `toml:"WebhookHistoryCapacity"`
	WebhookTTLSeconds      int `toml:"WebhookTTLSeconds"`
}

// Load reads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8771"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./empleadora-data"
	}
	if strings.TrimSpace(c.GatewayDBPath) == "" {
		c.GatewayDBPath = filepath.Join(c.DataDir, "gateway.db")
	}
	if strings.TrimSpace(c.WalletRPCURL) == "" {
		c.WalletRPCURL = "http://127.0.0.1:8545"
	}
	if strings.TrimSpace(c.WalletRPCTokenEnv) == "" {
		c.WalletRPCTokenEnv = "EMPLEADORA_WALLET_TOKEN"
	}
	if strings.TrimSpace(c.AdminTokenSecretEnv) == "" {
		c.AdminTokenSecretEnv = "EMPLEADORA_ADMIN_SECRET"
	}
	if c.ChainID == 0 {
		c.ChainID = 1337
	}
	if c.Confirmations == 0 {
		c.Confirmations = 3
	}
}

// Validate rejects configurations the daemon cannot safely start with.
func (c *Config) Validate() error {
	if !common.IsHexAddress(strings.TrimSpace(c.VaultAddress)) {
		return fmt.Errorf("config: VaultAddress %q is not a valid address", c.VaultAddress)
	}
	if !common.IsHexAddress(strings.TrimSpace(c.ArbiterAddress)) {
		return fmt.Errorf("config: ArbiterAddress %q is not a valid address", c.ArbiterAddress)
	}
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("config: at least one API key is required")
	}
	for i, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("config: APIKeys[%d] requires Key and Secret", i)
		}
		if !common.IsHexAddress(strings.TrimSpace(key.Address)) {
			return fmt.Errorf("config: APIKeys[%d].Address %q is not a valid address", i, key.Address)
		}
	}
	for i, token := range c.AllowedTokens {
		if !common.IsHexAddress(strings.TrimSpace(token)) {
			return fmt.Errorf("config: AllowedTokens[%d] %q is not a valid address", i, token)
		}
	}
	return nil
}

// WalletRPCToken resolves the wallet daemon credential from the environment.
func (c *Config) WalletRPCToken() string {
	return strings.TrimSpace(os.Getenv(c.WalletRPCTokenEnv))
}

// AdminTokenSecret resolves the admin JWT signing secret from the environment.
func (c *Config) AdminTokenSecret() string {
	return strings.TrimSpace(os.Getenv(c.AdminTokenSecretEnv))
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return cfg, nil
}
