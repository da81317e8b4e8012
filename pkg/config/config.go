package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hwwallet/pkg/derivation"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

const ConfigFileName = ".hwwallet.json"

// TokenConfig holds configuration for an ERC-20 token tracked on every discovered account.
type TokenConfig struct {
	Symbol   string `json:"symbol" validate:"required"`
	Name     string `json:"name,omitempty"`
	Address  string `json:"address" validate:"required,eth_addr"`
	Decimals int    `json:"decimals" validate:"gte=0,lte=36"`
}

// NetworkConfig holds configuration for a specific EVM network.
type NetworkConfig struct {
	Name                  string        `json:"name" validate:"required"`
	Shortcut              string        `json:"shortcut" validate:"required"`
	Symbol                string        `json:"symbol" validate:"required"`
	ChainID               int64         `json:"chain_id" validate:"gt=0"`
	BIP44                 string        `json:"bip44" validate:"required"`
	RPCURLs               []string      `json:"rpc_urls" validate:"min=1,dive,url"`
	ExplorerURL           string        `json:"explorer_url,omitempty" validate:"omitempty,url"`
	DefaultGasPrice       string        `json:"default_gas_price" validate:"required,numeric"` // gwei
	DefaultGasLimit       uint64        `json:"default_gas_limit" validate:"gt=0"`
	DefaultGasLimitTokens uint64        `json:"default_gas_limit_tokens" validate:"gt=0"`
	Tokens                []TokenConfig `json:"tokens,omitempty" validate:"dive"`
}

// Path returns the parsed account discovery path.
func (n NetworkConfig) Path() ([]uint32, error) {
	return derivation.ParsePath(n.BIP44)
}

// TxURL links a transaction in the network explorer.
func (n NetworkConfig) TxURL(txid string) string {
	if n.ExplorerURL == "" {
		return ""
	}
	return strings.TrimRight(n.ExplorerURL, "/") + "/tx/" + txid
}

// Token finds a configured token by symbol.
func (n NetworkConfig) Token(symbol string) (TokenConfig, bool) {
	for _, t := range n.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// GlobalConfig holds application-wide settings.
type GlobalConfig struct {
	RetryMaxAttempts      int      `json:"retry_max_attempts" validate:"gte=0"` // 0 retries forever
	RetryBackoffMillis    int      `json:"retry_backoff_millis" validate:"gte=0"`
	RetryMaxBackoffMillis int      `json:"retry_max_backoff_millis" validate:"gte=0"`
	RequestsPerSecond     int      `json:"requests_per_second" validate:"gte=0"` // 0 disables limiting
	RequestTimeoutSeconds int      `json:"request_timeout_seconds" validate:"gt=0"`
	BlockPollSeconds      int      `json:"block_poll_seconds" validate:"gt=0"`
	PendingPollSeconds    int      `json:"pending_poll_seconds" validate:"gt=0"`
	DraftStore            string   `json:"draft_store" validate:"oneof=memory redis"`
	DraftTTLMinutes       int      `json:"draft_ttl_minutes" validate:"gte=0"`
	RedisAddr             string   `json:"redis_addr,omitempty" validate:"required_if=DraftStore redis"`
	KafkaBrokers          []string `json:"kafka_brokers,omitempty"`
	KafkaTopic            string   `json:"kafka_topic,omitempty" validate:"required_with=KafkaBrokers"`
	ServerPort            int      `json:"server_port" validate:"gte=0,lte=65535"`
	LogLevel              string   `json:"log_level" validate:"oneof=debug info warn error"`
	LogFile               string   `json:"log_file,omitempty"`
	Development           bool     `json:"development"`
}

// Config is the whole configuration file.
type Config struct {
	Networks        []NetworkConfig `json:"networks" validate:"min=1,dive"`
	SelectedNetwork string          `json:"selected_network"`
	Global          GlobalConfig    `json:"global"`
}

// Network looks a network up by shortcut or name.
func (c Config) Network(name string) (NetworkConfig, bool) {
	for _, n := range c.Networks {
		if strings.EqualFold(n.Shortcut, name) || strings.EqualFold(n.Name, name) {
			return n, true
		}
	}
	return NetworkConfig{}, false
}

// Selected returns the selected network, falling back to the first one.
func (c Config) Selected() NetworkConfig {
	if n, ok := c.Network(c.SelectedNetwork); ok {
		return n
	}
	if len(c.Networks) > 0 {
		return c.Networks[0]
	}
	return NetworkConfig{}
}

// DefaultNetworks are used when the file does not define any.
func DefaultNetworks() []NetworkConfig {
	return []NetworkConfig{
		{
			Name:                  "Ethereum",
			Shortcut:              "eth",
			Symbol:                "ETH",
			ChainID:               1,
			BIP44:                 "m/44'/60'/0'/0",
			RPCURLs:               []string{"https://ethereum-rpc.publicnode.com", "https://eth.llamarpc.com"},
			ExplorerURL:           "https://etherscan.io",
			DefaultGasPrice:       "64",
			DefaultGasLimit:       21000,
			DefaultGasLimitTokens: 200000,
		},
		{
			Name:                  "Ethereum Classic",
			Shortcut:              "etc",
			Symbol:                "ETC",
			ChainID:               61,
			BIP44:                 "m/44'/61'/0'/0",
			RPCURLs:               []string{"https://etc.rivet.link"},
			ExplorerURL:           "https://blockscout.com/etc/mainnet",
			DefaultGasPrice:       "64",
			DefaultGasLimit:       21000,
			DefaultGasLimitTokens: 200000,
		},
	}
}

// DefaultGlobal returns the built-in global settings.
func DefaultGlobal() GlobalConfig {
	return GlobalConfig{
		RetryMaxAttempts:      5,
		RetryBackoffMillis:    500,
		RetryMaxBackoffMillis: 30000,
		RequestsPerSecond:     10,
		RequestTimeoutSeconds: 30,
		BlockPollSeconds:      15,
		PendingPollSeconds:    30,
		DraftStore:            "memory",
		DraftTTLMinutes:       60,
		ServerPort:            8080,
		LogLevel:              "info",
	}
}

// Default returns a complete configuration.
func Default() Config {
	return Config{
		Networks:        DefaultNetworks(),
		SelectedNetwork: "eth",
		Global:          DefaultGlobal(),
	}
}

func GetConfigPath(customPath string) (string, error) {
	if customPath != "" {
		return customPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigFileName), nil
}

func LoadConfigFromFile(path string) (Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, err
	}
	defer func() { _ = f.Close() }()
	return LoadConfig(f)
}

// LoadConfig decodes a configuration. Missing fields keep their defaults.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := Config{Global: DefaultGlobal()}
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}

	if len(cfg.Networks) == 0 {
		cfg.Networks = DefaultNetworks()
	}
	for i := range cfg.Networks {
		n := &cfg.Networks[i]
		if n.Shortcut == "" {
			n.Shortcut = strings.ToLower(n.Symbol)
		}
		if n.BIP44 == "" {
			n.BIP44 = "m/44'/60'/0'/0"
		}
		if n.DefaultGasPrice == "" {
			n.DefaultGasPrice = "64"
		}
		if n.DefaultGasLimit == 0 {
			n.DefaultGasLimit = 21000
		}
		if n.DefaultGasLimitTokens == 0 {
			n.DefaultGasLimitTokens = 200000
		}
	}
	if cfg.SelectedNetwork == "" {
		cfg.SelectedNetwork = cfg.Networks[0].Shortcut
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the structure of cfg.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	seen := make(map[string]bool)
	for _, n := range cfg.Networks {
		key := strings.ToLower(n.Shortcut)
		if seen[key] {
			return fmt.Errorf("validation failed: duplicate network %s", n.Shortcut)
		}
		seen[key] = true
		if _, err := n.Path(); err != nil {
			return errors.Wrapf(err, "validation failed: network %s", n.Shortcut)
		}
	}
	return nil
}

func SaveConfig(cfg Config, path string) error {
	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if len(data) == 0 {
		return fmt.Errorf("validation failed: encoded configuration is empty")
	}

	if _, err := os.Stat(path); err == nil {
		backupPath := fmt.Sprintf("%s.%s.bak", path, time.Now().Format("20060102-150405"))
		input, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "failed to read existing config for backup")
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return errors.Wrap(err, "failed to write backup config")
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func RestoreLastBackup(configPath string) error {
	matches, err := filepath.Glob(configPath + ".*.bak")
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no backup files found")
	}
	sort.Strings(matches)
	lastBackup := matches[len(matches)-1]

	data, err := os.ReadFile(lastBackup)
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0600)
}

// Duration converts a seconds setting into a time.Duration.
func Duration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
