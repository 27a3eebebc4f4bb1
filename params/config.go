package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/dexview/pkg/crypto"
)

const (
	ModeDev = "dev"
	ModeEth = "eth"
)

type Ledger struct {
	Mode string `yaml:"mode"`
	// Reference is the quote asset; the zero address stands for ether.
	Reference string `yaml:"reference_asset"`
	FromBlock uint64 `yaml:"from_block"`
	// Tokens are tracked even before any event mentions them.
	Tokens []string `yaml:"tracked_tokens"`
}

type Eth struct {
	RPCURL     string `yaml:"rpc_url"`
	Exchange   string `yaml:"exchange_address"`
	PrivateKey string `yaml:"-"` // env only
	ChainID    int64  `yaml:"chain_id"`
}

type Dev struct {
	DataDir     string `yaml:"data_dir"` // empty = in-memory
	BlockTimeMS int64  `yaml:"block_time_ms"`
	FeePercent  uint64 `yaml:"fee_percent"`
	FeeAccount  string `yaml:"fee_account"`
	// Token is the address the dev ledger lists next to ether.
	Token string `yaml:"token"`
}

type Ingest struct {
	InboxSize int `yaml:"inbox_size"`
}

type API struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Log struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Level      string `yaml:"level"`
}

type TxGen struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // default|high
}

type Config struct {
	Ledger Ledger `yaml:"ledger"`
	Eth    Eth    `yaml:"eth"`
	Dev    Dev    `yaml:"dev"`
	Ingest Ingest `yaml:"ingest"`
	API    API    `yaml:"api"`
	Log    Log    `yaml:"log"`
	TxGen  TxGen  `yaml:"txgen"`
}

// DefaultDevToken is the token the dev ledger trades against ether.
const DefaultDevToken = "0x0000000000000000000000000000000000001000"

func Default() Config {
	return Config{
		Ledger: Ledger{
			Mode:      ModeDev,
			Reference: common.Address{}.Hex(),
		},
		Dev: Dev{
			BlockTimeMS: 500, // devnet pace, keeps logs readable
			FeePercent:  10,
			Token:       DefaultDevToken,
		},
		Ingest: Ingest{InboxSize: 1024},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Log: Log{
			File:       "data/node.log",
			MaxSizeMB:  50,
			MaxBackups: 3,
			Level:      "info",
		},
		TxGen: TxGen{Mode: "default"},
	}
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv builds the configuration.
// Priority: ENV > .env file > CONFIG_FILE (yaml) > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// .env is optional
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	var errs []error
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setList := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}
	setUint := func(key string, dst *uint64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	setString("LEDGER_MODE", &cfg.Ledger.Mode)
	setString("REFERENCE_ASSET", &cfg.Ledger.Reference)
	setUint("LEDGER_FROM_BLOCK", &cfg.Ledger.FromBlock)
	setList("TRACKED_TOKENS", &cfg.Ledger.Tokens)

	setString("ETH_RPC_URL", &cfg.Eth.RPCURL)
	setString("EXCHANGE_ADDRESS", &cfg.Eth.Exchange)
	setString("ETH_PRIVATE_KEY", &cfg.Eth.PrivateKey)
	if v := os.Getenv("ETH_CHAIN_ID"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("ETH_CHAIN_ID: %w", err))
		} else {
			cfg.Eth.ChainID = n
		}
	}

	setString("DEV_DATA_DIR", &cfg.Dev.DataDir)
	if v := os.Getenv("DEV_BLOCK_TIME_MS"); v != "" {
		ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEV_BLOCK_TIME_MS: %w", err))
		} else {
			cfg.Dev.BlockTimeMS = ms
		}
	}
	setUint("DEV_FEE_PERCENT", &cfg.Dev.FeePercent)
	setString("DEV_FEE_ACCOUNT", &cfg.Dev.FeeAccount)
	setString("DEV_TOKEN", &cfg.Dev.Token)

	setInt("INGEST_INBOX_SIZE", &cfg.Ingest.InboxSize)
	setString("API_ADDR", &cfg.API.Addr)
	setList("API_ALLOWED_ORIGINS", &cfg.API.AllowedOrigins)

	setString("LOG_FILE", &cfg.Log.File)
	setInt("LOG_MAX_SIZE_MB", &cfg.Log.MaxSizeMB)
	setInt("LOG_MAX_BACKUPS", &cfg.Log.MaxBackups)
	setString("LOG_LEVEL", &cfg.Log.Level)

	if v := os.Getenv("ENABLE_TXGEN"); v != "" {
		cfg.TxGen.Enabled = v == "true"
	}
	setString("TXGEN_MODE", &cfg.TxGen.Mode)

	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail deep inside startup.
func (c Config) Validate() error {
	var errs []error
	switch c.Ledger.Mode {
	case ModeDev:
		if c.Dev.BlockTimeMS <= 0 {
			errs = append(errs, errors.New("dev block time must be positive"))
		}
		if c.Dev.FeePercent > 100 {
			errs = append(errs, fmt.Errorf("dev fee percent %d exceeds 100", c.Dev.FeePercent))
		}
		errs = append(errs, checkAddress("DEV_TOKEN", c.Dev.Token, true))
		errs = append(errs, checkAddress("DEV_FEE_ACCOUNT", c.Dev.FeeAccount, false))
		if c.TxGen.Mode != "default" && c.TxGen.Mode != "high" {
			errs = append(errs, fmt.Errorf("unknown TXGEN_MODE %q", c.TxGen.Mode))
		}
	case ModeEth:
		if c.Eth.RPCURL == "" {
			errs = append(errs, errors.New("ETH_RPC_URL is required in eth mode"))
		}
		errs = append(errs, checkAddress("EXCHANGE_ADDRESS", c.Eth.Exchange, true))
		if c.Eth.PrivateKey != "" {
			if _, err := crypto.FromPrivateKeyHex(c.Eth.PrivateKey); err != nil {
				errs = append(errs, fmt.Errorf("ETH_PRIVATE_KEY: %w", err))
			}
		}
		if c.Eth.ChainID < 0 {
			errs = append(errs, errors.New("ETH_CHAIN_ID must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_MODE %q (want %s or %s)", c.Ledger.Mode, ModeDev, ModeEth))
	}

	errs = append(errs, checkAddress("REFERENCE_ASSET", c.Ledger.Reference, true))
	for _, t := range c.Ledger.Tokens {
		errs = append(errs, checkAddress("TRACKED_TOKENS", t, true))
	}
	if c.Ingest.InboxSize <= 0 {
		errs = append(errs, errors.New("INGEST_INBOX_SIZE must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_LEVEL %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

func checkAddress(key, v string, required bool) error {
	if v == "" {
		if required {
			return fmt.Errorf("%s is required", key)
		}
		return nil
	}
	if !common.IsHexAddress(v) {
		return fmt.Errorf("%s: %q is not a hex address", key, v)
	}
	return nil
}

func (c Config) ReferenceAsset() common.Address { return common.HexToAddress(c.Ledger.Reference) }
func (c Config) ExchangeAddress() common.Address {
	return common.HexToAddress(c.Eth.Exchange)
}
func (c Config) DevToken() common.Address   { return common.HexToAddress(c.Dev.Token) }
func (c Config) BlockTime() time.Duration   { return time.Duration(c.Dev.BlockTimeMS) * time.Millisecond }
func (c Config) FeeAccount() common.Address { return common.HexToAddress(c.Dev.FeeAccount) }

// TrackedAssets lists the configured tokens, plus the dev token in dev mode.
func (c Config) TrackedAssets() []common.Address {
	var out []common.Address
	seen := make(map[common.Address]bool)
	add := func(a common.Address) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, t := range c.Ledger.Tokens {
		add(common.HexToAddress(t))
	}
	if c.Ledger.Mode == ModeDev {
		add(c.DevToken())
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
