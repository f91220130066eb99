// Package config loads and validates the levstratd daemon configuration.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"levstrat/strategy"
)

const (
	defaultListenAddress   = ":8880"
	defaultEnvironment     = "dev"
	defaultLogLevel        = "info"
	defaultDataDir         = "./levstrat-data"
	defaultRateLimitPerMin = 120
	defaultSecretHeader    = "X-Levstrat-Management-Secret"
	defaultReportInterval  = "24h"
	defaultTendInterval    = "1h"
	defaultJournalFile     = "journal.db"

	// envManagementSecret supplies the management API secret. Secrets never
	// live in the config file.
	envManagementSecret = "LEVSTRAT_MANAGEMENT_SECRET"
)

// Config is the top-level daemon configuration.
type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	Environment     string `toml:"Environment"`
	LogLevel        string `toml:"LogLevel"`
	DataDir         string `toml:"DataDir"`
	RateLimitPerMin int    `toml:"RateLimitPerMin"`
	SecretHeader    string `toml:"SecretHeader"`

	Strategy  StrategyConfig  `toml:"Strategy"`
	Market    MarketConfig    `toml:"Market"`
	Keeper    KeeperConfig    `toml:"Keeper"`
	Telemetry TelemetryConfig `toml:"Telemetry"`
}

// StrategyConfig carries the governance parameters in operator-friendly basis
// points; ToEngine converts them to the engine's fixed-point representation.
type StrategyConfig struct {
	TargetCollatRatioBps   uint64 `toml:"TargetCollatRatioBps"`
	MaxCollatRatioBps      uint64 `toml:"MaxCollatRatioBps"`
	RebalanceToleranceBps  uint64 `toml:"RebalanceToleranceBps"`
	PerformanceFeeBps      uint64 `toml:"PerformanceFeeBps"`
	MinLeverageStepBps     uint64 `toml:"MinLeverageStepBps"`
	ProfitMaxUnlockSeconds int64  `toml:"ProfitMaxUnlockSeconds"`
	Management             string `toml:"Management"`
	Keeper                 string `toml:"Keeper"`
	Rewards                string `toml:"Rewards"`
	DeployOnDeposit        bool   `toml:"DeployOnDeposit"`
}

// MarketConfig parameterizes the simulated lending market.
type MarketConfig struct {
	SupplyRateBps   uint64 `toml:"SupplyRateBps"`
	BorrowRateBps   uint64 `toml:"BorrowRateBps"`
	BorrowLiquidity string `toml:"BorrowLiquidity"`
	WithdrawLimit   string `toml:"WithdrawLimit"`
}

// KeeperConfig controls the report/tend scheduler.
type KeeperConfig struct {
	ReportInterval string `toml:"ReportInterval"`
	TendInterval   string `toml:"TendInterval"`
	PolicyFile     string `toml:"PolicyFile"`
	JournalFile    string `toml:"JournalFile"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool   `toml:"Enabled"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Headers     string `toml:"Headers"`
	MetricsOTLP bool   `toml:"MetricsOTLP"`
	TracesOTLP  bool   `toml:"TracesOTLP"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
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
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = defaultEnvironment
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
	}
	if c.RateLimitPerMin <= 0 {
		c.RateLimitPerMin = defaultRateLimitPerMin
	}
	if strings.TrimSpace(c.SecretHeader) == "" {
		c.SecretHeader = defaultSecretHeader
	}
	if strings.TrimSpace(c.Keeper.ReportInterval) == "" {
		c.Keeper.ReportInterval = defaultReportInterval
	}
	if strings.TrimSpace(c.Keeper.TendInterval) == "" {
		c.Keeper.TendInterval = defaultTendInterval
	}
	if strings.TrimSpace(c.Keeper.JournalFile) == "" {
		c.Keeper.JournalFile = defaultJournalFile
	}
}

// Validate checks internal consistency without converting to engine types.
func (c *Config) Validate() error {
	if c.Strategy.TargetCollatRatioBps == 0 {
		return fmt.Errorf("config: Strategy.TargetCollatRatioBps is required")
	}
	if c.Strategy.MaxCollatRatioBps != 0 && c.Strategy.TargetCollatRatioBps >= c.Strategy.MaxCollatRatioBps {
		return fmt.Errorf("config: target ratio %d must be below max ratio %d", c.Strategy.TargetCollatRatioBps, c.Strategy.MaxCollatRatioBps)
	}
	if !common.IsHexAddress(c.Strategy.Management) {
		return fmt.Errorf("config: Strategy.Management %q is not a hex address", c.Strategy.Management)
	}
	if !common.IsHexAddress(c.Strategy.Rewards) {
		return fmt.Errorf("config: Strategy.Rewards %q is not a hex address", c.Strategy.Rewards)
	}
	if keeper := strings.TrimSpace(c.Strategy.Keeper); keeper != "" && !common.IsHexAddress(keeper) {
		return fmt.Errorf("config: Strategy.Keeper %q is not a hex address", keeper)
	}
	if _, err := time.ParseDuration(c.Keeper.ReportInterval); err != nil {
		return fmt.Errorf("config: Keeper.ReportInterval: %w", err)
	}
	if _, err := time.ParseDuration(c.Keeper.TendInterval); err != nil {
		return fmt.Errorf("config: Keeper.TendInterval: %w", err)
	}
	for _, raw := range []string{c.Market.BorrowLiquidity, c.Market.WithdrawLimit} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, ok := new(big.Int).SetString(raw, 10); !ok {
			return fmt.Errorf("config: %q is not a base-10 integer", raw)
		}
	}
	return nil
}

// ToEngine converts the operator-facing parameters into the strategy engine's
// configuration.
func (c *StrategyConfig) ToEngine() strategy.Config {
	cfg := strategy.Config{
		TargetCollatRatio:     bpsToWad(c.TargetCollatRatioBps),
		RebalanceToleranceBps: c.RebalanceToleranceBps,
		PerformanceFeeBps:     c.PerformanceFeeBps,
		MinLeverageStepBps:    c.MinLeverageStepBps,
		Management:            common.HexToAddress(c.Management),
		Rewards:               common.HexToAddress(c.Rewards),
		DeployOnDeposit:       c.DeployOnDeposit,
	}
	if c.MaxCollatRatioBps > 0 {
		cfg.MaxCollatRatio = bpsToWad(c.MaxCollatRatioBps)
	}
	if c.ProfitMaxUnlockSeconds > 0 {
		cfg.ProfitMaxUnlockTime = time.Duration(c.ProfitMaxUnlockSeconds) * time.Second
	}
	if keeper := strings.TrimSpace(c.Keeper); keeper != "" {
		cfg.Keeper = common.HexToAddress(keeper)
	}
	return cfg
}

// ReportEvery returns the parsed report interval. Validate guarantees the
// string parses.
func (c *KeeperConfig) ReportEvery() time.Duration {
	d, err := time.ParseDuration(c.ReportInterval)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// TendEvery returns the parsed tend interval.
func (c *KeeperConfig) TendEvery() time.Duration {
	d, err := time.ParseDuration(c.TendInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

// BorrowLiquidityBig returns the configured liquidity cap, nil when unset.
func (c *MarketConfig) BorrowLiquidityBig() *big.Int {
	return optionalBig(c.BorrowLiquidity)
}

// WithdrawLimitBig returns the configured per-call withdrawal cap, nil when
// unset.
func (c *MarketConfig) WithdrawLimitBig() *big.Int {
	return optionalBig(c.WithdrawLimit)
}

// ManagementSecret reads the management API secret from the environment.
func ManagementSecret() string {
	return strings.TrimSpace(os.Getenv(envManagementSecret))
}

// JournalPath resolves the keeper journal location under the data directory.
func (c *Config) JournalPath() string {
	if filepath.IsAbs(c.Keeper.JournalFile) {
		return c.Keeper.JournalFile
	}
	return filepath.Join(c.DataDir, c.Keeper.JournalFile)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:   defaultListenAddress,
		Environment:     defaultEnvironment,
		LogLevel:        defaultLogLevel,
		DataDir:         defaultDataDir,
		RateLimitPerMin: defaultRateLimitPerMin,
		SecretHeader:    defaultSecretHeader,
		Strategy: StrategyConfig{
			TargetCollatRatioBps:   7_000,
			MaxCollatRatioBps:      9_000,
			RebalanceToleranceBps:  50,
			PerformanceFeeBps:      1_000,
			MinLeverageStepBps:     1,
			ProfitMaxUnlockSeconds: 10 * 24 * 60 * 60,
			Management:             "0x0000000000000000000000000000000000000001",
			Keeper:                 "0x0000000000000000000000000000000000000003",
			Rewards:                "0x0000000000000000000000000000000000000002",
			DeployOnDeposit:        true,
		},
		Market: MarketConfig{
			SupplyRateBps: 500,
			BorrowRateBps: 300,
		},
		Keeper: KeeperConfig{
			ReportInterval: defaultReportInterval,
			TendInterval:   defaultTendInterval,
			JournalFile:    defaultJournalFile,
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Endpoint: "localhost:4318",
			Insecure: true,
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func bpsToWad(bps uint64) *big.Int {
	value := new(big.Int).Mul(new(big.Int).SetUint64(bps), big.NewInt(1e14))
	return value
}

func optionalBig(raw string) *big.Int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return value
}
