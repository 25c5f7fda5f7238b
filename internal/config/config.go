package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/swap-cli/internal/registry"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	Chain          string
	RPCURL         string
	ReadOnly       bool
	LogLevel       string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	ReadOnly       bool
	LogLevel       logrus.Level
	Timeout        time.Duration
	Retries        int

	Chain  string
	RPCURL string

	AggregatorProxyURL string
	AggregatorAPIKey   string
	Referrer           string
	FeePercent         string
	SlippagePercent    string
	RateLimit          float64
	RateBurst          int

	// GasReserve is a decimal amount of the native asset.
	GasReserve       string
	PollInterval     time.Duration
	PendingZeroRetry bool
	QuoteDebounce    time.Duration

	ApprovalUnlimited    bool
	ApprovalRecheckDelay time.Duration
	StepTimeout          time.Duration

	// HostURL is only read from SWAP_HOST_PROVIDER_URL; AltHostURL from the
	// config file.
	HostURL       string
	AltHostURL    string
	WalletBatch   string
	KeySource     string
	WatchAddress  string
	MaxFeeGwei    string
	MaxTipGwei    string
	GasMultiplier float64

	TokenStorePath  string
	TokenLockPath   string
	ActionStorePath string
	ActionLockPath  string
}

type fileConfig struct {
	Output   string `yaml:"output"`
	Timeout  string `yaml:"timeout"`
	Retries  *int   `yaml:"retries"`
	Chain    string `yaml:"chain"`
	RPCURL   string `yaml:"rpc_url"`
	LogLevel string `yaml:"log_level"`
	ReadOnly *bool  `yaml:"read_only"`

	GasReserve string `yaml:"gas_reserve"`
	Aggregator struct {
		ProxyURL        string   `yaml:"proxy_url"`
		APIKey          string   `yaml:"api_key"`
		APIKeyEnv       string   `yaml:"api_key_env"`
		Referrer        string   `yaml:"referrer"`
		FeePercent      string   `yaml:"fee_percent"`
		SlippagePercent string   `yaml:"slippage_percent"`
		RateLimit       *float64 `yaml:"rate_limit"`
		Burst           *int     `yaml:"burst"`
	} `yaml:"aggregator"`
	Balance struct {
		PollInterval     string `yaml:"poll_interval"`
		PendingZeroRetry *bool  `yaml:"pending_zero_retry"`
	} `yaml:"balance"`
	Quote struct {
		Debounce string `yaml:"debounce"`
	} `yaml:"quote"`
	Approval struct {
		Unlimited    *bool  `yaml:"unlimited"`
		RecheckDelay string `yaml:"recheck_delay"`
	} `yaml:"approval"`
	Execution struct {
		StepTimeout     string   `yaml:"step_timeout"`
		GasMultiplier   *float64 `yaml:"gas_multiplier"`
		MaxFeeGwei      string   `yaml:"max_fee_gwei"`
		MaxPriorityGwei string   `yaml:"max_priority_fee_gwei"`
		ActionsPath     string   `yaml:"actions_path"`
		ActionsLockPath string   `yaml:"actions_lock_path"`
	} `yaml:"execution"`
	Wallet struct {
		HostURL   string `yaml:"host_url"`
		Batch     string `yaml:"batch"`
		KeySource string `yaml:"key_source"`
		Address   string `yaml:"address"`
	} `yaml:"wallet"`
	Tokens struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"tokens"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.RateBurst < 1 {
		settings.RateBurst = 1
	}
	if settings.GasMultiplier <= 1 {
		settings.GasMultiplier = 1.2
	}
	if err := checkEndpoints(settings); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

// checkEndpoints rejects plain-http endpoints off loopback.
func checkEndpoints(settings Settings) error {
	endpoints := []struct{ name, value string }{
		{"aggregator.proxy_url", settings.AggregatorProxyURL},
		{"SWAP_HOST_PROVIDER_URL", settings.HostURL},
		{"wallet.host_url", settings.AltHostURL},
	}
	for _, e := range endpoints {
		if strings.TrimSpace(e.value) == "" {
			continue
		}
		if !registry.IsAllowedRemoteURL(e.value) {
			return fmt.Errorf("%s must be an https url (plain http is only allowed on loopback): %s", e.name, e.value)
		}
	}
	return nil
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:           "json",
		LogLevel:             logrus.WarnLevel,
		Timeout:              10 * time.Second,
		Retries:              2,
		Chain:                "base",
		SlippagePercent:      "1",
		RateLimit:            1,
		RateBurst:            2,
		GasReserve:           "0.0001",
		PollInterval:         12 * time.Second,
		PendingZeroRetry:     true,
		QuoteDebounce:        time.Second,
		ApprovalRecheckDelay: 2 * time.Second,
		StepTimeout:          2 * time.Minute,
		WalletBatch:          "auto",
		KeySource:            "auto",
		GasMultiplier:        1.2,
		TokenStorePath:       filepath.Join(dataDir, "tokens.db"),
		TokenLockPath:        filepath.Join(dataDir, "tokens.lock"),
		ActionStorePath:      filepath.Join(dataDir, "actions.db"),
		ActionLockPath:       filepath.Join(dataDir, "actions.lock"),
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	if v := os.Getenv("SWAP_CONFIG"); v != "" {
		return v, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "swap", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "swap"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(&settings.Timeout, cfg.Timeout, "timeout"); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	setString(&settings.Chain, cfg.Chain)
	setString(&settings.RPCURL, cfg.RPCURL)
	if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("config log_level: %w", err)
		}
		settings.LogLevel = level
	}
	if cfg.ReadOnly != nil {
		settings.ReadOnly = *cfg.ReadOnly
	}
	setString(&settings.GasReserve, cfg.GasReserve)

	setString(&settings.AggregatorProxyURL, cfg.Aggregator.ProxyURL)
	setString(&settings.AggregatorAPIKey, cfg.Aggregator.APIKey)
	if cfg.Aggregator.APIKeyEnv != "" {
		settings.AggregatorAPIKey = os.Getenv(cfg.Aggregator.APIKeyEnv)
	}
	setString(&settings.Referrer, cfg.Aggregator.Referrer)
	setString(&settings.FeePercent, cfg.Aggregator.FeePercent)
	setString(&settings.SlippagePercent, cfg.Aggregator.SlippagePercent)
	if cfg.Aggregator.RateLimit != nil {
		settings.RateLimit = *cfg.Aggregator.RateLimit
	}
	if cfg.Aggregator.Burst != nil {
		settings.RateBurst = *cfg.Aggregator.Burst
	}

	if err := setDuration(&settings.PollInterval, cfg.Balance.PollInterval, "balance.poll_interval"); err != nil {
		return err
	}
	if cfg.Balance.PendingZeroRetry != nil {
		settings.PendingZeroRetry = *cfg.Balance.PendingZeroRetry
	}
	if err := setDuration(&settings.QuoteDebounce, cfg.Quote.Debounce, "quote.debounce"); err != nil {
		return err
	}
	if cfg.Approval.Unlimited != nil {
		settings.ApprovalUnlimited = *cfg.Approval.Unlimited
	}
	if err := setDuration(&settings.ApprovalRecheckDelay, cfg.Approval.RecheckDelay, "approval.recheck_delay"); err != nil {
		return err
	}

	if err := setDuration(&settings.StepTimeout, cfg.Execution.StepTimeout, "execution.step_timeout"); err != nil {
		return err
	}
	if cfg.Execution.GasMultiplier != nil {
		settings.GasMultiplier = *cfg.Execution.GasMultiplier
	}
	setString(&settings.MaxFeeGwei, cfg.Execution.MaxFeeGwei)
	setString(&settings.MaxTipGwei, cfg.Execution.MaxPriorityGwei)
	setString(&settings.ActionStorePath, cfg.Execution.ActionsPath)
	setString(&settings.ActionLockPath, cfg.Execution.ActionsLockPath)

	setString(&settings.AltHostURL, cfg.Wallet.HostURL)
	setString(&settings.WalletBatch, cfg.Wallet.Batch)
	setString(&settings.KeySource, cfg.Wallet.KeySource)
	setString(&settings.WatchAddress, cfg.Wallet.Address)

	setString(&settings.TokenStorePath, cfg.Tokens.Path)
	setString(&settings.TokenLockPath, cfg.Tokens.LockPath)
	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("SWAP_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("SWAP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("SWAP_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("SWAP_LOG_LEVEL"); v != "" {
		if level, err := logrus.ParseLevel(v); err == nil {
			settings.LogLevel = level
		}
	}
	if v := os.Getenv("SWAP_READ_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.ReadOnly = b
		}
	}
	setString(&settings.Chain, os.Getenv("SWAP_CHAIN"))
	setString(&settings.RPCURL, os.Getenv("SWAP_RPC_URL"))
	setString(&settings.AggregatorProxyURL, os.Getenv("SWAP_1INCH_PROXY_URL"))
	setString(&settings.AggregatorAPIKey, os.Getenv("SWAP_1INCH_API_KEY"))
	setString(&settings.Referrer, os.Getenv("SWAP_REFERRER"))
	setString(&settings.FeePercent, os.Getenv("SWAP_FEE_PERCENT"))
	setString(&settings.SlippagePercent, os.Getenv("SWAP_SLIPPAGE"))
	setString(&settings.GasReserve, os.Getenv("SWAP_GAS_RESERVE"))
	setString(&settings.HostURL, os.Getenv("SWAP_HOST_PROVIDER_URL"))
	setString(&settings.WalletBatch, os.Getenv("SWAP_WALLET_BATCH"))
	setString(&settings.KeySource, os.Getenv("SWAP_KEY_SOURCE"))
	setString(&settings.WatchAddress, os.Getenv("SWAP_WALLET_ADDRESS"))
	setString(&settings.TokenStorePath, os.Getenv("SWAP_TOKENS_PATH"))
	setString(&settings.TokenLockPath, os.Getenv("SWAP_TOKENS_LOCK_PATH"))
	setString(&settings.ActionStorePath, os.Getenv("SWAP_ACTIONS_PATH"))
	setString(&settings.ActionLockPath, os.Getenv("SWAP_ACTIONS_LOCK_PATH"))
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	setString(&settings.Chain, flags.Chain)
	setString(&settings.RPCURL, flags.RPCURL)
	if flags.ReadOnly {
		settings.ReadOnly = true
	}
	if flags.LogLevel != "" {
		level, err := logrus.ParseLevel(flags.LogLevel)
		if err != nil {
			return fmt.Errorf("parse --log-level: %w", err)
		}
		settings.LogLevel = level
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(dst *time.Duration, v, name string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}
