package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/registry"
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
	ChainID        int64
	RPCURL         string
	StoreDriver    string
	StorePath      string
	LogLevel       string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	Retries        int

	ChainID int64
	RPCURL  string

	StoreDriver   string
	StorePath     string
	StoreLockPath string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	LogLevel  string
	LogFormat string
	LogOutput string

	VerifyAttempts   int
	VerifyDelay      time.Duration
	FinalityAttempts int
	FinalityDelay    time.Duration
	Confirmations    uint64

	GasReserve         string
	RetryGasReserve    string
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	SlippageBps        int64
	SerializeFunds     bool
	RecoveryPolicy     string
	KeySource          string

	PlannerProvider string
	PlannerModel    string
	PlannerAPIKey   string
	PlannerBaseURL  string
	PlannerEndpoint string
	PlannerPath     string
	PlannerCacheTTL time.Duration
	PlannerCache    string

	ListenAddr string
	Contracts  registry.Contracts
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Chain   struct {
		ID     int64  `yaml:"id"`
		RPCURL string `yaml:"rpc_url"`
	} `yaml:"chain"`
	Store struct {
		Driver   string `yaml:"driver"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		Redis    struct {
			Addr        string `yaml:"addr"`
			Password    string `yaml:"password"`
			PasswordEnv string `yaml:"password_env"`
			DB          *int   `yaml:"db"`
			Prefix      string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
	Execution struct {
		VerifyAttempts     *int     `yaml:"verify_attempts"`
		VerifyDelay        string   `yaml:"verify_delay"`
		FinalityAttempts   *int     `yaml:"finality_attempts"`
		FinalityDelay      string   `yaml:"finality_delay"`
		Confirmations      *uint64  `yaml:"confirmations"`
		GasReserve         string   `yaml:"gas_reserve"`
		RetryGasReserve    string   `yaml:"retry_gas_reserve"`
		GasMultiplier      *float64 `yaml:"gas_multiplier"`
		MaxFeeGwei         string   `yaml:"max_fee_gwei"`
		MaxPriorityFeeGwei string   `yaml:"max_priority_fee_gwei"`
		SlippageBps        *int64   `yaml:"slippage_bps"`
		SerializeFunds     *bool    `yaml:"serialize_funds"`
		Recovery           string   `yaml:"recovery"`
		KeySource          string   `yaml:"key_source"`
	} `yaml:"execution"`
	Planner struct {
		Provider  string `yaml:"provider"`
		Model     string `yaml:"model"`
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
		BaseURL   string `yaml:"base_url"`
		Endpoint  string `yaml:"endpoint"`
		Path      string `yaml:"path"`
		CacheTTL  string `yaml:"cache_ttl"`
		CachePath string `yaml:"cache_path"`
	} `yaml:"planner"`
	API struct {
		Listen string `yaml:"listen"`
	} `yaml:"api"`
	Contracts registry.Contracts `yaml:"contracts"`
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
		settings.Timeout = 30 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.VerifyAttempts <= 0 {
		settings.VerifyAttempts = 10
	}
	if settings.StoreLockPath == "" && settings.StorePath != "" {
		settings.StoreLockPath = settings.StorePath + ".lock"
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:       "json",
		Timeout:          30 * time.Second,
		Retries:          2,
		ChainID:          8453,
		StoreDriver:      "sqlite",
		StorePath:        filepath.Join(dataDir, "executions.db"),
		StoreLockPath:    filepath.Join(dataDir, "executions.lock"),
		RedisPrefix:      "orchestrator",
		LogLevel:         "info",
		LogFormat:        "json",
		LogOutput:        "stderr",
		VerifyAttempts:   10,
		VerifyDelay:      3 * time.Second,
		FinalityAttempts: 30,
		FinalityDelay:    2 * time.Second,
		Confirmations:    1,
		GasReserve:       "0.0005",
		RetryGasReserve:  "0.001",
		GasMultiplier:    1.2,
		SlippageBps:      50,
		SerializeFunds:   true,
		RecoveryPolicy:   "compensate",
		KeySource:        "auto",
		PlannerModel:     "gpt-4o-mini",
		PlannerCacheTTL:  10 * time.Minute,
		PlannerCache:     filepath.Join(dataDir, "planner-cache.db"),
		ListenAddr:       "127.0.0.1:8080",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	if v := os.Getenv("ORCH_CONFIG"); v != "" {
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
	return filepath.Join(base, "orchestrator", "config.yaml"), nil
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
	return filepath.Join(base, "orchestrator"), nil
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
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Chain.ID != 0 {
		settings.ChainID = cfg.Chain.ID
	}
	if cfg.Chain.RPCURL != "" {
		settings.RPCURL = cfg.Chain.RPCURL
	}

	if cfg.Store.Driver != "" {
		settings.StoreDriver = strings.ToLower(cfg.Store.Driver)
	}
	if cfg.Store.Path != "" {
		settings.StorePath = cfg.Store.Path
		settings.StoreLockPath = ""
	}
	if cfg.Store.LockPath != "" {
		settings.StoreLockPath = cfg.Store.LockPath
	}
	if cfg.Store.Redis.Addr != "" {
		settings.RedisAddr = cfg.Store.Redis.Addr
	}
	if cfg.Store.Redis.Password != "" {
		settings.RedisPassword = cfg.Store.Redis.Password
	}
	if cfg.Store.Redis.PasswordEnv != "" {
		settings.RedisPassword = os.Getenv(cfg.Store.Redis.PasswordEnv)
	}
	if cfg.Store.Redis.DB != nil {
		settings.RedisDB = *cfg.Store.Redis.DB
	}
	if cfg.Store.Redis.Prefix != "" {
		settings.RedisPrefix = cfg.Store.Redis.Prefix
	}

	if cfg.Log.Level != "" {
		settings.LogLevel = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = cfg.Log.Format
	}
	if cfg.Log.Output != "" {
		settings.LogOutput = cfg.Log.Output
	}

	ex := cfg.Execution
	if ex.VerifyAttempts != nil {
		settings.VerifyAttempts = *ex.VerifyAttempts
	}
	if ex.VerifyDelay != "" {
		d, err := time.ParseDuration(ex.VerifyDelay)
		if err != nil {
			return fmt.Errorf("config execution.verify_delay: %w", err)
		}
		settings.VerifyDelay = d
	}
	if ex.FinalityAttempts != nil {
		settings.FinalityAttempts = *ex.FinalityAttempts
	}
	if ex.FinalityDelay != "" {
		d, err := time.ParseDuration(ex.FinalityDelay)
		if err != nil {
			return fmt.Errorf("config execution.finality_delay: %w", err)
		}
		settings.FinalityDelay = d
	}
	if ex.Confirmations != nil {
		settings.Confirmations = *ex.Confirmations
	}
	if ex.GasReserve != "" {
		settings.GasReserve = ex.GasReserve
	}
	if ex.RetryGasReserve != "" {
		settings.RetryGasReserve = ex.RetryGasReserve
	}
	if ex.GasMultiplier != nil {
		settings.GasMultiplier = *ex.GasMultiplier
	}
	if ex.MaxFeeGwei != "" {
		settings.MaxFeeGwei = ex.MaxFeeGwei
	}
	if ex.MaxPriorityFeeGwei != "" {
		settings.MaxPriorityFeeGwei = ex.MaxPriorityFeeGwei
	}
	if ex.SlippageBps != nil {
		settings.SlippageBps = *ex.SlippageBps
	}
	if ex.SerializeFunds != nil {
		settings.SerializeFunds = *ex.SerializeFunds
	}
	if ex.Recovery != "" {
		settings.RecoveryPolicy = strings.ToLower(ex.Recovery)
	}
	if ex.KeySource != "" {
		settings.KeySource = strings.ToLower(ex.KeySource)
	}

	if cfg.Planner.Provider != "" {
		settings.PlannerProvider = strings.ToLower(cfg.Planner.Provider)
	}
	if cfg.Planner.Model != "" {
		settings.PlannerModel = cfg.Planner.Model
	}
	if cfg.Planner.APIKey != "" {
		settings.PlannerAPIKey = cfg.Planner.APIKey
	}
	if cfg.Planner.APIKeyEnv != "" {
		settings.PlannerAPIKey = os.Getenv(cfg.Planner.APIKeyEnv)
	}
	if cfg.Planner.BaseURL != "" {
		settings.PlannerBaseURL = cfg.Planner.BaseURL
	}
	if cfg.Planner.Endpoint != "" {
		settings.PlannerEndpoint = cfg.Planner.Endpoint
	}
	if cfg.Planner.Path != "" {
		settings.PlannerPath = cfg.Planner.Path
	}
	if cfg.Planner.CacheTTL != "" {
		d, err := time.ParseDuration(cfg.Planner.CacheTTL)
		if err != nil {
			return fmt.Errorf("config planner.cache_ttl: %w", err)
		}
		settings.PlannerCacheTTL = d
	}
	if cfg.Planner.CachePath != "" {
		settings.PlannerCache = cfg.Planner.CachePath
	}

	if cfg.API.Listen != "" {
		settings.ListenAddr = cfg.API.Listen
	}
	settings.Contracts = settings.Contracts.Merge(cfg.Contracts)

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("ORCH_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("ORCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("ORCH_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("ORCH_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.ChainID = n
		}
	}
	if v := os.Getenv("ORCH_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("ORCH_STORE_DRIVER"); v != "" {
		settings.StoreDriver = strings.ToLower(v)
	}
	if v := os.Getenv("ORCH_STORE_PATH"); v != "" {
		settings.StorePath = v
		settings.StoreLockPath = ""
	}
	if v := os.Getenv("ORCH_STORE_LOCK_PATH"); v != "" {
		settings.StoreLockPath = v
	}
	if v := os.Getenv("ORCH_REDIS_ADDR"); v != "" {
		settings.RedisAddr = v
	}
	if v := os.Getenv("ORCH_REDIS_PASSWORD"); v != "" {
		settings.RedisPassword = v
	}
	if v := os.Getenv("ORCH_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.RedisDB = n
		}
	}
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv("ORCH_LOG_FORMAT"); v != "" {
		settings.LogFormat = v
	}
	if v := os.Getenv("ORCH_LOG_OUTPUT"); v != "" {
		settings.LogOutput = v
	}
	if v := os.Getenv("ORCH_VERIFY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.VerifyAttempts = n
		}
	}
	if v := os.Getenv("ORCH_VERIFY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.VerifyDelay = d
		}
	}
	if v := os.Getenv("ORCH_FINALITY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.FinalityAttempts = n
		}
	}
	if v := os.Getenv("ORCH_FINALITY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.FinalityDelay = d
		}
	}
	if v := os.Getenv("ORCH_CONFIRMATIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			settings.Confirmations = n
		}
	}
	if v := os.Getenv("ORCH_GAS_RESERVE"); v != "" {
		settings.GasReserve = v
	}
	if v := os.Getenv("ORCH_RETRY_GAS_RESERVE"); v != "" {
		settings.RetryGasReserve = v
	}
	if v := os.Getenv("ORCH_GAS_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.GasMultiplier = f
		}
	}
	if v := os.Getenv("ORCH_MAX_FEE_GWEI"); v != "" {
		settings.MaxFeeGwei = v
	}
	if v := os.Getenv("ORCH_MAX_PRIORITY_FEE_GWEI"); v != "" {
		settings.MaxPriorityFeeGwei = v
	}
	if v := os.Getenv("ORCH_SLIPPAGE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.SlippageBps = n
		}
	}
	if v := os.Getenv("ORCH_SERIALIZE_FUNDS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.SerializeFunds = b
		}
	}
	if v := os.Getenv("ORCH_RECOVERY"); v != "" {
		settings.RecoveryPolicy = strings.ToLower(v)
	}
	if v := os.Getenv("ORCH_KEY_SOURCE"); v != "" {
		settings.KeySource = strings.ToLower(v)
	}
	if v := os.Getenv("ORCH_PLANNER"); v != "" {
		settings.PlannerProvider = strings.ToLower(v)
	}
	if v := os.Getenv("ORCH_PLANNER_MODEL"); v != "" {
		settings.PlannerModel = v
	}
	if v := os.Getenv("ORCH_PLANNER_API_KEY"); v != "" {
		settings.PlannerAPIKey = v
	}
	if v := os.Getenv("ORCH_PLANNER_BASE_URL"); v != "" {
		settings.PlannerBaseURL = v
	}
	if v := os.Getenv("ORCH_PLANNER_ENDPOINT"); v != "" {
		settings.PlannerEndpoint = v
	}
	if v := os.Getenv("ORCH_PLANNER_PATH"); v != "" {
		settings.PlannerPath = v
	}
	if v := os.Getenv("ORCH_PLANNER_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PlannerCacheTTL = d
		}
	}
	if v := os.Getenv("ORCH_LISTEN"); v != "" {
		settings.ListenAddr = v
	}
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
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
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
	if flags.ChainID > 0 {
		settings.ChainID = flags.ChainID
	}
	if flags.RPCURL != "" {
		settings.RPCURL = flags.RPCURL
	}
	if flags.StoreDriver != "" {
		settings.StoreDriver = strings.ToLower(flags.StoreDriver)
	}
	if flags.StorePath != "" {
		settings.StorePath = flags.StorePath
		settings.StoreLockPath = ""
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	switch settings.StoreDriver {
	case "memory", "sqlite", "bolt", "redis":
	default:
		return fmt.Errorf("store driver must be memory, sqlite, bolt or redis")
	}
	if settings.SlippageBps < 0 || settings.SlippageBps >= 10_000 {
		return fmt.Errorf("slippage_bps must be between 0 and 9999")
	}

	return nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if f := strings.TrimSpace(part); f != "" {
			out = append(out, f)
		}
	}
	return out
}
