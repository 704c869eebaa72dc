package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// StoreConfig points at the relational findings/status/council store.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// EventLogConfig points at the append-only telemetry log.
type EventLogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// DrawdownConfig carries the portfolio circuit breaker threshold.
type DrawdownConfig struct {
	Limit float64 `yaml:"limit" mapstructure:"limit"`
}

// AllocatorConfig carries UCB allocator tunables (spec.md §4.F, §6).
type AllocatorConfig struct {
	Exploration float64 `yaml:"exploration" mapstructure:"exploration"`
	Window      int     `yaml:"window" mapstructure:"window"`
	RunBudget   int     `yaml:"run_budget" mapstructure:"run_budget"`
	MinSignals  int     `yaml:"min_signals" mapstructure:"min_signals"`
	HalfLife    int     `yaml:"half_life" mapstructure:"half_life"`
	MinDecay    float64 `yaml:"min_decay" mapstructure:"min_decay"`
}

// CouncilConfig carries the triple-confirmation LLM council tunables.
type CouncilConfig struct {
	TimeoutSec int `yaml:"timeout_sec" mapstructure:"timeout_sec"`
	MinAgree   int `yaml:"min_agree" mapstructure:"min_agree"`
}

// RegimeHalfLife overrides §4.C's half-life table; zero values fall back
// to the built-in defaults in the decay package.
type RegimeHalfLife struct {
	RiskOn     float64 `yaml:"risk_on" mapstructure:"risk_on"`
	RiskOff    float64 `yaml:"risk_off" mapstructure:"risk_off"`
	Transition float64 `yaml:"transition" mapstructure:"transition"`
	Shock      float64 `yaml:"shock" mapstructure:"shock"`
	Unknown    float64 `yaml:"unknown" mapstructure:"unknown"`
}

// ProviderConfig describes one LLM council provider.
type ProviderConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	APIKeyEnv string `yaml:"api_key_env" mapstructure:"api_key_env"`
	Model     string `yaml:"model" mapstructure:"model"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
}

// ProvidersConfig groups the three council providers.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai" mapstructure:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    ProviderConfig `yaml:"gemini" mapstructure:"gemini"`
}

// EmailConfig describes the notification transport (spec.md §6 email contract).
type EmailConfig struct {
	Enabled  bool     `yaml:"enabled" mapstructure:"enabled"`
	From     string   `yaml:"from" mapstructure:"from"`
	To       []string `yaml:"to" mapstructure:"to"`
	SMTPHost string   `yaml:"smtp_host" mapstructure:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port" mapstructure:"smtp_port"`
	UserEnv  string   `yaml:"user_env" mapstructure:"user_env"`
	PassEnv  string   `yaml:"pass_env" mapstructure:"pass_env"`
}

// AdminConfig describes the HTTP administrative surface (§6 "Process surface").
type AdminConfig struct {
	Addr           string   `yaml:"addr" mapstructure:"addr"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	SigningKeyEnv  string   `yaml:"signing_key_env" mapstructure:"signing_key_env"`
	AuditLogPath   string   `yaml:"audit_log_path" mapstructure:"audit_log_path"`
}

// LoggingConfig selects zap's verbosity.
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

// Root is the top-level configuration tree for the control plane.
type Root struct {
	Store          StoreConfig      `yaml:"store" mapstructure:"store"`
	EventLog       EventLogConfig   `yaml:"event_log" mapstructure:"event_log"`
	Drawdown       DrawdownConfig   `yaml:"drawdown" mapstructure:"drawdown"`
	Allocator      AllocatorConfig  `yaml:"allocator" mapstructure:"allocator"`
	Council        CouncilConfig    `yaml:"council" mapstructure:"council"`
	RegimeHalfLife RegimeHalfLife   `yaml:"regime_half_life" mapstructure:"regime_half_life"`
	Providers      ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Email          EmailConfig      `yaml:"email" mapstructure:"email"`
	Admin          AdminConfig      `yaml:"admin" mapstructure:"admin"`
	Logging        LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

// Timeout returns the per-call LLM council timeout as a duration.
func (c CouncilConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Load reads the YAML file at path, layers environment-variable overrides
// (viper, following the teacher's internal/config.Load pattern) and a local
// .env file of provider credentials (godotenv), and fills zero-value
// defaults. path may be empty, in which case only env/.env/defaults
// apply — the control plane must be able to boot from env alone.
func Load(path string) (Root, error) {
	_ = godotenv.Load() // optional; absence of .env is not an error

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MARKETCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindLegacyEnvAliases(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Root{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var c Root
	if err := v.Unmarshal(&c); err != nil {
		return Root{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyDefaults(&c)
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "data/marketctl.db")
	v.SetDefault("event_log.path", "data/events.jsonl")
	v.SetDefault("drawdown.limit", -3.0)
	v.SetDefault("allocator.exploration", 1.5)
	v.SetDefault("allocator.window", 500)
	v.SetDefault("allocator.run_budget", 30)
	v.SetDefault("allocator.min_signals", 15)
	v.SetDefault("allocator.half_life", 200)
	v.SetDefault("allocator.min_decay", 0.15)
	v.SetDefault("council.timeout_sec", 20)
	v.SetDefault("council.min_agree", 2)
	v.SetDefault("regime_half_life.risk_on", 120.0)
	v.SetDefault("regime_half_life.risk_off", 40.0)
	v.SetDefault("regime_half_life.transition", 20.0)
	v.SetDefault("regime_half_life.shock", 10.0)
	v.SetDefault("regime_half_life.unknown", 60.0)
	v.SetDefault("admin.addr", ":8090")
	v.SetDefault("admin.signing_key_env", "ADMIN_SIGNING_SECRET")
	v.SetDefault("admin.audit_log_path", "data/audit/admin.jsonl")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", true)
}

// bindLegacyEnvAliases wires the bare environment-variable names from
// spec.md §6 ("DRAWDOWN_LIMIT", "UCB_EXPLORATION", ...) to their nested
// config keys, alongside viper's MARKETCTL_-prefixed automatic binding.
func bindLegacyEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"drawdown.limit":              "DRAWDOWN_LIMIT",
		"allocator.exploration":       "UCB_EXPLORATION",
		"allocator.window":            "UCB_WINDOW",
		"allocator.run_budget":        "RUN_BUDGET",
		"council.timeout_sec":         "LLM_COUNCIL_TIMEOUT_SEC",
		"council.min_agree":           "LLM_COUNCIL_MIN_AGREE",
		"regime_half_life.risk_on":    "REGIME_HALF_LIFE_RISK_ON",
		"regime_half_life.risk_off":   "REGIME_HALF_LIFE_RISK_OFF",
		"regime_half_life.transition": "REGIME_HALF_LIFE_TRANSITION",
		"regime_half_life.shock":      "REGIME_HALF_LIFE_SHOCK",
		"regime_half_life.unknown":    "REGIME_HALF_LIFE_UNKNOWN",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}

func applyDefaults(c *Root) {
	if c.Store.Path == "" {
		c.Store.Path = "data/marketctl.db"
	}
	if c.EventLog.Path == "" {
		c.EventLog.Path = "data/events.jsonl"
	}
	if c.Drawdown.Limit == 0 {
		c.Drawdown.Limit = -3.0
	}
	if c.Allocator.Exploration == 0 {
		c.Allocator.Exploration = 1.5
	}
	if c.Allocator.Window == 0 {
		c.Allocator.Window = 500
	}
	if c.Allocator.RunBudget == 0 {
		c.Allocator.RunBudget = 30
	}
	if c.Allocator.MinSignals == 0 {
		c.Allocator.MinSignals = 15
	}
	if c.Allocator.HalfLife == 0 {
		c.Allocator.HalfLife = 200
	}
	if c.Allocator.MinDecay == 0 {
		c.Allocator.MinDecay = 0.15
	}
	if c.Council.TimeoutSec == 0 {
		c.Council.TimeoutSec = 20
	}
	if c.Council.MinAgree == 0 {
		c.Council.MinAgree = 2
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = ":8090"
	}
	if c.Admin.AuditLogPath == "" {
		c.Admin.AuditLogPath = "data/audit/admin.jsonl"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
