// Package config provides configuration management for the trading core.
// It is the only package that reads environment variables; everything
// else receives an explicit Config by reference.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when fields are unset.
const (
	defaultMaxDailyLossPct = 0.05
	defaultMaxDailyTrades  = 50
	defaultMaxDrawdownPct  = 0.20
	defaultTickInterval    = "5s"
	defaultQuoteMaxAge     = 60 * time.Second
	defaultFanout          = 2
	defaultStartingCash    = 100000.0
)

// Duration wraps time.Duration so yaml configs can use "5s" / "2m"
// notation. Bare integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		var secs int64
		if _, convErr := fmt.Sscanf(raw, "%d", &secs); convErr == nil {
			*d = Duration(time.Duration(secs) * time.Second)
			return nil
		}
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Paths       PathsConfig       `yaml:"paths"`
	Universe    []string          `yaml:"universe"`
	Quotes      QuotesConfig      `yaml:"quotes"`
	Broker      BrokerConfig      `yaml:"broker"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Trade       TradeConfig       `yaml:"trade"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Failover    FailoverConfig    `yaml:"failover"`
}

// EnvironmentConfig defines the runtime environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live | test
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	// RenderMode disables localhost-only behaviors when the process
	// runs on a hosted platform.
	RenderMode bool `yaml:"render_mode"`
}

// PathsConfig defines the directories of the filesystem contract.
type PathsConfig struct {
	StateDir   string `yaml:"state_dir"`
	RuntimeDir string `yaml:"runtime_dir"`
	LogDir     string `yaml:"log_dir"`
	RunDir     string `yaml:"run_dir"`
}

// BrokerState returns the path of the broker state snapshot.
func (p PathsConfig) BrokerState() string { return filepath.Join(p.StateDir, "broker_state.json") }

// TradingMode returns the path of the trading mode file.
func (p PathsConfig) TradingMode() string { return filepath.Join(p.StateDir, "trading_mode.json") }

// BrainState returns the path of the external brain state file.
func (p PathsConfig) BrainState() string { return filepath.Join(p.RuntimeDir, "brain_state.json") }

// AllocationsPrimary returns the primary allocations input path.
func (p PathsConfig) AllocationsPrimary() string {
	return filepath.Join(p.RuntimeDir, "allocations_override.json")
}

// AllocationsFallback returns the symbol-keyed fallback allocations path.
func (p PathsConfig) AllocationsFallback() string {
	return filepath.Join(p.RuntimeDir, "allocations_symbols.json")
}

// QuoteStats returns the path the trade loop publishes quote service
// counters to, read by the supervisor's observability endpoints.
func (p PathsConfig) QuoteStats() string { return filepath.Join(p.RuntimeDir, "quote_stats.json") }

// GuardianPause returns the path of the manual pause file.
func (p PathsConfig) GuardianPause() string { return filepath.Join(p.StateDir, "guardian_pause.json") }

// HaltFile returns the path of the manual halt file checked by the risk gate.
func (p PathsConfig) HaltFile() string { return filepath.Join(p.StateDir, "halt") }

// UsageLedger returns the path of the cloud-failover usage ledger.
func (p PathsConfig) UsageLedger() string { return filepath.Join(p.StateDir, "usage_ledger.json") }

// AgentLog returns the log path for a managed agent.
func (p PathsConfig) AgentLog(name string) string {
	return filepath.Join(p.LogDir, name+".log")
}

// AgentLock returns the lock file path for a managed agent.
func (p PathsConfig) AgentLock(name string) string {
	return filepath.Join(p.RunDir, name+".lock")
}

// AgentPid returns the pid file path for a managed agent.
func (p PathsConfig) AgentPid(name string) string {
	return filepath.Join(p.RunDir, name+".pid")
}

// ProviderConfig defines one quote provider.
type ProviderConfig struct {
	Name    string   `yaml:"name"`
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"` // override for tests; empty uses the provider default
	Timeout Duration `yaml:"timeout"`
}

// QuotesConfig defines quote service behavior.
type QuotesConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	// Priority orders provider names for the tiered fetch; defaults to
	// the declaration order of Providers.
	Priority       []string `yaml:"priority"`
	Fanout         int      `yaml:"fanout"`
	MaxAge         Duration `yaml:"max_age"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// BrokerConfig defines the broker adapter settings.
type BrokerConfig struct {
	StartingCash float64 `yaml:"starting_cash"`
	// AllowLeverage permits negative cash on fills.
	AllowLeverage bool `yaml:"allow_leverage"`
}

// StrategyConfig defines signal evaluation parameters.
type StrategyConfig struct {
	RSIPeriod  int     `yaml:"rsi_period"`
	Overbought float64 `yaml:"overbought"`
	Oversold   float64 `yaml:"oversold"`
	// BootstrapBuy enables the cold-start forced BUY for positionless
	// 24/7 instruments whose RSI sits below the overbought threshold.
	BootstrapBuy *bool `yaml:"bootstrap_buy"`
}

// BootstrapEnabled returns the bootstrap flag, defaulting to true.
func (s StrategyConfig) BootstrapEnabled() bool {
	if s.BootstrapBuy == nil {
		return true
	}
	return *s.BootstrapBuy
}

// RiskConfig defines the pre-trade risk gate limits.
type RiskConfig struct {
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	MaxDailyTrades  int     `yaml:"max_daily_trades"`
	MaxDrawdownPct  float64 `yaml:"max_drawdown_pct"`
}

// TradeConfig defines trade loop pacing and sizing floors.
type TradeConfig struct {
	Interval      string  `yaml:"interval"`
	MinQty        float64 `yaml:"min_qty"`
	DustThreshold float64 `yaml:"dust_threshold"`
	// ProbeTrade runs one minimal self-test trade at startup in test
	// mode to verify the quote → risk → broker path.
	ProbeTrade bool `yaml:"probe_trade"`
}

// AgentConfig declares one supervised agent.
type AgentConfig struct {
	Name     string   `yaml:"name"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Required bool     `yaml:"required"`
	Priority int      `yaml:"priority"`
}

// SupervisorConfig defines agent lifecycle management.
type SupervisorConfig struct {
	Agents          []AgentConfig `yaml:"agents"`
	InitialBackoff  Duration      `yaml:"initial_backoff"`
	MaxBackoff      Duration      `yaml:"max_backoff"`
	StabilityWindow Duration      `yaml:"stability_window"`
	GracePeriod     Duration      `yaml:"grace_period"`
	ListenAddr      string        `yaml:"listen_addr"`
	// AuthToken guards the observability endpoints except /health.
	// Empty disables auth. Set it from the environment via
	// ${DASHBOARD_AUTH_TOKEN} expansion in the yaml.
	AuthToken string `yaml:"auth_token"`
}

// FailoverConfig defines the cloud-failover orchestrator.
type FailoverConfig struct {
	Enabled bool `yaml:"enabled"`
	// Environment names which side of the failover pair this process
	// runs on: "primary" (the metered cloud host) or "failover" (the
	// standby). The standby runs no agents until the ledger cuts over.
	Environment     string  `yaml:"environment"`
	MonthlyHourCap  float64 `yaml:"monthly_hour_cap"`
	WarnThreshold   float64 `yaml:"warn_threshold"`
	SwitchThreshold float64 `yaml:"switch_threshold"`
	// Object store used to copy state between environments.
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// PrimaryHealthURL is pinged to prevent idle eviction; ping
	// traffic does not burn hours.
	PrimaryHealthURL string `yaml:"primary_health_url"`
	PingSchedule     string `yaml:"ping_schedule"`  // cron spec
	ResetSchedule    string `yaml:"reset_schedule"` // cron spec for the period boundary
}

// Load reads .env (best effort), then parses and validates the yaml
// configuration file at the given path.
func Load(configPath string) (*Config, error) {
	// Missing .env is fine; explicit env always wins.
	_ = godotenv.Load()

	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills defaults for unset fields.
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		if mode := os.Getenv("TRADING_MODE"); mode != "" {
			c.Environment.Mode = strings.ToLower(mode)
		} else {
			c.Environment.Mode = "paper"
		}
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = "state"
	}
	if c.Paths.RuntimeDir == "" {
		c.Paths.RuntimeDir = "runtime"
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = "logs"
	}
	if c.Paths.RunDir == "" {
		c.Paths.RunDir = "run"
	}
	if c.Quotes.Fanout <= 0 {
		c.Quotes.Fanout = defaultFanout
	}
	if c.Quotes.MaxAge <= 0 {
		c.Quotes.MaxAge = Duration(defaultQuoteMaxAge)
	}
	if c.Quotes.InitialBackoff <= 0 {
		c.Quotes.InitialBackoff = Duration(2 * time.Second)
	}
	if c.Quotes.MaxBackoff <= 0 {
		c.Quotes.MaxBackoff = Duration(5 * time.Minute)
	}
	if len(c.Quotes.Priority) == 0 {
		for _, p := range c.Quotes.Providers {
			c.Quotes.Priority = append(c.Quotes.Priority, p.Name)
		}
	}
	if c.Broker.StartingCash <= 0 {
		c.Broker.StartingCash = defaultStartingCash
	}
	if c.Strategy.RSIPeriod <= 0 {
		c.Strategy.RSIPeriod = 14
	}
	if c.Strategy.Overbought <= 0 {
		c.Strategy.Overbought = 70
	}
	if c.Strategy.Oversold <= 0 {
		c.Strategy.Oversold = 30
	}
	if c.Risk.MaxDailyLossPct <= 0 {
		c.Risk.MaxDailyLossPct = defaultMaxDailyLossPct
	}
	if c.Risk.MaxDailyTrades <= 0 {
		c.Risk.MaxDailyTrades = defaultMaxDailyTrades
	}
	if c.Risk.MaxDrawdownPct <= 0 {
		c.Risk.MaxDrawdownPct = defaultMaxDrawdownPct
	}
	if c.Trade.Interval == "" {
		c.Trade.Interval = defaultTickInterval
	}
	if c.Trade.DustThreshold <= 0 {
		c.Trade.DustThreshold = 1e-6
	}
	if c.Supervisor.InitialBackoff <= 0 {
		c.Supervisor.InitialBackoff = Duration(2 * time.Second)
	}
	if c.Supervisor.MaxBackoff <= 0 {
		c.Supervisor.MaxBackoff = Duration(60 * time.Second)
	}
	if c.Supervisor.StabilityWindow <= 0 {
		c.Supervisor.StabilityWindow = Duration(60 * time.Second)
	}
	if c.Supervisor.GracePeriod <= 0 {
		c.Supervisor.GracePeriod = Duration(30 * time.Second)
	}
	if c.Supervisor.ListenAddr == "" {
		c.Supervisor.ListenAddr = ":8080"
	}
	if c.Failover.Environment == "" {
		c.Failover.Environment = "primary"
	}
	if c.Failover.PingSchedule == "" {
		c.Failover.PingSchedule = "@every 10m"
	}
	if c.Failover.ResetSchedule == "" {
		c.Failover.ResetSchedule = "0 0 1 * *"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Environment.Mode {
	case "paper", "live", "test":
	default:
		return fmt.Errorf("environment.mode must be 'paper', 'live', or 'test'")
	}

	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug|info|warn|error")
	}

	seen := map[string]bool{}
	for _, p := range c.Quotes.Providers {
		if p.Name == "" {
			return fmt.Errorf("quotes.providers entries require a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("quotes.providers has duplicate name %q", p.Name)
		}
		seen[p.Name] = true
	}
	for _, name := range c.Quotes.Priority {
		// "broker" is reserved for the trading venue's own feed.
		if name != "broker" && !seen[name] {
			return fmt.Errorf("quotes.priority references unknown provider %q", name)
		}
	}

	if c.Risk.MaxDailyLossPct >= 1 {
		return fmt.Errorf("risk.max_daily_loss_pct must be a fraction below 1.0")
	}
	if c.Risk.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be a fraction below 1.0")
	}

	if _, err := time.ParseDuration(c.Trade.Interval); err != nil {
		return fmt.Errorf("trade.interval invalid: %w", err)
	}

	agents := map[string]bool{}
	for _, a := range c.Supervisor.Agents {
		if a.Name == "" || a.Command == "" {
			return fmt.Errorf("supervisor.agents entries require name and command")
		}
		if agents[a.Name] {
			return fmt.Errorf("supervisor.agents has duplicate name %q", a.Name)
		}
		agents[a.Name] = true
	}

	if c.Failover.Enabled {
		switch c.Failover.Environment {
		case "primary", "failover":
		default:
			return fmt.Errorf("failover.environment must be 'primary' or 'failover'")
		}
		if c.Failover.SwitchThreshold <= 0 || c.Failover.WarnThreshold <= 0 {
			return fmt.Errorf("failover thresholds must be positive when failover is enabled")
		}
		if c.Failover.WarnThreshold >= c.Failover.SwitchThreshold {
			return fmt.Errorf("failover.warn_threshold (%.1f) must be < switch_threshold (%.1f)",
				c.Failover.WarnThreshold, c.Failover.SwitchThreshold)
		}
		if c.Failover.MonthlyHourCap > 0 && c.Failover.SwitchThreshold > c.Failover.MonthlyHourCap {
			return fmt.Errorf("failover.switch_threshold (%.1f) must not exceed monthly_hour_cap (%.1f)",
				c.Failover.SwitchThreshold, c.Failover.MonthlyHourCap)
		}
		if c.Failover.Bucket == "" {
			return fmt.Errorf("failover.bucket is required when failover is enabled")
		}
	}

	return nil
}

// IsPaperTrading returns true unless the core is configured for live trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode != "live"
}

// IsTestMode returns true when the core runs in self-test mode.
func (c *Config) IsTestMode() bool {
	return c.Environment.Mode == "test"
}

// ObservabilityAddr returns the listen address for the observability
// server. A bare ":port" binds loopback only; render_mode lifts that
// so a hosted platform can route external traffic to the port.
func (c *Config) ObservabilityAddr() string {
	addr := c.Supervisor.ListenAddr
	if strings.HasPrefix(addr, ":") && !c.Environment.RenderMode {
		return "127.0.0.1" + addr
	}
	return addr
}

// TickInterval returns the configured trade loop interval duration.
func (c *Config) TickInterval() time.Duration {
	d, err := time.ParseDuration(c.Trade.Interval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
