// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration. It is built once at
// startup by NewConfigFromViper and handed to components by value; nothing
// mutates it afterwards.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Target    TargetConfig    `mapstructure:"target" yaml:"target"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Locator   LocatorConfig   `mapstructure:"locator" yaml:"locator"`
	Sequence  SequenceConfig  `mapstructure:"sequence" yaml:"sequence"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
	Terminal  TerminalConfig  `mapstructure:"terminal" yaml:"terminal"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig names the console color of each level. Levels above error
// share the error color.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// BrowserConfig holds settings for the browser process.
type BrowserConfig struct {
	// Headful shows the browser window. The workflow task runs headless by
	// default; the terminal task overrides this through TerminalConfig.Headful.
	Headful           bool          `mapstructure:"headful" yaml:"headful"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	WindowWidth       int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight      int           `mapstructure:"window_height" yaml:"window_height"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// TypingDelay is the pause between keystrokes when typing into a focused surface.
	TypingDelay time.Duration `mapstructure:"typing_delay" yaml:"typing_delay"`
}

// TargetConfig describes the workflow UI being inspected.
type TargetConfig struct {
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	WorkflowID string `mapstructure:"workflow_id" yaml:"workflow_id"`
	Email      string `mapstructure:"email" yaml:"email"`
	Password   string `mapstructure:"password" yaml:"-"`
	LoginPath  string `mapstructure:"login_path" yaml:"login_path"`
	// NodeLabel is the canvas node whose side panel is dumped after debugging.
	NodeLabel string `mapstructure:"node_label" yaml:"node_label"`
}

// HasCredentials reports whether both halves of the credential pair are present.
func (t TargetConfig) HasCredentials() bool {
	return t.Email != "" && t.Password != ""
}

// AuthConfig tunes the authentication resolver.
type AuthConfig struct {
	StatePath            string        `mapstructure:"state_path" yaml:"state_path"`
	SuccessURLSubstrings []string      `mapstructure:"success_url_substrings" yaml:"success_url_substrings"`
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	AutomatedTimeout     time.Duration `mapstructure:"automated_timeout" yaml:"automated_timeout"`
	ManualTimeout        time.Duration `mapstructure:"manual_timeout" yaml:"manual_timeout"`
	AlreadyLoggedInProbe time.Duration `mapstructure:"already_logged_in_probe" yaml:"already_logged_in_probe"`
}

// LocatorConfig tunes the fallback locator chain.
type LocatorConfig struct {
	StrategyTimeout time.Duration `mapstructure:"strategy_timeout" yaml:"strategy_timeout"`
	AwaitInterval   time.Duration `mapstructure:"await_interval" yaml:"await_interval"`
	ScanMinWidth    int           `mapstructure:"scan_min_width" yaml:"scan_min_width"`
	ScanMinHeight   int           `mapstructure:"scan_min_height" yaml:"scan_min_height"`
}

// SequenceConfig tunes the step sequencer.
type SequenceConfig struct {
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// ArtifactsConfig controls where diagnostics land.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// TerminalConfig configures the hosting-panel terminal update task.
type TerminalConfig struct {
	LoginURL     string        `mapstructure:"login_url" yaml:"login_url"`
	Headful      bool          `mapstructure:"headful" yaml:"headful"`
	KeepOpen     bool          `mapstructure:"keep_open" yaml:"keep_open"`
	StatePath    string        `mapstructure:"state_path" yaml:"state_path"`
	ReadyPattern string        `mapstructure:"ready_pattern" yaml:"ready_pattern"`
	LoginTimeout time.Duration `mapstructure:"login_timeout" yaml:"login_timeout"`
	Settle       time.Duration `mapstructure:"settle" yaml:"settle"`
	FocusPause   time.Duration `mapstructure:"focus_pause" yaml:"focus_pause"`
	Commands     []string      `mapstructure:"commands" yaml:"commands"`
}

// DatabaseConfig holds the optional run history connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// DefaultUpdateCommands is the docker compose refresh issued through the panel terminal.
var DefaultUpdateCommands = []string{
	"set -e",
	`echo "$(whoami) on $(hostname)"`,
	"cd /root/n8n 2>/dev/null || cd /opt/n8n 2>/dev/null || cd /srv/n8n 2>/dev/null || cd /var/lib/n8n 2>/dev/null || pwd",
	"pwd",
	"ls -la",
	`test -f docker-compose.yml || test -f compose.yaml || find $HOME -maxdepth 3 -type f \( -name docker-compose.yml -o -name compose.yaml \) | head -n 1`,
	`if [ -f docker-compose.yml ] || [ -f compose.yaml ]; then echo "Compose file present"; else echo "No compose file in CWD"; fi`,
	"docker compose pull",
	"docker compose down",
	"docker compose up -d",
	"docker compose ps",
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "wfmedic")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headful", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.window_width", 1440)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.typing_delay", "15ms")

	// -- Target --
	v.SetDefault("target.base_url", "https://n8n.srv1002253.hstgr.cloud")
	v.SetDefault("target.workflow_id", "REqxDUqLU22TgzCi")
	v.SetDefault("target.login_path", "/signin")
	v.SetDefault("target.node_label", "Create database page")

	// -- Auth --
	v.SetDefault("auth.state_path", ".auth/state.json")
	v.SetDefault("auth.success_url_substrings", []string{"/workflow", "/workflows", "/canvas", "/settings"})
	v.SetDefault("auth.poll_interval", "200ms")
	v.SetDefault("auth.automated_timeout", "15s")
	v.SetDefault("auth.manual_timeout", "3m")
	v.SetDefault("auth.already_logged_in_probe", "3s")

	// -- Locator --
	v.SetDefault("locator.strategy_timeout", "3s")
	v.SetDefault("locator.await_interval", "250ms")
	v.SetDefault("locator.scan_min_width", 40)
	v.SetDefault("locator.scan_min_height", 12)

	// -- Sequence --
	v.SetDefault("sequence.step_timeout", "30s")
	v.SetDefault("sequence.retry_delay", "1s")

	// -- Artifacts --
	v.SetDefault("artifacts.dir", "artifacts")

	// -- Terminal --
	v.SetDefault("terminal.login_url", "https://hpanel.hostinger.com/")
	v.SetDefault("terminal.headful", true)
	v.SetDefault("terminal.keep_open", false)
	v.SetDefault("terminal.state_path", "")
	v.SetDefault("terminal.ready_pattern", `(VPS|Dashboard|Search|Home)`)
	v.SetDefault("terminal.login_timeout", "3m")
	v.SetDefault("terminal.settle", "2500ms")
	v.SetDefault("terminal.focus_pause", "5s")
	v.SetDefault("terminal.commands", DefaultUpdateCommands)
}

// BindLegacyEnv maps the environment variable names used by the earlier
// scripts onto config keys so existing .env files keep working.
func BindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("target.base_url", "WFMEDIC_TARGET_BASE_URL", "N8N_BASE_URL")
	_ = v.BindEnv("target.email", "WFMEDIC_TARGET_EMAIL", "N8N_EMAIL")
	_ = v.BindEnv("target.password", "WFMEDIC_TARGET_PASSWORD", "N8N_PASSWORD")
	_ = v.BindEnv("target.workflow_id", "WFMEDIC_TARGET_WORKFLOW_ID", "N8N_WORKFLOW_ID")
	_ = v.BindEnv("terminal.login_url", "WFMEDIC_TERMINAL_LOGIN_URL", "HOSTINGER_LOGIN_URL")
	_ = v.BindEnv("database.url", "WFMEDIC_DATABASE_URL")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	BindLegacyEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// HEADFUL accepts "1" or "true" and applies to both tasks when present.
	if raw, ok := lookupHeadful(v); ok {
		cfg.Browser.Headful = raw
		cfg.Terminal.Headful = raw
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func lookupHeadful(v *viper.Viper) (bool, bool) {
	_ = v.BindEnv("headful", "HEADFUL")
	if !v.IsSet("headful") {
		return false, false
	}
	raw := strings.ToLower(strings.TrimSpace(v.GetString("headful")))
	return raw == "1" || raw == "true", true
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Auth.StatePath, &c.Terminal.StatePath, &c.Artifacts.Dir, &c.Logger.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url is required")
	}
	if c.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts.dir is required")
	}
	if c.Auth.PollInterval <= 0 {
		return fmt.Errorf("auth.poll_interval must be a positive duration")
	}
	if c.Auth.ManualTimeout < c.Auth.AutomatedTimeout {
		return fmt.Errorf("auth.manual_timeout must not be shorter than auth.automated_timeout")
	}
	if c.Locator.StrategyTimeout <= 0 {
		return fmt.Errorf("locator.strategy_timeout must be a positive duration")
	}
	if c.Sequence.StepTimeout <= 0 {
		return fmt.Errorf("sequence.step_timeout must be a positive duration")
	}
	if c.Sequence.RetryDelay < 0 {
		return fmt.Errorf("sequence.retry_delay must not be negative")
	}
	if c.Terminal.Settle < 0 {
		return fmt.Errorf("terminal.settle must not be negative")
	}
	return nil
}
