// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Strategy names understood by the evaluator pipeline builder.
const (
	StrategyAllJS       = "all-js"
	StrategyJSAndCSS    = "js-css"
	StrategyBlankScreen = "blank-screen"
	StrategyLCP         = "lcp"
)

// Strategies lists every supported pipeline name.
var Strategies = []string{StrategyAllJS, StrategyJSAndCSS, StrategyBlankScreen, StrategyLCP}

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Capture     CaptureConfig     `mapstructure:"capture" yaml:"capture"`
	BlankScreen BlankScreenConfig `mapstructure:"blank_screen" yaml:"blank_screen"`
	LCP         LCPConfig         `mapstructure:"lcp" yaml:"lcp"`
	Manifest    ManifestConfig    `mapstructure:"manifest" yaml:"manifest"`
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
	// Color colours the level of console output.
	Color bool `mapstructure:"color" yaml:"color"`
}

// BrowserConfig holds settings for the controlled browser process.
type BrowserConfig struct {
	// ExecutablePath is optional; chromedp searches the usual locations when empty.
	ExecutablePath string `mapstructure:"executable_path" yaml:"executable_path"`
	// Debug launches a headful browser and leaves measurement pages open.
	Debug            bool          `mapstructure:"debug" yaml:"debug"`
	Args             []string      `mapstructure:"args" yaml:"args"`
	LaunchTimeout    time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	RelaunchInterval time.Duration `mapstructure:"relaunch_interval" yaml:"relaunch_interval"`
}

// CaptureConfig tunes the primary capture pass.
type CaptureConfig struct {
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Strategy          string        `mapstructure:"strategy" yaml:"strategy"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// BlankScreenConfig configures the blank-screen criticality evaluator.
type BlankScreenConfig struct {
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	Threshold         float64       `mapstructure:"threshold" yaml:"threshold"`
	GridSize          int           `mapstructure:"grid_size" yaml:"grid_size"`
	JPEGQuality       int           `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// LCPConfig configures the LCP delay-impact evaluator.
type LCPConfig struct {
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	Threshold      time.Duration `mapstructure:"threshold" yaml:"threshold"`
	ProximityRatio float64       `mapstructure:"proximity_ratio" yaml:"proximity_ratio"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	BufferWait     time.Duration `mapstructure:"buffer_wait" yaml:"buffer_wait"`
	// ResourceDelay defaults to Threshold when zero.
	ResourceDelay time.Duration `mapstructure:"resource_delay" yaml:"resource_delay"`
	// NavigationTimeout defaults to three times Threshold when zero.
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// ManifestConfig describes where the ordered URL list gets rendered.
type ManifestConfig struct {
	Template    string `mapstructure:"template" yaml:"template"`
	Placeholder string `mapstructure:"placeholder" yaml:"placeholder"`
	Output      string `mapstructure:"output" yaml:"output"`
}

// EffectiveResourceDelay returns how long the LCP evaluator holds the candidate request.
func (c LCPConfig) EffectiveResourceDelay() time.Duration {
	if c.ResourceDelay > 0 {
		return c.ResourceDelay
	}
	return c.Threshold
}

// EffectiveNavigationTimeout returns the LCP evaluator's navigation bound.
func (c LCPConfig) EffectiveNavigationTimeout() time.Duration {
	if c.NavigationTimeout > 0 {
		return c.NavigationTimeout
	}
	return 3 * c.Threshold
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults are static, an unmarshal error here is a programming error.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: failed to unmarshal defaults: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default value on the given viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "critpath")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.color", true)

	// -- Browser --
	v.SetDefault("browser.executable_path", "")
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.relaunch_interval", "1s")

	// -- Capture --
	v.SetDefault("capture.concurrency", 5)
	v.SetDefault("capture.navigation_timeout", "30s")
	v.SetDefault("capture.strategy", StrategyAllJS)
	v.SetDefault("capture.drain_timeout", "5s")

	// -- Blank screen --
	v.SetDefault("blank_screen.concurrency", 3)
	v.SetDefault("blank_screen.threshold", 8.0)
	v.SetDefault("blank_screen.grid_size", 50)
	v.SetDefault("blank_screen.jpeg_quality", 10)
	v.SetDefault("blank_screen.navigation_timeout", "30s")

	// -- LCP --
	v.SetDefault("lcp.concurrency", 1)
	v.SetDefault("lcp.threshold", "10s")
	v.SetDefault("lcp.proximity_ratio", 0.9)
	v.SetDefault("lcp.poll_timeout", "10s")
	v.SetDefault("lcp.buffer_wait", "500ms")
	v.SetDefault("lcp.resource_delay", "0s")
	v.SetDefault("lcp.navigation_timeout", "0s")

	// -- Manifest --
	v.SetDefault("manifest.template", "")
	v.SetDefault("manifest.placeholder", "__PREFETCH_RESOURCES__")
	v.SetDefault("manifest.output", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in user supplied file paths.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Browser.ExecutablePath, &c.Manifest.Template, &c.Manifest.Output, &c.Logger.LogFile} {
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
	if c.Capture.Concurrency <= 0 {
		return fmt.Errorf("capture.concurrency must be a positive integer")
	}
	if c.Capture.NavigationTimeout <= 0 {
		return fmt.Errorf("capture.navigation_timeout must be a positive duration")
	}
	if !IsKnownStrategy(c.Capture.Strategy) {
		return fmt.Errorf("capture.strategy %q is not one of %s", c.Capture.Strategy, strings.Join(Strategies, ", "))
	}
	if err := c.BlankScreen.Validate(); err != nil {
		return fmt.Errorf("blank_screen configuration invalid: %w", err)
	}
	if err := c.LCP.Validate(); err != nil {
		return fmt.Errorf("lcp configuration invalid: %w", err)
	}
	if c.Manifest.Template != "" && c.Manifest.Placeholder == "" {
		return fmt.Errorf("manifest.placeholder is required when manifest.template is set")
	}
	return nil
}

// Validate checks the blank-screen evaluator settings.
func (b *BlankScreenConfig) Validate() error {
	if b.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be a positive integer")
	}
	if b.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive")
	}
	if b.GridSize <= 0 {
		return fmt.Errorf("grid_size must be a positive integer")
	}
	if b.JPEGQuality < 1 || b.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100")
	}
	return nil
}

// Validate checks the LCP evaluator settings.
func (l *LCPConfig) Validate() error {
	if l.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be a positive integer")
	}
	if l.Threshold <= 0 {
		return fmt.Errorf("threshold must be a positive duration")
	}
	if l.ProximityRatio <= 0 || l.ProximityRatio > 1 {
		return fmt.Errorf("proximity_ratio must be in (0, 1]")
	}
	if l.PollTimeout <= 0 {
		return fmt.Errorf("poll_timeout must be a positive duration")
	}
	if l.BufferWait < 0 || l.ResourceDelay < 0 || l.NavigationTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// IsKnownStrategy reports whether name is a supported pipeline.
func IsKnownStrategy(name string) bool {
	for _, s := range Strategies {
		if s == name {
			return true
		}
	}
	return false
}
