package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Portal  PortalConfig  `mapstructure:"portal" yaml:"portal"`
	Login   LoginConfig   `mapstructure:"login" yaml:"login"`
	Captcha CaptchaConfig `mapstructure:"captcha" yaml:"captcha"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Stealth StealthConfig `mapstructure:"stealth" yaml:"stealth"`
	Limits  LimitsConfig  `mapstructure:"limits" yaml:"limits"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// PortalConfig describes the login form of the target portal
type PortalConfig struct {
	Identifier         string          `mapstructure:"identifier" yaml:"identifier,omitempty"`
	Secret             string          `mapstructure:"secret" yaml:"secret,omitempty"`
	LoginURL           string          `mapstructure:"login_url" yaml:"login_url"`
	Selectors          SelectorsConfig `mapstructure:"selectors" yaml:"selectors"`
	SuccessURLPatterns []string        `mapstructure:"success_url_patterns" yaml:"success_url_patterns"`
	FailureURLPatterns []string        `mapstructure:"failure_url_patterns" yaml:"failure_url_patterns"`
}

// SelectorsConfig lists candidate CSS selectors, tried in order
type SelectorsConfig struct {
	Identifier []string `mapstructure:"identifier" yaml:"identifier"`
	Secret     []string `mapstructure:"secret" yaml:"secret"`
	Continue   []string `mapstructure:"continue" yaml:"continue"`
	Submit     []string `mapstructure:"submit" yaml:"submit"`
	Error      []string `mapstructure:"error" yaml:"error"`
}

// LoginConfig contains the retry budgets and waits of the login flow
type LoginConfig struct {
	MaxLoginAttempts        int           `mapstructure:"max_login_attempts" yaml:"max_login_attempts"`
	RefreshCycles           int           `mapstructure:"refresh_cycles" yaml:"refresh_cycles"`
	CaptchaAttemptsPerCycle int           `mapstructure:"captcha_attempts_per_cycle" yaml:"captcha_attempts_per_cycle"`
	StepTimeout             time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	ChallengeWait           time.Duration `mapstructure:"challenge_wait" yaml:"challenge_wait"`
	PollInterval            time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SettleDelay             time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// CaptchaConfig contains slider challenge settings
type CaptchaConfig struct {
	WidgetSelectors     []string      `mapstructure:"widget_selectors" yaml:"widget_selectors"`
	BackgroundSelectors []string      `mapstructure:"background_selectors" yaml:"background_selectors"`
	PieceSelectors      []string      `mapstructure:"piece_selectors" yaml:"piece_selectors"`
	HandleSelectors     []string      `mapstructure:"handle_selectors" yaml:"handle_selectors"`
	IntensityWeight     float64       `mapstructure:"intensity_weight" yaml:"intensity_weight"`
	EdgeWeight          float64       `mapstructure:"edge_weight" yaml:"edge_weight"`
	CannyLow            float64       `mapstructure:"canny_low" yaml:"canny_low"`
	CannyHigh           float64       `mapstructure:"canny_high" yaml:"canny_high"`
	MinConfidence       float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	DragOffset          float64       `mapstructure:"drag_offset" yaml:"drag_offset"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	VerifyDelay         time.Duration `mapstructure:"verify_delay" yaml:"verify_delay"`
	VerifyJitter        time.Duration `mapstructure:"verify_jitter" yaml:"verify_jitter"`
	DebugDir            string        `mapstructure:"debug_dir" yaml:"debug_dir"`
}

// BrowserConfig contains browser automation settings
type BrowserConfig struct {
	Driver         string `mapstructure:"driver" yaml:"driver"`
	Headless       bool   `mapstructure:"headless" yaml:"headless"`
	ViewportWidth  int    `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height" yaml:"viewport_height"`
	UserAgent      string `mapstructure:"user_agent" yaml:"user_agent"`
	ExecutablePath string `mapstructure:"executable_path" yaml:"executable_path"`
	ProfileDir     string `mapstructure:"profile_dir" yaml:"profile_dir"`
}

// StealthConfig contains pacing and motion settings
type StealthConfig struct {
	Timing      TimingConfig      `mapstructure:"timing" yaml:"timing"`
	Motion      MotionConfig      `mapstructure:"motion" yaml:"motion"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint" yaml:"fingerprint"`
}

// TimingConfig bounds the pause between page interactions
type TimingConfig struct {
	MinDelay time.Duration `mapstructure:"min_delay" yaml:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// MotionConfig shapes the slider drag trajectory
type MotionConfig struct {
	MinSteps      int           `mapstructure:"min_steps" yaml:"min_steps"`
	MaxSteps      int           `mapstructure:"max_steps" yaml:"max_steps"`
	PixelsPerStep int           `mapstructure:"pixels_per_step" yaml:"pixels_per_step"`
	JitterXMin    int           `mapstructure:"jitter_x_min" yaml:"jitter_x_min"`
	JitterXMax    int           `mapstructure:"jitter_x_max" yaml:"jitter_x_max"`
	JitterY       int           `mapstructure:"jitter_y" yaml:"jitter_y"`
	DwellMin      time.Duration `mapstructure:"dwell_min" yaml:"dwell_min"`
	DwellMax      time.Duration `mapstructure:"dwell_max" yaml:"dwell_max"`
	CorrectionMin int           `mapstructure:"correction_min" yaml:"correction_min"`
	CorrectionMax int           `mapstructure:"correction_max" yaml:"correction_max"`
	HoldMin       time.Duration `mapstructure:"hold_min" yaml:"hold_min"`
	HoldMax       time.Duration `mapstructure:"hold_max" yaml:"hold_max"`
}

// FingerprintConfig for browser fingerprint masking
type FingerprintConfig struct {
	RandomUserAgent   bool     `mapstructure:"random_user_agent" yaml:"random_user_agent"`
	RandomViewport    bool     `mapstructure:"random_viewport" yaml:"random_viewport"`
	MinViewportWidth  int      `mapstructure:"min_viewport_width" yaml:"min_viewport_width"`
	MaxViewportWidth  int      `mapstructure:"max_viewport_width" yaml:"max_viewport_width"`
	MinViewportHeight int      `mapstructure:"min_viewport_height" yaml:"min_viewport_height"`
	MaxViewportHeight int      `mapstructure:"max_viewport_height" yaml:"max_viewport_height"`
	UserAgents        []string `mapstructure:"user_agents" yaml:"user_agents"`
}

// LimitsConfig contains rate limiting settings
type LimitsConfig struct {
	DailyLogins   int           `mapstructure:"daily_logins" yaml:"daily_logins"`
	HourlyLogins  int           `mapstructure:"hourly_logins" yaml:"hourly_logins"`
	MinInterval   time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
	JitterPercent float64       `mapstructure:"jitter_percent" yaml:"jitter_percent"`
}

// StorageConfig contains database settings
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Output     string `mapstructure:"output" yaml:"output"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
}

// ErrMissingCredentials is returned by RequireCredentials.
var ErrMissingCredentials = errors.New("portal identifier and secret are required")

// LoadConfig loads configuration from file and environment variables.
// A default file is written when configPath does not exist.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("PORTALGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := createDefaultConfig(v, configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.identifier", "")
	v.SetDefault("portal.secret", "")
	v.SetDefault("portal.login_url", "https://account.jobvision.ir/Candidate/Login")
	v.SetDefault("portal.selectors.identifier", []string{"input[name='Username']", "#Username", "input[type='email']"})
	v.SetDefault("portal.selectors.secret", []string{"input[name='Password']", "#Password", "input[type='password']"})
	v.SetDefault("portal.selectors.continue", []string{"a.btn.btn-primary", "button.btn-primary", "button[type='submit']"})
	v.SetDefault("portal.selectors.submit", []string{"button[type='submit']", "button.btn-primary", "input[type='submit']"})
	v.SetDefault("portal.selectors.error", []string{".validation-summary-errors", ".field-validation-error", ".alert-danger", ".text-danger"})
	v.SetDefault("portal.success_url_patterns", []string{})
	v.SetDefault("portal.failure_url_patterns", []string{"/Error", "/Lockout"})

	v.SetDefault("login.max_login_attempts", 5)
	v.SetDefault("login.refresh_cycles", 3)
	v.SetDefault("login.captcha_attempts_per_cycle", 3)
	v.SetDefault("login.step_timeout", "15s")
	v.SetDefault("login.challenge_wait", "5s")
	v.SetDefault("login.poll_interval", "250ms")
	v.SetDefault("login.settle_delay", "5s")

	v.SetDefault("captcha.widget_selectors", []string{"#challenge", ".captcha", ".slider-container", ".captcha-challenge"})
	v.SetDefault("captcha.background_selectors", []string{"#challenge .tw-relative img", "#challenge img", ".captcha-bg img", ".challenge-bg img"})
	v.SetDefault("captcha.piece_selectors", []string{"#challenge .tw-absolute img.puzzle", "#challenge img.puzzle", ".captcha-piece img", ".puzzle-img"})
	v.SetDefault("captcha.handle_selectors", []string{"#challenge .draggable", ".draggable", ".slider", ".handle"})
	v.SetDefault("captcha.intensity_weight", 0.6)
	v.SetDefault("captcha.edge_weight", 0.4)
	v.SetDefault("captcha.canny_low", 100)
	v.SetDefault("captcha.canny_high", 200)
	v.SetDefault("captcha.min_confidence", 0.2)
	v.SetDefault("captcha.drag_offset", 0)
	v.SetDefault("captcha.fetch_timeout", "15s")
	v.SetDefault("captcha.verify_delay", "2s")
	v.SetDefault("captcha.verify_jitter", "1500ms")
	v.SetDefault("captcha.debug_dir", "")

	v.SetDefault("browser.driver", "rod")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.executable_path", "")
	v.SetDefault("browser.profile_dir", "./sessions")

	v.SetDefault("stealth.timing.min_delay", "500ms")
	v.SetDefault("stealth.timing.max_delay", "2s")

	v.SetDefault("stealth.motion.min_steps", 6)
	v.SetDefault("stealth.motion.max_steps", 25)
	v.SetDefault("stealth.motion.pixels_per_step", 10)
	v.SetDefault("stealth.motion.jitter_x_min", -2)
	v.SetDefault("stealth.motion.jitter_x_max", 3)
	v.SetDefault("stealth.motion.jitter_y", 1)
	v.SetDefault("stealth.motion.dwell_min", "30ms")
	v.SetDefault("stealth.motion.dwell_max", "90ms")
	v.SetDefault("stealth.motion.correction_min", 3)
	v.SetDefault("stealth.motion.correction_max", 8)
	v.SetDefault("stealth.motion.hold_min", "120ms")
	v.SetDefault("stealth.motion.hold_max", "320ms")

	v.SetDefault("stealth.fingerprint.random_user_agent", false)
	v.SetDefault("stealth.fingerprint.random_viewport", true)
	v.SetDefault("stealth.fingerprint.min_viewport_width", 1366)
	v.SetDefault("stealth.fingerprint.max_viewport_width", 1920)
	v.SetDefault("stealth.fingerprint.min_viewport_height", 768)
	v.SetDefault("stealth.fingerprint.max_viewport_height", 1080)
	v.SetDefault("stealth.fingerprint.user_agents", []string{})

	v.SetDefault("limits.daily_logins", 20)
	v.SetDefault("limits.hourly_logins", 6)
	v.SetDefault("limits.min_interval", "30s")
	v.SetDefault("limits.jitter_percent", 20.0)

	v.SetDefault("storage.path", "./data/portalgate.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
}

// createDefaultConfig writes the defaults held by v to configPath.
func createDefaultConfig(v *viper.Viper, configPath string) error {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return err
	}
	config.Portal.Identifier = ""
	config.Portal.Secret = ""

	data, err := yaml.Marshal(&config)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0600)
}

// overrideFromEnv overrides credentials with the short environment names
func overrideFromEnv(v *viper.Viper) {
	if id := os.Getenv("PORTAL_IDENTIFIER"); id != "" {
		v.Set("portal.identifier", id)
	}
	if secret := os.Getenv("PORTAL_SECRET"); secret != "" {
		v.Set("portal.secret", secret)
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Portal.LoginURL == "" {
		return fmt.Errorf("portal login_url is required")
	}
	if config.Login.MaxLoginAttempts < 1 {
		return fmt.Errorf("login max_login_attempts must be at least 1")
	}
	if config.Login.RefreshCycles < 1 {
		return fmt.Errorf("login refresh_cycles must be at least 1")
	}
	if config.Login.CaptchaAttemptsPerCycle < 1 {
		return fmt.Errorf("login captcha_attempts_per_cycle must be at least 1")
	}
	if config.Captcha.IntensityWeight < 0 || config.Captcha.EdgeWeight < 0 {
		return fmt.Errorf("captcha weights must not be negative")
	}
	if config.Captcha.IntensityWeight+config.Captcha.EdgeWeight == 0 {
		return fmt.Errorf("captcha intensity_weight and edge_weight cannot both be zero")
	}
	if config.Captcha.CannyLow > config.Captcha.CannyHigh {
		return fmt.Errorf("captcha canny_low must not exceed canny_high")
	}
	if config.Stealth.Timing.MinDelay < 0 || config.Stealth.Timing.MinDelay > config.Stealth.Timing.MaxDelay {
		return fmt.Errorf("stealth timing min_delay must be between 0 and max_delay")
	}
	switch config.Browser.Driver {
	case "rod", "chromedp":
	default:
		return fmt.Errorf("unknown browser driver %q", config.Browser.Driver)
	}
	if config.Limits.DailyLogins < 0 || config.Limits.HourlyLogins < 0 {
		return fmt.Errorf("login limits must not be negative")
	}
	return nil
}

// RequireCredentials reports whether the portal identifier and secret are set.
func (c *Config) RequireCredentials() error {
	if c.Portal.Identifier == "" || c.Portal.Secret == "" {
		return fmt.Errorf("%w (set PORTAL_IDENTIFIER and PORTAL_SECRET)", ErrMissingCredentials)
	}
	return nil
}
