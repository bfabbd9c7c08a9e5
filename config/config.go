// Package config loads conductor configuration from defaults, a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // scheduler time zones must resolve in minimal containers

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix  = "CONDUCTOR_"
	tmpDirName = "tmp"
	dbFileName = "conductor.db"
)

// EnvProvider abstracts environment variable access for testing
type EnvProvider interface {
	Getenv(key string) string
	UserHomeDir() (string, error)
}

// DefaultEnvProvider implements EnvProvider using real OS functions
type DefaultEnvProvider struct{}

func (p *DefaultEnvProvider) Getenv(key string) string {
	return os.Getenv(key)
}

func (p *DefaultEnvProvider) UserHomeDir() (string, error) {
	return os.UserHomeDir()
}

// GetDefaultDataDir returns the default data directory following the XDG Base Directory specification
func GetDefaultDataDir() string {
	return getDefaultDataDirWithEnv(&DefaultEnvProvider{})
}

func getDefaultDataDirWithEnv(env EnvProvider) string {
	if xdgDataHome := env.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
		return filepath.Join(xdgDataHome, "conductor")
	}
	homeDir, _ := env.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "conductor")
}

// Config holds configuration for all services
type Config struct {
	// Core paths
	DataDir      string
	DatabasePath string
	TmpDir       string

	// Logging
	LogLevel     string
	ColorEnabled bool

	// HTTP server
	HTTPHost  string
	HTTPPort  int
	JWTSecret string
	// TrustProxyHeaders takes client addresses from X-Forwarded-For and
	// X-Real-IP. Enable only behind a reverse proxy that sets them.
	TrustProxyHeaders bool

	// Encryption
	EncryptionKey string

	// Scheduler
	PollInterval time.Duration
	Timezone     string

	// Engine
	MaxConcurrentRuns int
	ServerLockWait    time.Duration
	RunTimeout        time.Duration
	CancelGracePeriod time.Duration
	HeartbeatInterval time.Duration

	// SSH
	SSHConnectTimeout time.Duration
	PlaybookCommand   string
	RemoteTmpDir      string

	// Webhooks
	WebhookRateLimit float64
	WebhookBurst     int

	// SMTP
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// Audit
	AuditRetries int

	env EnvProvider
}

type yamlConfig struct {
	DataDir       string `yaml:"data_dir"`
	DatabasePath  string `yaml:"database_path"`
	LogLevel      string `yaml:"log_level"`
	ColorEnabled  *bool  `yaml:"color_enabled"`
	EncryptionKey string `yaml:"encryption_key"`
	HTTP          struct {
		Host              string `yaml:"host"`
		Port              int    `yaml:"port"`
		TrustProxyHeaders *bool  `yaml:"trust_proxy_headers"`
	} `yaml:"http"`
	API struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"api"`
	Scheduler struct {
		PollInterval string `yaml:"poll_interval"`
		Timezone     string `yaml:"timezone"`
	} `yaml:"scheduler"`
	Engine struct {
		MaxConcurrentRuns int    `yaml:"max_concurrent_runs"`
		ServerLockWait    string `yaml:"server_lock_wait"`
		RunTimeout        string `yaml:"run_timeout"`
		CancelGracePeriod string `yaml:"cancel_grace_period"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
	} `yaml:"engine"`
	SSH struct {
		ConnectTimeout  string `yaml:"connect_timeout"`
		PlaybookCommand string `yaml:"playbook_command"`
		RemoteTmpDir    string `yaml:"remote_tmp_dir"`
	} `yaml:"ssh"`
	Webhook struct {
		RateLimit float64 `yaml:"rate_limit"`
		Burst     int     `yaml:"burst"`
	} `yaml:"webhook"`
	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`
	Audit struct {
		Retries int `yaml:"retries"`
	} `yaml:"audit"`
}

// NewConfig loads configuration from configPath (optional), then the environment
func NewConfig(configPath string) (*Config, error) {
	return NewConfigWithEnv(configPath, &DefaultEnvProvider{})
}

// NewConfigWithEnv creates a configuration with a custom environment provider (for testing)
func NewConfigWithEnv(configPath string, env EnvProvider) (*Config, error) {
	c := &Config{env: env}

	c.setDefaults()

	if configPath != "" {
		if err := c.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := c.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	c.derivePaths()

	// Fall back to the .env file in the data directory for the key
	if c.EncryptionKey == "" {
		c.EncryptionKey = c.readEncryptionKeyFromEnvFile()
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

func (c *Config) setDefaults() {
	c.DataDir = getDefaultDataDirWithEnv(c.env)
	c.LogLevel = "info"
	c.ColorEnabled = true
	c.HTTPHost = "127.0.0.1"
	c.HTTPPort = 8080
	c.PollInterval = 30 * time.Second
	c.Timezone = "UTC"
	c.MaxConcurrentRuns = 10
	c.ServerLockWait = 10 * time.Minute
	c.RunTimeout = time.Hour
	c.CancelGracePeriod = 10 * time.Second
	c.HeartbeatInterval = 10 * time.Second
	c.SSHConnectTimeout = 30 * time.Second
	c.PlaybookCommand = "ansible-playbook"
	c.RemoteTmpDir = "/tmp"
	c.WebhookRateLimit = 1
	c.WebhookBurst = 10
	c.SMTPPort = 587
	c.AuditRetries = 3
	// No default encryption key or JWT secret, they must be provided explicitly
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&c.DataDir, y.DataDir)
	setString(&c.DatabasePath, y.DatabasePath)
	setString(&c.LogLevel, y.LogLevel)
	if y.ColorEnabled != nil {
		c.ColorEnabled = *y.ColorEnabled
	}
	setString(&c.EncryptionKey, y.EncryptionKey)
	setString(&c.HTTPHost, y.HTTP.Host)
	setInt(&c.HTTPPort, y.HTTP.Port)
	if y.HTTP.TrustProxyHeaders != nil {
		c.TrustProxyHeaders = *y.HTTP.TrustProxyHeaders
	}
	setString(&c.JWTSecret, y.API.JWTSecret)
	setString(&c.Timezone, y.Scheduler.Timezone)
	setInt(&c.MaxConcurrentRuns, y.Engine.MaxConcurrentRuns)
	setString(&c.PlaybookCommand, y.SSH.PlaybookCommand)
	setString(&c.RemoteTmpDir, y.SSH.RemoteTmpDir)
	if y.Webhook.RateLimit != 0 {
		c.WebhookRateLimit = y.Webhook.RateLimit
	}
	setInt(&c.WebhookBurst, y.Webhook.Burst)
	setString(&c.SMTPHost, y.SMTP.Host)
	setInt(&c.SMTPPort, y.SMTP.Port)
	setString(&c.SMTPUsername, y.SMTP.Username)
	setString(&c.SMTPPassword, y.SMTP.Password)
	setString(&c.SMTPFrom, y.SMTP.From)
	setInt(&c.AuditRetries, y.Audit.Retries)

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"scheduler.poll_interval", y.Scheduler.PollInterval, &c.PollInterval},
		{"engine.server_lock_wait", y.Engine.ServerLockWait, &c.ServerLockWait},
		{"engine.run_timeout", y.Engine.RunTimeout, &c.RunTimeout},
		{"engine.cancel_grace_period", y.Engine.CancelGracePeriod, &c.CancelGracePeriod},
		{"engine.heartbeat_interval", y.Engine.HeartbeatInterval, &c.HeartbeatInterval},
		{"ssh.connect_timeout", y.SSH.ConnectTimeout, &c.SSHConnectTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return nil
}

// loadFromEnv applies CONDUCTOR_* variables. Malformed values are errors.
func (c *Config) loadFromEnv() error {
	strs := map[string]*string{
		"DATA_DIR":         &c.DataDir,
		"DATABASE_PATH":    &c.DatabasePath,
		"LOG_LEVEL":        &c.LogLevel,
		"HTTP_HOST":        &c.HTTPHost,
		"JWT_SECRET":       &c.JWTSecret,
		"ENCRYPTION_KEY":   &c.EncryptionKey,
		"TIMEZONE":         &c.Timezone,
		"PLAYBOOK_COMMAND": &c.PlaybookCommand,
		"REMOTE_TMP_DIR":   &c.RemoteTmpDir,
		"SMTP_HOST":        &c.SMTPHost,
		"SMTP_USERNAME":    &c.SMTPUsername,
		"SMTP_PASSWORD":    &c.SMTPPassword,
		"SMTP_FROM":        &c.SMTPFrom,
	}
	for key, dst := range strs {
		setString(dst, c.env.Getenv(envPrefix+key))
	}

	ints := map[string]*int{
		"HTTP_PORT":           &c.HTTPPort,
		"MAX_CONCURRENT_RUNS": &c.MaxConcurrentRuns,
		"WEBHOOK_BURST":       &c.WebhookBurst,
		"SMTP_PORT":           &c.SMTPPort,
		"AUDIT_RETRIES":       &c.AuditRetries,
	}
	for key, dst := range ints {
		v := c.env.Getenv(envPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":       &c.PollInterval,
		"SERVER_LOCK_WAIT":    &c.ServerLockWait,
		"RUN_TIMEOUT":         &c.RunTimeout,
		"CANCEL_GRACE_PERIOD": &c.CancelGracePeriod,
		"HEARTBEAT_INTERVAL":  &c.HeartbeatInterval,
		"SSH_CONNECT_TIMEOUT": &c.SSHConnectTimeout,
	}
	for key, dst := range durations {
		v := c.env.Getenv(envPrefix + key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"COLOR_ENABLED":       &c.ColorEnabled,
		"TRUST_PROXY_HEADERS": &c.TrustProxyHeaders,
	}
	for key, dst := range bools {
		v := c.env.Getenv(envPrefix + key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = b
	}
	if v := c.env.Getenv(envPrefix + "WEBHOOK_RATE_LIMIT"); v != "" {
		limit, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sWEBHOOK_RATE_LIMIT: %w", envPrefix, err)
		}
		c.WebhookRateLimit = limit
	}
	return nil
}

// readEncryptionKeyFromEnvFile reads CONDUCTOR_ENCRYPTION_KEY from the .env file in the data directory
func (c *Config) readEncryptionKeyFromEnvFile() string {
	envVars, err := godotenv.Read(filepath.Join(c.DataDir, ".env"))
	if err != nil {
		// missing or unreadable .env file is not an error
		return ""
	}
	return envVars[envPrefix+"ENCRYPTION_KEY"]
}

func (c *Config) derivePaths() {
	c.TmpDir = filepath.Join(c.DataDir, tmpDirName)
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, dbFileName)
	}
}

func (c *Config) validate() error {
	var errs []error

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warning": true, "error": true, "silent": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("invalid log level: %s (must be debug, info, warning, error, or silent)", c.LogLevel))
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP port: %d (must be 1-65535)", c.HTTPPort))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got: %v", c.PollInterval))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
	}
	if c.MaxConcurrentRuns < 1 {
		errs = append(errs, fmt.Errorf("max concurrent runs must be at least 1, got: %d", c.MaxConcurrentRuns))
	}
	// Runs of a process that stops heartbeating are recovered by others
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat interval must be positive, got: %v", c.HeartbeatInterval))
	}
	if c.ServerLockWait < 0 || c.RunTimeout < 0 || c.CancelGracePeriod < 0 || c.SSHConnectTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.PlaybookCommand == "" {
		errs = append(errs, errors.New("playbook command cannot be empty"))
	}
	if c.AuditRetries < 1 {
		errs = append(errs, fmt.Errorf("audit retries must be at least 1, got: %d", c.AuditRetries))
	}
	if c.EncryptionKey == "" {
		errs = append(errs, fmt.Errorf(
			"encryption key is required - set %sENCRYPTION_KEY environment variable or ensure .env file exists in data directory (%s)",
			envPrefix, c.DataDir,
		))
	}

	return errors.Join(errs...)
}

// Location returns the scheduler time zone. The value was checked by validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
