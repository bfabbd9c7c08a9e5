package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "nQbG5l9P8YzM2K8vH3FrT1cE4qL7jN6uR0sX9wB2dA8="

// MockEnvProvider implements EnvProvider for testing
type MockEnvProvider struct {
	envVars map[string]string
	homeDir string
}

func NewMockEnvProvider(homeDir string, envVars map[string]string) *MockEnvProvider {
	if envVars == nil {
		envVars = make(map[string]string)
	}
	return &MockEnvProvider{envVars: envVars, homeDir: homeDir}
}

func (m *MockEnvProvider) Getenv(key string) string {
	return m.envVars[key]
}

func (m *MockEnvProvider) UserHomeDir() (string, error) {
	return m.homeDir, nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewConfig_Defaults(t *testing.T) {
	env := NewMockEnvProvider("/home/test", map[string]string{"CONDUCTOR_ENCRYPTION_KEY": testKey})

	config, err := NewConfigWithEnv("", env)
	require.NoError(t, err)

	assert.Equal(t, "/home/test/.local/share/conductor", config.DataDir)
	assert.Equal(t, "/home/test/.local/share/conductor/conductor.db", config.DatabasePath)
	assert.Equal(t, "/home/test/.local/share/conductor/tmp", config.TmpDir)
	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, 8080, config.HTTPPort)
	assert.Equal(t, 30*time.Second, config.PollInterval)
	assert.Equal(t, 10, config.MaxConcurrentRuns)
	assert.Equal(t, "ansible-playbook", config.PlaybookCommand)
	assert.Equal(t, 10*time.Second, config.HeartbeatInterval)
	assert.False(t, config.TrustProxyHeaders)
	assert.Equal(t, time.UTC, config.Location())
}

func TestNewConfig_XDGDataHome(t *testing.T) {
	env := NewMockEnvProvider("/home/test", map[string]string{
		"XDG_DATA_HOME":            "/xdg",
		"CONDUCTOR_ENCRYPTION_KEY": testKey,
	})

	config, err := NewConfigWithEnv("", env)
	require.NoError(t, err)
	assert.Equal(t, "/xdg/conductor", config.DataDir)
}

func TestNewConfig_YAML(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/conductor
log_level: debug
color_enabled: false
encryption_key: `+testKey+`
http:
  host: 0.0.0.0
  port: 9090
  trust_proxy_headers: true
api:
  jwt_secret: topsecret
scheduler:
  poll_interval: 1m
  timezone: Europe/Berlin
engine:
  max_concurrent_runs: 4
  server_lock_wait: 2m
  run_timeout: 30m
  cancel_grace_period: 5s
  heartbeat_interval: 3s
ssh:
  connect_timeout: 15s
  playbook_command: /opt/ansible/bin/ansible-playbook
  remote_tmp_dir: /var/tmp
webhook:
  rate_limit: 0.5
  burst: 3
smtp:
  host: smtp.example.com
  port: 25
  from: conductor@example.com
audit:
  retries: 5
`)

	config, err := NewConfigWithEnv(path, NewMockEnvProvider("/home/test", nil))
	require.NoError(t, err)

	assert.Equal(t, "/srv/conductor", config.DataDir)
	assert.Equal(t, "/srv/conductor/conductor.db", config.DatabasePath)
	assert.Equal(t, "debug", config.LogLevel)
	assert.False(t, config.ColorEnabled)
	assert.Equal(t, "0.0.0.0", config.HTTPHost)
	assert.Equal(t, 9090, config.HTTPPort)
	assert.Equal(t, "topsecret", config.JWTSecret)
	assert.Equal(t, time.Minute, config.PollInterval)
	assert.Equal(t, "Europe/Berlin", config.Location().String())
	assert.Equal(t, 4, config.MaxConcurrentRuns)
	assert.Equal(t, 2*time.Minute, config.ServerLockWait)
	assert.Equal(t, 30*time.Minute, config.RunTimeout)
	assert.Equal(t, 5*time.Second, config.CancelGracePeriod)
	assert.Equal(t, 3*time.Second, config.HeartbeatInterval)
	assert.True(t, config.TrustProxyHeaders)
	assert.Equal(t, 15*time.Second, config.SSHConnectTimeout)
	assert.Equal(t, "/opt/ansible/bin/ansible-playbook", config.PlaybookCommand)
	assert.Equal(t, "/var/tmp", config.RemoteTmpDir)
	assert.Equal(t, 0.5, config.WebhookRateLimit)
	assert.Equal(t, 3, config.WebhookBurst)
	assert.Equal(t, "smtp.example.com", config.SMTPHost)
	assert.Equal(t, 25, config.SMTPPort)
	assert.Equal(t, 5, config.AuditRetries)
}

func TestNewConfig_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
http:
  port: 9090
engine:
  run_timeout: 30m
`)
	env := NewMockEnvProvider("/home/test", map[string]string{
		"CONDUCTOR_ENCRYPTION_KEY": testKey,
		"CONDUCTOR_LOG_LEVEL":      "warning",
		"CONDUCTOR_HTTP_PORT":      "7000",
		"CONDUCTOR_RUN_TIMEOUT":    "2h",
		"CONDUCTOR_COLOR_ENABLED":  "false",

		"CONDUCTOR_TRUST_PROXY_HEADERS": "true",
		"CONDUCTOR_HEARTBEAT_INTERVAL":  "30s",
	})

	config, err := NewConfigWithEnv(path, env)
	require.NoError(t, err)

	assert.Equal(t, "warning", config.LogLevel)
	assert.Equal(t, 7000, config.HTTPPort)
	assert.Equal(t, 2*time.Hour, config.RunTimeout)
	assert.False(t, config.ColorEnabled)
	assert.True(t, config.TrustProxyHeaders)
	assert.Equal(t, 30*time.Second, config.HeartbeatInterval)
}

func TestNewConfig_EncryptionKeyFromEnvFile(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, ".env"), []byte("CONDUCTOR_ENCRYPTION_KEY="+testKey+"\n"), 0o600))

	env := NewMockEnvProvider("/home/test", map[string]string{"CONDUCTOR_DATA_DIR": dataDir})
	config, err := NewConfigWithEnv("", env)
	require.NoError(t, err)
	assert.Equal(t, testKey, config.EncryptionKey)
}

func TestNewConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing encryption key",
			env:     map[string]string{},
			wantErr: "encryption key is required",
		},
		{
			name:    "invalid log level",
			env:     map[string]string{"CONDUCTOR_ENCRYPTION_KEY": testKey, "CONDUCTOR_LOG_LEVEL": "verbose"},
			wantErr: "invalid log level",
		},
		{
			name:    "invalid port",
			env:     map[string]string{"CONDUCTOR_ENCRYPTION_KEY": testKey, "CONDUCTOR_HTTP_PORT": "70000"},
			wantErr: "invalid HTTP port",
		},
		{
			name:    "malformed env duration",
			env:     map[string]string{"CONDUCTOR_ENCRYPTION_KEY": testKey, "CONDUCTOR_POLL_INTERVAL": "soon"},
			wantErr: "CONDUCTOR_POLL_INTERVAL",
		},
		{
			name:    "unknown timezone",
			env:     map[string]string{"CONDUCTOR_ENCRYPTION_KEY": testKey, "CONDUCTOR_TIMEZONE": "Mars/Olympus"},
			wantErr: "invalid timezone",
		},
		{
			name:    "malformed yaml duration",
			yaml:    "engine:\n  server_lock_wait: forever\n",
			env:     map[string]string{"CONDUCTOR_ENCRYPTION_KEY": testKey},
			wantErr: "engine.server_lock_wait",
		},
		{
			name:    "zero concurrency",
			env:     map[string]string{"CONDUCTOR_ENCRYPTION_KEY": testKey, "CONDUCTOR_MAX_CONCURRENT_RUNS": "0"},
			wantErr: "max concurrent runs",
		},
		{
			name:    "zero heartbeat interval",
			env:     map[string]string{"CONDUCTOR_ENCRYPTION_KEY": testKey, "CONDUCTOR_HEARTBEAT_INTERVAL": "0s"},
			wantErr: "heartbeat interval must be positive",
		},
		{
			name:    "malformed proxy flag",
			env:     map[string]string{"CONDUCTOR_ENCRYPTION_KEY": testKey, "CONDUCTOR_TRUST_PROXY_HEADERS": "maybe"},
			wantErr: "CONDUCTOR_TRUST_PROXY_HEADERS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.yaml != "" {
				path = writeConfig(t, tt.yaml)
			}
			env := NewMockEnvProvider(t.TempDir(), tt.env)

			config, err := NewConfigWithEnv(path, env)
			assert.Nil(t, config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewConfig_NonExistentFile(t *testing.T) {
	env := NewMockEnvProvider("/home/test", map[string]string{"CONDUCTOR_ENCRYPTION_KEY": testKey})

	config, err := NewConfigWithEnv("/explicit/non/existent/config.yaml", env)
	assert.Nil(t, config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config file")
}
