// Package config provides configuration management for bridged.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for bridged.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Storage StorageConfig `mapstructure:"storage"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StorageConfig holds local storage configuration.
type StorageConfig struct {
	// Path is the sqlite database file used for permission policies and
	// persisted messages. Empty selects in-memory stores.
	Path string `mapstructure:"path"`

	// MessageHistoryLimit caps the number of persisted messages kept per
	// conversation.
	MessageHistoryLimit int `mapstructure:"messageHistoryLimit"`
}

// BridgeConfig holds agent bridge tunables.
type BridgeConfig struct {
	// HandshakeTimeout bounds the initialize handshake, in seconds.
	// Deliberately shorter than ordinary request deadlines to fail fast.
	HandshakeTimeout int `mapstructure:"handshakeTimeout"`

	// ProbeTimeout bounds the tools/list fallback probe, in seconds.
	ProbeTimeout int `mapstructure:"probeTimeout"`

	// SessionTimeout bounds session creation, in seconds. The external agent
	// may think for a long time, so this is a multi-minute deadline.
	SessionTimeout int `mapstructure:"sessionTimeout"`

	// PromptTimeout bounds prompt dispatch, in seconds.
	PromptTimeout int `mapstructure:"promptTimeout"`

	// RetryMaxAttempts is the attempt ceiling for retryable operations.
	RetryMaxAttempts int `mapstructure:"retryMaxAttempts"`

	// RetryBackoffBase is the base delay for exponential backoff, in milliseconds.
	RetryBackoffBase int `mapstructure:"retryBackoffBase"`

	// PermissionTimeout is the maximum time to wait for a user decision on an
	// approval request, in seconds. After this the request is aborted.
	PermissionTimeout int `mapstructure:"permissionTimeout"`

	// PolicyRetentionDays is how long durable "always" permission policies
	// remain effective before they are ignored and swept.
	PolicyRetentionDays int `mapstructure:"policyRetentionDays"`

	// ShutdownGrace bounds how long Stop waits for the agent process to exit
	// before escalating to SIGKILL, in milliseconds.
	ShutdownGrace int `mapstructure:"shutdownGrace"`

	// StderrBufferBytes caps the agent stderr ring buffer.
	StderrBufferBytes int64 `mapstructure:"stderrBufferBytes"`

	// AgentPaths overrides the resolved executable per agent family,
	// e.g. {"codex": "/opt/codex/bin/codex"}.
	AgentPaths map[string]string `mapstructure:"agentPaths"`

	// CredentialPrefix is the env prefix scanned for credentials to inject
	// into spawned agent processes.
	CredentialPrefix string `mapstructure:"credentialPrefix"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HandshakeTimeoutDuration returns the handshake timeout as a time.Duration.
func (b *BridgeConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(b.HandshakeTimeout) * time.Second
}

// ProbeTimeoutDuration returns the fallback probe timeout as a time.Duration.
func (b *BridgeConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(b.ProbeTimeout) * time.Second
}

// SessionTimeoutDuration returns the session creation timeout as a time.Duration.
func (b *BridgeConfig) SessionTimeoutDuration() time.Duration {
	return time.Duration(b.SessionTimeout) * time.Second
}

// PromptTimeoutDuration returns the prompt dispatch timeout as a time.Duration.
func (b *BridgeConfig) PromptTimeoutDuration() time.Duration {
	return time.Duration(b.PromptTimeout) * time.Second
}

// PermissionTimeoutDuration returns the permission wait timeout as a time.Duration.
func (b *BridgeConfig) PermissionTimeoutDuration() time.Duration {
	return time.Duration(b.PermissionTimeout) * time.Second
}

// PolicyRetention returns the policy retention window as a time.Duration.
func (b *BridgeConfig) PolicyRetention() time.Duration {
	return time.Duration(b.PolicyRetentionDays) * 24 * time.Hour
}

// RetryBackoffBaseDuration returns the backoff base as a time.Duration.
func (b *BridgeConfig) RetryBackoffBaseDuration() time.Duration {
	return time.Duration(b.RetryBackoffBase) * time.Millisecond
}

// ShutdownGraceDuration returns the shutdown grace as a time.Duration.
func (b *BridgeConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(b.ShutdownGrace) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BRIDGED_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8130)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "bridged")
	v.SetDefault("nats.maxReconnects", 10)

	// Storage defaults - empty path means in-memory stores
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.messageHistoryLimit", 1000)

	// Bridge defaults
	v.SetDefault("bridge.handshakeTimeout", 15)
	v.SetDefault("bridge.probeTimeout", 10)
	v.SetDefault("bridge.sessionTimeout", 600)
	v.SetDefault("bridge.promptTimeout", 600)
	v.SetDefault("bridge.retryMaxAttempts", 3)
	v.SetDefault("bridge.retryBackoffBase", 2000)
	v.SetDefault("bridge.permissionTimeout", 300)
	v.SetDefault("bridge.policyRetentionDays", 7)
	v.SetDefault("bridge.shutdownGrace", 2000)
	v.SetDefault("bridge.stderrBufferBytes", 256*1024)
	v.SetDefault("bridge.credentialPrefix", "BRIDGED_CRED_")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BRIDGED_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/bridged/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BRIDGED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/bridged/")
	}

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults and env cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
