package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.sanago/config.toml.
type Config struct {
	API       ConfigAPI       `toml:"api" mapstructure:"api"`
	Auth      ConfigAuth      `toml:"auth" mapstructure:"auth"`
	Store     ConfigStore     `toml:"store" mapstructure:"store"`
	Network   ConfigNetwork   `toml:"network" mapstructure:"network"`
	Realtime  ConfigRealtime  `toml:"realtime" mapstructure:"realtime"`
	Agent     ConfigAgent     `toml:"agent" mapstructure:"agent"`
	Telemetry ConfigTelemetry `toml:"telemetry" mapstructure:"telemetry"`
	Log       ConfigLog       `toml:"log" mapstructure:"log"`
}

type ConfigAPI struct {
	BaseURL string `toml:"base_url" mapstructure:"base_url"`
	Timeout string `toml:"timeout" mapstructure:"timeout"`
}

// ConfigAuth caches who is signed in. The token itself lives in the store.
type ConfigAuth struct {
	UserID string `toml:"user_id" mapstructure:"user_id"`
	Name   string `toml:"name" mapstructure:"name"`
	Email  string `toml:"email" mapstructure:"email"`
}

type ConfigStore struct {
	Backend     string `toml:"backend" mapstructure:"backend"` // sqlite, memory, postgres, s3
	Path        string `toml:"path" mapstructure:"path"`
	KeyFile     string `toml:"key_file" mapstructure:"key_file"`
	Passphrase  string `toml:"passphrase" mapstructure:"passphrase"`
	PostgresDSN string `toml:"postgres_dsn" mapstructure:"postgres_dsn"`
	Namespace   string `toml:"namespace" mapstructure:"namespace"`
	S3Endpoint  string `toml:"s3_endpoint" mapstructure:"s3_endpoint"`
	S3Region    string `toml:"s3_region" mapstructure:"s3_region"`
	S3Bucket    string `toml:"s3_bucket" mapstructure:"s3_bucket"`
	S3Prefix    string `toml:"s3_prefix" mapstructure:"s3_prefix"`
	S3AccessKey string `toml:"s3_access_key" mapstructure:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key" mapstructure:"s3_secret_key"`
}

type ConfigNetwork struct {
	ProbeURL     string `toml:"probe_url" mapstructure:"probe_url"`
	Heartbeat    string `toml:"heartbeat" mapstructure:"heartbeat"`
	ProbeTimeout string `toml:"probe_timeout" mapstructure:"probe_timeout"`
}

type ConfigRealtime struct {
	Transport    string `toml:"transport" mapstructure:"transport"` // ws, sse, kafka, none
	KafkaBrokers string `toml:"kafka_brokers" mapstructure:"kafka_brokers"`
	KafkaTopic   string `toml:"kafka_topic" mapstructure:"kafka_topic"`
	KafkaGroup   string `toml:"kafka_group" mapstructure:"kafka_group"`
}

type ConfigAgent struct {
	Listen        string `toml:"listen" mapstructure:"listen"`
	WebhookSecret string `toml:"webhook_secret" mapstructure:"webhook_secret"`
	AllowOrigins  string `toml:"allow_origins" mapstructure:"allow_origins"`
	// Token fixes the launch token. Usually empty: the shell passes
	// SANAGO_AGENT_TOKEN, or the agent generates one per launch.
	Token         string `toml:"token,omitempty" mapstructure:"token"`
}

type ConfigTelemetry struct {
	OTLPEndpoint string `toml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ServiceName  string `toml:"service_name" mapstructure:"service_name"`
}

type ConfigLog struct {
	Level  string `toml:"level" mapstructure:"level"`
	Pretty bool   `toml:"pretty" mapstructure:"pretty"`
	Env    string `toml:"env" mapstructure:"env"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns $SANAGO_HOME or ~/.sanago, creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("SANAGO_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".sanago")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.name", "")
	v.SetDefault("auth.email", "")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "")
	v.SetDefault("store.key_file", "")
	v.SetDefault("store.passphrase", "")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.namespace", "default")
	v.SetDefault("store.s3_endpoint", "")
	v.SetDefault("store.s3_region", "us-east-1")
	v.SetDefault("store.s3_bucket", "")
	v.SetDefault("store.s3_prefix", "sanago")
	v.SetDefault("store.s3_access_key", "")
	v.SetDefault("store.s3_secret_key", "")
	v.SetDefault("network.probe_url", "https://clients3.google.com/generate_204")
	v.SetDefault("network.heartbeat", "10s")
	v.SetDefault("network.probe_timeout", "3s")
	v.SetDefault("realtime.transport", "sse")
	v.SetDefault("realtime.kafka_brokers", "localhost:9092")
	v.SetDefault("realtime.kafka_topic", "notifications")
	v.SetDefault("realtime.kafka_group", "")
	v.SetDefault("agent.listen", "127.0.0.1:7410")
	v.SetDefault("agent.webhook_secret", "")
	v.SetDefault("agent.allow_origins", "")
	v.SetDefault("agent.token", "")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "sanago-desktop")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
	v.SetDefault("log.env", "production")
}

// loadConfig reads the config file, applies defaults and SANAGO_*
// environment overrides (e.g. SANAGO_API_BASE_URL). A missing file is not
// an error.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SANAGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configFields maps dot-notation keys to the string fields they set.
func configFields(cfg *Config) map[string]*string {
	return map[string]*string{
		"api.base_url":            &cfg.API.BaseURL,
		"api.timeout":             &cfg.API.Timeout,
		"auth.user_id":            &cfg.Auth.UserID,
		"auth.name":               &cfg.Auth.Name,
		"auth.email":              &cfg.Auth.Email,
		"store.backend":           &cfg.Store.Backend,
		"store.path":              &cfg.Store.Path,
		"store.key_file":          &cfg.Store.KeyFile,
		"store.passphrase":        &cfg.Store.Passphrase,
		"store.postgres_dsn":      &cfg.Store.PostgresDSN,
		"store.namespace":         &cfg.Store.Namespace,
		"store.s3_endpoint":       &cfg.Store.S3Endpoint,
		"store.s3_region":         &cfg.Store.S3Region,
		"store.s3_bucket":         &cfg.Store.S3Bucket,
		"store.s3_prefix":         &cfg.Store.S3Prefix,
		"store.s3_access_key":     &cfg.Store.S3AccessKey,
		"store.s3_secret_key":     &cfg.Store.S3SecretKey,
		"network.probe_url":       &cfg.Network.ProbeURL,
		"network.heartbeat":       &cfg.Network.Heartbeat,
		"network.probe_timeout":   &cfg.Network.ProbeTimeout,
		"realtime.transport":      &cfg.Realtime.Transport,
		"realtime.kafka_brokers":  &cfg.Realtime.KafkaBrokers,
		"realtime.kafka_topic":    &cfg.Realtime.KafkaTopic,
		"realtime.kafka_group":    &cfg.Realtime.KafkaGroup,
		"agent.listen":            &cfg.Agent.Listen,
		"agent.webhook_secret":    &cfg.Agent.WebhookSecret,
		"agent.allow_origins":     &cfg.Agent.AllowOrigins,
		"agent.token":             &cfg.Agent.Token,
		"telemetry.otlp_endpoint": &cfg.Telemetry.OTLPEndpoint,
		"telemetry.service_name":  &cfg.Telemetry.ServiceName,
		"log.level":               &cfg.Log.Level,
		"log.env":                 &cfg.Log.Env,
	}
}

var configSections = []string{"api", "auth", "store", "network", "realtime", "agent", "telemetry", "log"}

// setConfigValue sets a config field using dot notation (e.g. "api.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. api.base_url)")
	}
	section, field := parts[0], parts[1]

	if key == "log.pretty" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("log.pretty must be true or false")
		}
		cfg.Log.Pretty = b
		return nil
	}

	if ptr, ok := configFields(cfg)[key]; ok {
		switch key {
		case "api.timeout", "network.heartbeat", "network.probe_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s must be a duration such as 10s: %w", key, err)
			}
		case "store.backend":
			if !oneOf(value, "sqlite", "memory", "postgres", "s3") {
				return fmt.Errorf("store.backend must be one of sqlite, memory, postgres, s3")
			}
		case "realtime.transport":
			if !oneOf(value, "ws", "sse", "kafka", "none") {
				return fmt.Errorf("realtime.transport must be one of ws, sse, kafka, none")
			}
		}
		*ptr = value
		return nil
	}

	if !oneOf(section, configSections...) {
		return fmt.Errorf("unknown config section %q (valid: %s)", section, strings.Join(configSections, ", "))
	}
	return fmt.Errorf("unknown field %q in section [%s]", field, section)
}

func configKeys() []string {
	var cfg Config
	keys := []string{"log.pretty"}
	for k := range configFields(&cfg) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// ============================================================================
// Logging
// ============================================================================

func setupLogging(cfg ConfigLog) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Env != "" && cfg.Env != "production" && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "sanago",
	Short: "SanaGo desktop data layer",
	Long: "Command-line front end of the SanaGo desktop data layer.\n" +
		"Manage configuration, sign in, inspect the offline cache and notifications,\n" +
		"and run the localhost agent the desktop renderer talks to.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
