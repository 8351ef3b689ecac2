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

	"vcpd/internal/observability"
	"vcpd/internal/vcperr"
)

// Config is the full server configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Auth          AuthConfig          `yaml:"auth" mapstructure:"auth"`
	Plugins       PluginConfig        `yaml:"plugins" mapstructure:"plugins"`
	Protocol      ProtocolConfig      `yaml:"protocol" mapstructure:"protocol"`
	Template      TemplateConfig      `yaml:"template" mapstructure:"template"`
	Fetcher       FetcherConfig       `yaml:"fetcher" mapstructure:"fetcher"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	Debug        bool          `yaml:"debug" mapstructure:"debug"`
	EnableCORS   bool          `yaml:"enable_cors" mapstructure:"enable_cors"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// AuthConfig carries the shared key embedded in channel paths.
type AuthConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// PluginConfig configures the plugin runtime.
type PluginConfig struct {
	Dir                string        `yaml:"dir" mapstructure:"dir"`
	SubprocessTimeout  time.Duration `yaml:"subprocess_timeout" mapstructure:"subprocess_timeout"`
	DistributedTimeout time.Duration `yaml:"distributed_timeout" mapstructure:"distributed_timeout"`
	InternalTimeout    time.Duration `yaml:"internal_timeout" mapstructure:"internal_timeout"`
}

// ProtocolConfig configures the tool-request delimiters.
type ProtocolConfig struct {
	BlockOpen  string `yaml:"block_open" mapstructure:"block_open"`
	BlockClose string `yaml:"block_close" mapstructure:"block_close"`
	ValueOpen  string `yaml:"value_open" mapstructure:"value_open"`
	ValueClose string `yaml:"value_close" mapstructure:"value_close"`
}

// TemplateConfig configures the placeholder engine.
type TemplateConfig struct {
	MaxDepth        int      `yaml:"max_depth" mapstructure:"max_depth"`
	MaxPlaceholders int      `yaml:"max_placeholders" mapstructure:"max_placeholders"`
	RegexCacheSize  int      `yaml:"regex_cache_size" mapstructure:"regex_cache_size"`
	CycleDetection  bool     `yaml:"cycle_detection" mapstructure:"cycle_detection"`
	EnvPrefixes     []string `yaml:"env_prefixes" mapstructure:"env_prefixes"`
}

// FetcherConfig configures the file fetcher.
type FetcherConfig struct {
	CacheDir       string        `yaml:"cache_dir" mapstructure:"cache_dir"`
	MemoryEntries  int           `yaml:"memory_entries" mapstructure:"memory_entries"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// ObservabilityConfig bundles logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string                      `yaml:"log_level" mapstructure:"log_level"`
	LogFormat      string                      `yaml:"log_format" mapstructure:"log_format"`
	MetricsEnabled bool                        `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	Tracing        observability.TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         6005,
			EnableCORS:   true,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Plugins: PluginConfig{
			Dir:                "Plugin",
			SubprocessTimeout:  10 * time.Second,
			DistributedTimeout: 30 * time.Second,
			InternalTimeout:    5 * time.Second,
		},
		Protocol: ProtocolConfig{
			BlockOpen:  "<<<[TOOL_REQUEST]>>>",
			BlockClose: "<<<[END_TOOL_REQUEST]>>>",
			ValueOpen:  "「始」",
			ValueClose: "「末」",
		},
		Template: TemplateConfig{
			MaxDepth:        10,
			MaxPlaceholders: 100,
			RegexCacheSize:  200,
			CycleDetection:  true,
			EnvPrefixes:     []string{"Tar", "Var", "ENV_"},
		},
		Fetcher: FetcherConfig{
			CacheDir:       "file_cache",
			MemoryEntries:  64,
			RequestTimeout: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "text",
			MetricsEnabled: true,
			Tracing: observability.TracingConfig{
				Enabled:      false,
				OTLPEndpoint: "localhost:4318",
				SampleRate:   1.0,
				ServiceName:  "vcpd",
			},
		},
	}
}

// Load reads configuration from path (YAML or JSON), layered over the
// defaults, with VCPD_-prefixed environment variables taking precedence.
// An empty path searches ./vcpd-config.{yaml,json} and $HOME.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VCPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vcpd-config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			if _, statErr := os.Stat(path); path != "" && os.IsNotExist(statErr) {
				return Config{}, vcperr.Wrap(vcperr.KindInvalidConfig, "config file not found", err, "path", path)
			}
			if !errors.As(err, &notFound) {
				return Config{}, vcperr.Wrap(vcperr.KindInvalidConfig, "failed to read config", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, vcperr.Wrap(vcperr.KindInvalidConfig, "failed to decode config", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.Key) == "" {
		return vcperr.New(vcperr.KindMissingConfig, "auth.key is required", "field", "auth.key")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return vcperr.Newf(vcperr.KindInvalidConfig, "server.port %d out of range", c.Server.Port)
	}
	if c.Template.MaxDepth <= 0 {
		return vcperr.New(vcperr.KindInvalidConfig, "template.max_depth must be positive")
	}
	if c.Template.MaxPlaceholders <= 0 {
		return vcperr.New(vcperr.KindInvalidConfig, "template.max_placeholders must be positive")
	}
	if c.Protocol.BlockOpen == "" || c.Protocol.BlockClose == "" ||
		c.Protocol.ValueOpen == "" || c.Protocol.ValueClose == "" {
		return vcperr.New(vcperr.KindInvalidConfig, "protocol delimiters must not be empty")
	}
	return nil
}

// WriteDefault writes the default configuration to path as YAML, creating
// parent directories as needed. Existing files are not overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := Default()
	cfg.Auth.Key = "change-me"
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.debug", def.Server.Debug)
	v.SetDefault("server.enable_cors", def.Server.EnableCORS)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("plugins.dir", def.Plugins.Dir)
	v.SetDefault("plugins.subprocess_timeout", def.Plugins.SubprocessTimeout)
	v.SetDefault("plugins.distributed_timeout", def.Plugins.DistributedTimeout)
	v.SetDefault("plugins.internal_timeout", def.Plugins.InternalTimeout)
	v.SetDefault("protocol.block_open", def.Protocol.BlockOpen)
	v.SetDefault("protocol.block_close", def.Protocol.BlockClose)
	v.SetDefault("protocol.value_open", def.Protocol.ValueOpen)
	v.SetDefault("protocol.value_close", def.Protocol.ValueClose)
	v.SetDefault("template.max_depth", def.Template.MaxDepth)
	v.SetDefault("template.max_placeholders", def.Template.MaxPlaceholders)
	v.SetDefault("template.regex_cache_size", def.Template.RegexCacheSize)
	v.SetDefault("template.cycle_detection", def.Template.CycleDetection)
	v.SetDefault("template.env_prefixes", def.Template.EnvPrefixes)
	v.SetDefault("fetcher.cache_dir", def.Fetcher.CacheDir)
	v.SetDefault("fetcher.memory_entries", def.Fetcher.MemoryEntries)
	v.SetDefault("fetcher.request_timeout", def.Fetcher.RequestTimeout)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_format", def.Observability.LogFormat)
	v.SetDefault("observability.metrics_enabled", def.Observability.MetricsEnabled)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.otlp_endpoint", def.Observability.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.sample_rate", def.Observability.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", def.Observability.Tracing.ServiceName)
}
