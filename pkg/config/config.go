// Package config loads the client settings from flags, CHATSYNC_* environment variables and an
// optional YAML file.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatsync/pkg/persistence/identitystore"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
)

const EnvPrefix = "CHATSYNC"

type Config struct {
	ServerURL  string `mapstructure:"server-url" yaml:"server-url"`
	ChannelURL string `mapstructure:"channel-url" yaml:"channel-url"`

	IdentityStore string `mapstructure:"identity-store" yaml:"identity-store"`
	IdentityPath  string `mapstructure:"identity-path" yaml:"identity-path"`
	// CachePath is the SQLite history cache. Empty keeps the cache in memory, "none" disables it.
	CachePath string `mapstructure:"cache-path" yaml:"cache-path"`

	SendMode       string        `mapstructure:"send-mode" yaml:"send-mode"`
	RequestRetries int           `mapstructure:"request-retries" yaml:"request-retries"`
	RequestTimeout time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`

	ReconnectInitialInterval time.Duration `mapstructure:"reconnect-initial-interval" yaml:"reconnect-initial-interval"`
	ReconnectMaxInterval     time.Duration `mapstructure:"reconnect-max-interval" yaml:"reconnect-max-interval"`
	SendQueueSize            int           `mapstructure:"send-queue-size" yaml:"send-queue-size"`

	LogLevel   string `mapstructure:"log-level" yaml:"log-level"`
	LogFormat  string `mapstructure:"log-format" yaml:"log-format"`
	WithCaller bool   `mapstructure:"with-caller" yaml:"with-caller"`

	Redis redisstream.Settings `mapstructure:",squash" yaml:",inline"`
}

func Defaults() Config {
	return Config{
		ServerURL:                "http://localhost:8000",
		IdentityStore:            "yaml",
		SendMode:                 "channel",
		RequestRetries:           2,
		RequestTimeout:           15 * time.Second,
		ReconnectInitialInterval: 500 * time.Millisecond,
		ReconnectMaxInterval:     30 * time.Second,
		SendQueueSize:            64,
		LogLevel:                 "info",
		LogFormat:                "auto",
		Redis:                    redisstream.DefaultSettings(),
	}
}

// AddFlags registers one flag per setting, with the defaults as flag defaults.
func AddFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("server-url", d.ServerURL, "Base URL of the chat REST API")
	fs.String("channel-url", "", "WebSocket URL of the push channel (default: derived from --server-url)")
	fs.String("identity-store", d.IdentityStore, "Where the session identity is persisted: yaml, sqlite or memory")
	fs.String("identity-path", "", "Path of the persisted identity (default: user config dir)")
	fs.String("cache-path", "", "SQLite history cache path (empty: in memory, none: disabled)")
	fs.String("send-mode", d.SendMode, "How messages are sent: channel or rest")
	fs.Int("request-retries", d.RequestRetries, "Retries for idempotent REST requests")
	fs.Duration("request-timeout", d.RequestTimeout, "Timeout of a single REST request")
	fs.Duration("reconnect-initial-interval", d.ReconnectInitialInterval, "First channel reconnect delay")
	fs.Duration("reconnect-max-interval", d.ReconnectMaxInterval, "Longest channel reconnect delay")
	fs.Int("send-queue-size", d.SendQueueSize, "Sends kept while the channel reconnects")
	fs.String("log-level", d.LogLevel, "Log level: trace, debug, info, warn, error")
	fs.String("log-format", d.LogFormat, "Log format: auto, console or json")
	fs.Bool("with-caller", false, "Include caller in log lines")
	fs.Bool("redis-enabled", d.Redis.Enabled, "Publish UI updates to Redis Streams")
	fs.String("redis-addr", d.Redis.Addr, "Redis address")
	fs.String("redis-group", d.Redis.Group, "Redis consumer group")
	fs.String("redis-consumer", d.Redis.Consumer, "Redis consumer name")
}

// Load resolves the configuration. Precedence is flags set on the command line, then environment,
// then the config file, then defaults. fs and configFile may be empty.
func Load(v *viper.Viper, fs *pflag.FlagSet, configFile string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", configFile)
		}
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, errors.Wrap(err, "bind flags")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server-url", d.ServerURL)
	v.SetDefault("channel-url", "")
	v.SetDefault("identity-store", d.IdentityStore)
	v.SetDefault("identity-path", "")
	v.SetDefault("cache-path", "")
	v.SetDefault("send-mode", d.SendMode)
	v.SetDefault("request-retries", d.RequestRetries)
	v.SetDefault("request-timeout", d.RequestTimeout)
	v.SetDefault("reconnect-initial-interval", d.ReconnectInitialInterval)
	v.SetDefault("reconnect-max-interval", d.ReconnectMaxInterval)
	v.SetDefault("send-queue-size", d.SendQueueSize)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-format", d.LogFormat)
	v.SetDefault("with-caller", false)
	v.SetDefault("redis-enabled", d.Redis.Enabled)
	v.SetDefault("redis-addr", d.Redis.Addr)
	v.SetDefault("redis-group", d.Redis.Group)
	v.SetDefault("redis-consumer", d.Redis.Consumer)
}

func (c *Config) finalize() error {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if strings.TrimSpace(c.ChannelURL) == "" && c.ServerURL != "" {
		u, err := ChannelURLFor(c.ServerURL)
		if err != nil {
			return err
		}
		c.ChannelURL = u
	}
	if c.IdentityPath == "" && c.IdentityStore != "memory" {
		name := "identity.yaml"
		if c.IdentityStore == "sqlite" {
			name = "identity.db"
		}
		p, err := identitystore.DefaultPath(name)
		if err != nil {
			return err
		}
		c.IdentityPath = p
	}
	return nil
}

// ChannelURLFor derives the push channel endpoint from the REST base URL: same host, ws or wss
// scheme, path /socket.
func ChannelURLFor(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", errors.Wrap(err, "parse server-url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("server-url must be http or https, got %q", serverURL)
	}
	u.Path = "/socket"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// HistoryCache returns the chatstore kind and path for CachePath.
func (c Config) HistoryCache() (kind, path string) {
	switch strings.TrimSpace(c.CachePath) {
	case "":
		return "memory", ""
	case "none":
		return "none", ""
	default:
		return "sqlite", c.CachePath
	}
}

func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("invalid server-url %q", c.ServerURL)
	}
	cu, err := url.Parse(c.ChannelURL)
	if err != nil || (cu.Scheme != "ws" && cu.Scheme != "wss") || cu.Host == "" {
		return errors.Errorf("invalid channel-url %q", c.ChannelURL)
	}
	switch c.IdentityStore {
	case "yaml", "sqlite", "memory":
	default:
		return errors.Errorf("invalid identity-store %q (yaml, sqlite or memory)", c.IdentityStore)
	}
	switch c.SendMode {
	case "channel", "rest":
	default:
		return errors.Errorf("invalid send-mode %q (channel or rest)", c.SendMode)
	}
	switch c.LogFormat {
	case "auto", "console", "json":
	default:
		return errors.Errorf("invalid log-format %q (auto, console or json)", c.LogFormat)
	}
	if c.RequestRetries < 0 {
		return errors.New("request-retries must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request-timeout must be positive")
	}
	if c.ReconnectInitialInterval <= 0 || c.ReconnectMaxInterval < c.ReconnectInitialInterval {
		return errors.New("reconnect intervals must be positive and max >= initial")
	}
	if c.SendQueueSize <= 0 {
		return errors.New("send-queue-size must be positive")
	}
	return c.Redis.Validate()
}
