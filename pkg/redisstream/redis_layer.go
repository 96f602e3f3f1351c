package redisstream

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `mapstructure:"redis-enabled" yaml:"redis-enabled"`
	Addr     string `mapstructure:"redis-addr" yaml:"redis-addr"`
	Group    string `mapstructure:"redis-group" yaml:"redis-group"`
	Consumer string `mapstructure:"redis-consumer" yaml:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "chatsync-ui",
		Consumer: "ui-1",
	}
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis-addr is required when redis is enabled")
	}
	if strings.TrimSpace(s.Group) == "" || strings.TrimSpace(s.Consumer) == "" {
		return errors.New("redis-group and redis-consumer are required when redis is enabled")
	}
	return nil
}
