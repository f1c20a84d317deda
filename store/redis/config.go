package redis

import (
	"net"
	"strconv"

	"github.com/kochabonline/scr/core/reflect"
)

type Config struct {
	Host     string `json:"host" mapstructure:"host" default:"localhost"`
	Port     int    `json:"port" mapstructure:"port" default:"6379"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db" default:"0"`
	Protocol int    `json:"protocol" mapstructure:"protocol" default:"3"`
	PoolSize int    `json:"poolSize" mapstructure:"poolSize"`
	// RequestTimeout bounds single commands, in seconds.
	RequestTimeout int64 `json:"requestTimeout" mapstructure:"requestTimeout" default:"3"`
}

func (c *Config) init() error {
	return reflect.SetDefaultTag(c)
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
