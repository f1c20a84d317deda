package app

import (
	"github.com/kochabonline/scr/config"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/scr"
	"github.com/kochabonline/scr/store/etcd"
	"github.com/kochabonline/scr/store/redis"
	"github.com/kochabonline/scr/transport/http"
	"github.com/kochabonline/scr/validator"
)

// EnvPrefix 环境变量前缀, 例如 SCR_HTTP_ADDR 覆盖 http.addr
const EnvPrefix = "SCR"

// Config 宿主配置
type Config struct {
	SCR  scr.Config `mapstructure:"scr"`
	HTTP HTTPConfig `mapstructure:"http"`
	// LogLevel 宿主日志级别, 覆盖 WithHostLogger 传入的级别
	LogLevel string `mapstructure:"logLevel" default:"info" validate:"oneof=trace debug info warn warning error fatal"`
	// Etcd 或 Redis 非空时配置管理的数据持久化到其中, 并同步其他进程的修改
	Etcd       *etcd.Config  `mapstructure:"etcd" validate:"excluded_with=Redis"`
	EtcdPrefix string        `mapstructure:"etcdPrefix" default:"/scr/configurations" validate:"startswith=/"`
	Redis      *redis.Config `mapstructure:"redis"`
	RedisKey   string        `mapstructure:"redisKey" default:"scr:configurations" validate:"required"`
	// Sources 启动时加载到配置管理的文件
	Sources []SourceConfig `mapstructure:"sources" validate:"dive"`
}

// HTTPConfig Addr 为空时不启动 HTTP 服务
type HTTPConfig struct {
	Addr       string                `mapstructure:"addr" validate:"omitempty,address"`
	Health     http.HealthOption     `mapstructure:"health"`
	Components http.ComponentsOption `mapstructure:"components"`
}

type SourceConfig struct {
	Name  string   `mapstructure:"name" validate:"required"`
	Paths []string `mapstructure:"paths"`
	Watch bool     `mapstructure:"watch"`
}

func (c *Config) Validate() error {
	return validator.Struct(c)
}

// LoadConfig 从文件读取宿主配置并校验, name 带扩展名
func LoadConfig(name string, paths ...string) (*Config, error) {
	c := &Config{}
	opts := []config.Option{config.WithName(name), config.WithDest(c), config.WithEnvPrefix(EnvPrefix)}
	if len(paths) > 0 {
		opts = append(opts, config.WithPath(paths...))
	}
	cfg := config.New(opts...)
	if cfg == nil {
		return nil, errors.InvalidArgument("invalid host configuration %s", name)
	}
	if err := cfg.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, errors.CodeNotFound, "failed to read host configuration %s", name)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
