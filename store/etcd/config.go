package etcd

import "github.com/kochabonline/scr/core/reflect"

type Config struct {
	Endpoints   []string `json:"endpoints" mapstructure:"endpoints" default:"localhost:2379"`
	Username    string   `json:"username" mapstructure:"username"`
	Password    string   `json:"password" mapstructure:"password"`
	DialTimeout int64    `json:"dialTimeout" mapstructure:"dialTimeout" default:"5"`
	// RequestTimeout bounds single reads and writes, in seconds.
	RequestTimeout int64 `json:"requestTimeout" mapstructure:"requestTimeout" default:"3"`
}

func (c *Config) init() error {
	return reflect.SetDefaultTag(c)
}
