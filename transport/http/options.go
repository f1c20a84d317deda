package http

import "github.com/kochabonline/scr/core/reflect"

type Options struct {
	Health     HealthOption     `mapstructure:"health"`
	Components ComponentsOption `mapstructure:"components"`
}

type HealthOption struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" default:"/health"`
}

func (h *HealthOption) init() error {
	return reflect.SetDefaultTag(h)
}

// ComponentsOption mounts the component introspection endpoints under Path.
type ComponentsOption struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" default:"/components"`
	// ReadOnly rejects enable and disable requests.
	ReadOnly bool `mapstructure:"readOnly"`
}

func (c *ComponentsOption) init() error {
	return reflect.SetDefaultTag(c)
}
