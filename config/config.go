package config

import (
	"path"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/kochabonline/scr/core/reflect"
	"github.com/kochabonline/scr/log"
)

type Provider int

const (
	ProviderFile Provider = iota
)

// Pre-defined environment key replacer to avoid repeated creation
var envKeyReplacer = strings.NewReplacer(".", "_")

type Config struct {
	viper    *viper.Viper
	mu       sync.Mutex
	onChange []func()
	Provider Provider // Provider is the provider of the configuration, e.g., file, etc.
	Path     []string // Path is the path to the configuration file, can be multiple paths.
	Name     string   // Name is the name of the configuration file with extension.
	Prefix   string   // Prefix is the environment variable prefix, empty disables it.
	Dest     any      // Dest is the destination where the configuration will be unmarshalled.
}

type Option func(*Config)

func WithViper(v *viper.Viper) Option {
	return func(c *Config) {
		c.viper = v
	}
}

func WithProvider(provider Provider) Option {
	return func(c *Config) {
		c.Provider = provider
	}
}

func WithPath(path ...string) Option {
	return func(c *Config) {
		c.Path = path
	}
}

func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

func WithEnvPrefix(prefix string) Option {
	return func(c *Config) {
		c.Prefix = prefix
	}
}

func WithDest(dest any) Option {
	return func(c *Config) {
		c.Dest = dest
	}
}

// WithOnChange registers a callback invoked after a watched file was reloaded.
func WithOnChange(fn func()) Option {
	return func(c *Config) {
		c.onChange = append(c.onChange, fn)
	}
}

// New returns nil when the destination cannot receive defaults.
func New(opts ...Option) *Config {
	c := &Config{
		Provider: ProviderFile,
		Path:     []string{"."},
		viper:    viper.New(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.init(); err != nil {
		log.Error().Err(err).Send()
		return nil
	}

	c.configureViper()

	return c
}

func (c *Config) init() error {
	if c.Dest == nil {
		return nil
	}
	return reflect.SetDefaultTag(c.Dest)
}

// configureViper configures the default settings for the viper instance
func (c *Config) configureViper() {
	// Parse configuration file type
	extension := path.Ext(c.Name)
	configType := strings.TrimPrefix(extension, ".")

	for _, configPath := range c.Path {
		c.viper.AddConfigPath(configPath)
	}

	c.viper.SetConfigName(c.Name)
	c.viper.SetConfigType(configType)
	if c.Prefix != "" {
		c.viper.SetEnvPrefix(c.Prefix)
	}
	c.viper.AutomaticEnv()
	c.viper.SetEnvKeyReplacer(envKeyReplacer)
}

func (c *Config) GetViper() *viper.Viper {
	return c.viper
}

func (c *Config) ReadInConfig() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.viper.ReadInConfig(); err != nil {
		return err
	}

	if c.Dest == nil {
		return nil
	}

	return c.viper.Unmarshal(c.Dest)
}

func (c *Config) WatchConfig() error {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("config file changed: %s", e.Name)
		if err := c.ReadInConfig(); err != nil {
			log.Error().Err(err).Msg("failed to reload config")
			return
		}
		for _, fn := range c.onChange {
			fn()
		}
	})
	c.viper.WatchConfig()
	return nil
}
