// Package file feeds configurations declared in a file into a configuration
// admin and keeps them in sync while the file changes.
//
// The file lists configurations by pid:
//
//	configurations:
//	  - pid: sample.greeter
//	    properties:
//	      greeting: hello
package file

import (
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/kochabonline/scr/cm"
	"github.com/kochabonline/scr/config"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/log"
)

type entry struct {
	PID        string         `mapstructure:"pid"`
	Properties map[string]any `mapstructure:"properties"`
}

type Source struct {
	admin cm.ConfigurationAdmin
	cfg   *config.Config

	mu      sync.Mutex
	applied map[string]struct{}
}

// New reads name (with extension) from the given directories.
func New(admin cm.ConfigurationAdmin, name string, paths ...string) (*Source, error) {
	s := &Source{admin: admin, applied: make(map[string]struct{})}
	opts := []config.Option{config.WithName(name), config.WithOnChange(s.reload)}
	if len(paths) > 0 {
		opts = append(opts, config.WithPath(paths...))
	}
	s.cfg = config.New(opts...)
	if s.cfg == nil {
		return nil, errors.InvalidArgument("invalid configuration source %s", name)
	}
	return s, nil
}

// Load reads the file and applies it to the admin.
func (s *Source) Load() error {
	if err := s.cfg.ReadInConfig(); err != nil {
		return errors.Wrap(err, errors.CodeNotFound, "failed to read configuration source")
	}
	return s.apply()
}

// Watch re-applies the file whenever it changes on disk.
func (s *Source) Watch() error {
	return s.cfg.WatchConfig()
}

func (s *Source) reload() {
	if err := s.apply(); err != nil {
		log.Error().Err(err).Msg("failed to apply configuration source")
	}
}

func (s *Source) apply() error {
	var entries []entry
	if err := mapstructure.Decode(s.cfg.GetViper().Get("configurations"), &entries); err != nil {
		return errors.Wrap(err, errors.CodeInvalidArgument, "malformed configuration source")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.PID == "" {
			log.Warn().Msg("skipping configuration without pid")
			continue
		}
		seen[e.PID] = struct{}{}
		cfg, err := s.admin.GetConfiguration(e.PID)
		if err != nil {
			return err
		}
		changed, err := cfg.UpdateIfDifferent(e.Properties)
		if err != nil {
			return err
		}
		if changed {
			log.Info().Str("pid", e.PID).Msg("configuration applied from file")
		}
	}

	for pid := range s.applied {
		if _, ok := seen[pid]; ok {
			continue
		}
		cfg, err := s.admin.GetConfiguration(pid)
		if err != nil {
			return err
		}
		if err := cfg.Remove(); err != nil {
			log.Warn().Err(err).Str("pid", pid).Msg("failed to remove configuration")
		}
	}
	s.applied = seen
	return nil
}
