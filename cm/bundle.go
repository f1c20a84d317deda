package cm

import (
	"github.com/go-viper/mapstructure/v2"

	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log"
)

// ManifestKey is the bundle manifest entry holding declared configurations:
//
//	"cm": {"version": 1, "configurations": [{"pid": "a", "properties": {...}}]}
const ManifestKey = "cm"

type manifestConfigurations struct {
	Version        int `mapstructure:"version"`
	Configurations []struct {
		PID        string         `mapstructure:"pid"`
		Properties map[string]any `mapstructure:"properties"`
	} `mapstructure:"configurations"`
}

func (a *Admin) bundleChanged(evt framework.BundleEvent) {
	switch evt.Type {
	case framework.BundleEventStarted:
		a.addBundleConfigurations(evt.Bundle)
	case framework.BundleEventStopping:
		a.removeBundleConfigurations(evt.Bundle)
	}
}

func (a *Admin) addBundleConfigurations(b *framework.Bundle) {
	raw, ok := b.Manifest()[ManifestKey]
	if !ok {
		return
	}
	var m manifestConfigurations
	if err := mapstructure.Decode(raw, &m); err != nil {
		log.Error().Err(err).Int64("bundle", b.ID()).Msg("invalid cm manifest entry")
		return
	}
	if m.Version != 1 {
		log.Error().Int64("bundle", b.ID()).Int("version", m.Version).Msg("unsupported cm manifest version")
		return
	}

	added := make(map[string]uint64, len(m.Configurations))
	for _, entry := range m.Configurations {
		cfg, err := a.GetConfiguration(entry.PID)
		if err != nil {
			log.Error().Err(err).Int64("bundle", b.ID()).Msg("invalid configuration in manifest")
			continue
		}
		if _, err := cfg.UpdateIfDifferent(entry.Properties); err != nil {
			log.Error().Err(err).Int64("bundle", b.ID()).Str("pid", entry.PID).Msg("failed to add manifest configuration")
			continue
		}
		added[entry.PID] = cfg.ChangeCount()
	}

	a.mu.Lock()
	a.bundleConfigs[b.ID()] = added
	a.mu.Unlock()
}

func (a *Admin) removeBundleConfigurations(b *framework.Bundle) {
	a.mu.Lock()
	added := a.bundleConfigs[b.ID()]
	delete(a.bundleConfigs, b.ID())
	a.mu.Unlock()

	for pid, count := range added {
		a.mu.Lock()
		c, ok := a.configs[pid]
		a.mu.Unlock()
		if !ok || c.ChangeCount() != count {
			continue
		}
		if err := c.Remove(); err != nil {
			log.Warn().Err(err).Str("pid", pid).Msg("failed to remove manifest configuration")
		}
	}
}
