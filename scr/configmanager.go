package scr

import (
	"maps"
	"sync"

	"github.com/kochabonline/scr/cm"
	"github.com/kochabonline/scr/core/ldap"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
)

// ConfigChangeNotification is handed to every listener of one delivery.
// NewProperties is shared and must not be modified.
type ConfigChangeNotification struct {
	PID           string
	Event         cm.EventType
	NewProperties map[string]any
	ChangeCount   uint64
}

// ConfigurationManager merges the configuration objects of a component
// with its declared properties and decides whether the configuration
// policy is satisfied.
type ConfigurationManager struct {
	metadata *ComponentMetadata
	ctx      *framework.BundleContext
	logger   logservice.LogService

	mu      sync.Mutex
	configs map[string]map[string]any
	counts  map[string]uint64
	merged  map[string]any
}

func NewConfigurationManager(md *ComponentMetadata, ctx *framework.BundleContext, logger logservice.LogService) *ConfigurationManager {
	m := &ConfigurationManager{
		metadata: md,
		ctx:      ctx,
		logger:   logger,
		configs:  make(map[string]map[string]any),
		counts:   make(map[string]uint64),
	}
	m.merged = m.mergeLocked()
	return m
}

// Initialize loads the configurations that already exist for the
// component pids.
func (m *ConfigurationManager) Initialize() {
	admin, release := configurationAdmin(m.ctx)
	if admin == nil {
		return
	}
	defer release()

	for _, pid := range m.metadata.ConfigurationPids {
		cfgs, err := admin.ListConfigurations("(pid=" + ldap.Escape(pid) + ")")
		if err != nil {
			m.logger.LogError(level.Error, "failed to list configurations for pid "+pid, err)
			continue
		}
		for _, cfg := range cfgs {
			if cfg.PID() != pid {
				continue
			}
			m.mu.Lock()
			if cfg.ChangeCount() > m.counts[pid] {
				m.configs[pid] = cfg.Properties()
				m.counts[pid] = cfg.ChangeCount()
			}
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	m.merged = m.mergeLocked()
	m.mu.Unlock()
}

// configurationAdmin returns the best configuration admin visible from ctx
// and a function releasing it, or nil when there is none.
func configurationAdmin(ctx *framework.BundleContext) (cm.ConfigurationAdmin, func()) {
	ref := ctx.GetServiceReference(cm.AdminInterface)
	if ref == nil {
		return nil, nil
	}
	return adminFromReference(ctx, ref)
}

func adminFromReference(ctx *framework.BundleContext, ref *framework.ServiceReference) (cm.ConfigurationAdmin, func()) {
	obj, err := ctx.GetService(ref)
	if err != nil || obj == nil {
		return nil, nil
	}
	admin, ok := obj.(cm.ConfigurationAdmin)
	if !ok {
		ctx.UngetService(ref)
		return nil, nil
	}
	return admin, func() { ctx.UngetService(ref) }
}

// IsConfigSatisfied applies the configuration policy: ignore and optional
// are always satisfied, require needs an object for every pid.
func (m *ConfigurationManager) IsConfigSatisfied() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.satisfiedLocked()
}

func (m *ConfigurationManager) satisfiedLocked() bool {
	if m.metadata.ConfigurationPolicy != ConfigPolicyRequire {
		return true
	}
	for _, pid := range m.metadata.ConfigurationPids {
		if _, ok := m.configs[pid]; !ok {
			return false
		}
	}
	return true
}

// Update applies a notification. It reports the satisfaction before and
// after, and false in applied when the notification was stale.
func (m *ConfigurationManager) Update(n *ConfigChangeNotification) (wasSatisfied, nowSatisfied, applied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasSatisfied = m.satisfiedLocked()
	switch n.Event {
	case cm.Updated:
		if n.ChangeCount > 0 && n.ChangeCount <= m.counts[n.PID] {
			return wasSatisfied, wasSatisfied, false
		}
		m.configs[n.PID] = n.NewProperties
		m.counts[n.PID] = n.ChangeCount
	case cm.Deleted:
		if _, ok := m.configs[n.PID]; !ok {
			return wasSatisfied, wasSatisfied, false
		}
		delete(m.configs, n.PID)
		delete(m.counts, n.PID)
	default:
		return wasSatisfied, wasSatisfied, false
	}
	m.merged = m.mergeLocked()
	return wasSatisfied, m.satisfiedLocked(), true
}

// Properties returns a copy of the merged properties: declared properties
// overridden by each configuration in pid order.
func (m *ConfigurationManager) Properties() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.merged)
}

func (m *ConfigurationManager) mergeLocked() map[string]any {
	out := maps.Clone(m.metadata.Properties)
	if out == nil {
		out = make(map[string]any)
	}
	for _, pid := range m.metadata.ConfigurationPids {
		maps.Copy(out, m.configs[pid])
	}
	return out
}
