package scr

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/kochabonline/scr/async"
	"github.com/kochabonline/scr/cm"
	"github.com/kochabonline/scr/core/concurrency"
	"github.com/kochabonline/scr/core/ldap"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
	"github.com/kochabonline/scr/metric"
)

// ListenerToken identifies one registration with a ConfigurationNotifier.
// Tokens are never reused.
type ListenerToken uint64

type Listener struct {
	notify func(*ConfigChangeNotification)
	config *ComponentConfiguration
}

// tokenMap is never modified once published; every change installs a new one.
type tokenMap map[ListenerToken]*Listener

// ConfigurationNotifier routes configuration changes to the component
// configurations listening for a pid, and turns factory configurations into
// factory component instances.
type ConfigurationNotifier struct {
	ctx        *framework.BundleContext
	logger     logservice.LogService
	async      async.Service
	extensions *ExtensionRegistry
	factory    *ComponentFactory
	metrics    *metric.Metrics

	nextToken atomic.Uint64
	listeners *concurrency.Guarded[map[string]tokenMap]
}

func NewConfigurationNotifier(ctx *framework.BundleContext, logger logservice.LogService,
	asyncSvc async.Service, extensions *ExtensionRegistry) (*ConfigurationNotifier, error) {
	factory, err := NewComponentFactory(ctx, logger, asyncSvc, extensions)
	if err != nil {
		return nil, err
	}
	return &ConfigurationNotifier{
		ctx:        ctx,
		logger:     logger,
		async:      asyncSvc,
		extensions: extensions,
		factory:    factory,
		listeners:  concurrency.NewGuarded(make(map[string]tokenMap)),
	}, nil
}

func (n *ConfigurationNotifier) ComponentFactory() *ComponentFactory { return n.factory }

// RegisterListener adds notify for pid. config is the configuration the
// listener belongs to; its listener is skipped once it is stopped.
func (n *ConfigurationNotifier) RegisterListener(pid string, notify func(*ConfigChangeNotification), config *ComponentConfiguration) ListenerToken {
	token := ListenerToken(n.nextToken.Add(1))
	l := &Listener{notify: notify, config: config}

	n.listeners.With(func(m *map[string]tokenMap) {
		next := make(tokenMap, len((*m)[pid])+1)
		for t, existing := range (*m)[pid] {
			next[t] = existing
		}
		next[token] = l
		(*m)[pid] = next
	})
	return token
}

func (n *ConfigurationNotifier) UnregisterListener(pid string, token ListenerToken) {
	n.listeners.With(func(m *map[string]tokenMap) {
		cur, ok := (*m)[pid]
		if !ok {
			return
		}
		if _, ok := cur[token]; !ok {
			return
		}
		if len(cur) == 1 {
			delete(*m, pid)
			return
		}
		next := make(tokenMap, len(cur)-1)
		for t, l := range cur {
			if t != token {
				next[t] = l
			}
		}
		(*m)[pid] = next
	})
}

func (n *ConfigurationNotifier) snapshot(pid string) tokenMap {
	var out tokenMap
	n.listeners.With(func(m *map[string]tokenMap) {
		out = (*m)[pid]
	})
	return out
}

// sortedListeners returns the listeners of one snapshot in token order.
func sortedListeners(tm tokenMap) []*Listener {
	tokens := make([]ListenerToken, 0, len(tm))
	for t := range tm {
		tokens = append(tokens, t)
	}
	slices.Sort(tokens)
	out := make([]*Listener, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tm[t])
	}
	return out
}

// AnyListenersForPid reports whether a change of pid concerns anybody. For
// a factory pid "factory~instance" it creates the factory instances of the
// templates listening for "factory" first.
func (n *ConfigurationNotifier) AnyListenersForPid(pid string, props map[string]any) (bool, error) {
	if len(n.snapshot(pid)) > 0 {
		return true, nil
	}
	factoryName, _, ok := cm.SplitFactoryPID(pid)
	if !ok {
		return false, nil
	}

	created := false
	for _, l := range sortedListeners(n.snapshot(factoryName)) {
		if l.config == nil || !l.config.metadata.IsFactory() {
			continue
		}
		if err := n.factory.CreateFactoryComponent(pid, l.config, props); err != nil {
			if errors.MustPropagate(err) {
				return created, err
			}
			n.logger.LogError(level.Error, "failed to create factory component for "+pid, err)
			continue
		}
		created = true
	}
	return created, nil
}

// NotifyAllListeners delivers one notification to every listener of pid.
// Listeners registered during the delivery are not called.
func (n *ConfigurationNotifier) NotifyAllListeners(pid string, event cm.EventType, props map[string]any, changeCount uint64) {
	listeners := n.snapshot(pid)
	if len(listeners) == 0 {
		return
	}
	notification := &ConfigChangeNotification{
		PID:           pid,
		Event:         event,
		NewProperties: props,
		ChangeCount:   changeCount,
	}
	n.metrics.Notified(event.String())
	for _, l := range sortedListeners(listeners) {
		if l.config != nil && l.config.Stopped() {
			continue
		}
		l.notify(notification)
	}
}

// CreateFactoryComponent creates the instance for factory configuration pid
// of the template listening on factoryName. It is used when the template
// starts and configurations for it already exist.
func (n *ConfigurationNotifier) CreateFactoryComponent(factoryName, pid string, config *ComponentConfiguration) error {
	// an instance created from a configuration event already listens on pid
	if len(n.snapshot(pid)) > 0 {
		return nil
	}
	md := config.metadata.Clone()
	md.Name = pid
	md.FactoryComponentID = ""
	md.ConfigurationPids = slices.DeleteFunc(md.ConfigurationPids, func(p string) bool { return p == factoryName })
	md.ConfigurationPids = append(md.ConfigurationPids, pid)

	err := instantiateFactoryComponent(md, config.manager, n.logger, n.async, n, n.extensions)
	if err != nil && !errors.MustPropagate(err) {
		return nil
	}
	return err
}

// LogInvalidDynamicTargetInProperties logs every "<reference>.target"
// property of config that is not a valid filter.
func (n *ConfigurationNotifier) LogInvalidDynamicTargetInProperties(props map[string]any, config *ComponentConfiguration) {
	for _, ref := range config.metadata.Refs {
		v, ok := props[ref.Name+targetSuffix]
		if !ok {
			continue
		}
		target, ok := v.(string)
		if !ok {
			n.logger.Log(level.Warn, "target of reference "+ref.Name+" of "+config.metadata.Name+" is not a string")
			continue
		}
		if strings.TrimSpace(target) == "" {
			continue
		}
		if _, err := ldap.Parse(target); err != nil {
			n.logger.LogError(level.Warn, "invalid target "+target+" for reference "+ref.Name+" of "+config.metadata.Name, err)
		}
	}
}
