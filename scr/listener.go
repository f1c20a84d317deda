package scr

import (
	"fmt"

	"github.com/kochabonline/scr/cm"
	"github.com/kochabonline/scr/core/ldap"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
)

// ConfigurationListener receives the events of the configuration admin and
// hands them to the notifier.
type ConfigurationListener struct {
	ctx      *framework.BundleContext
	logger   logservice.LogService
	notifier *ConfigurationNotifier
}

func NewConfigurationListener(ctx *framework.BundleContext, logger logservice.LogService, notifier *ConfigurationNotifier) (*ConfigurationListener, error) {
	switch {
	case ctx == nil:
		return nil, errors.InvalidArgument("nil bundle context")
	case logger == nil:
		return nil, errors.InvalidArgument("nil logger")
	case notifier == nil:
		return nil, errors.InvalidArgument("nil configuration notifier")
	}
	return &ConfigurationListener{ctx: ctx, logger: logger, notifier: notifier}, nil
}

// ConfigurationEvent only returns security errors. Anything else, panics
// included, is logged.
func (l *ConfigurationListener) ConfigurationEvent(evt cm.Event) (err error) {
	pid := evt.PID
	if pid == "" {
		pid = evt.FactoryPID
	}
	if pid == "" {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Log(level.Error, fmt.Sprintf("configuration event %s for %s panicked: %v", evt.Type, pid, r))
			err = nil
		}
	}()

	err = l.deliver(pid, evt)
	if err == nil {
		return nil
	}
	if errors.IsSecurity(err) {
		l.logger.LogError(level.Error, "configuration event for "+pid+" failed validation", err)
		return err
	}
	l.logger.LogError(level.Error, "failed to process configuration event "+evt.Type.String()+" for "+pid, err)
	return nil
}

func (l *ConfigurationListener) deliver(pid string, evt cm.Event) error {
	if evt.Reference == nil {
		l.logger.Log(level.Error, "configuration event for "+pid+" has no configuration admin reference")
		return nil
	}
	admin, release := adminFromReference(l.ctx, evt.Reference)
	if admin == nil {
		l.logger.LogRef(evt.Reference, level.Error, "configuration admin is not available, dropping event for "+pid)
		return nil
	}
	defer release()

	props := map[string]any{}
	var changeCount uint64
	if evt.Type == cm.Updated {
		cfgs, err := admin.ListConfigurations("(pid=" + ldap.Escape(pid) + ")")
		if err != nil {
			return err
		}
		for _, cfg := range cfgs {
			if cfg.PID() == pid {
				props = cfg.Properties()
				changeCount = cfg.ChangeCount()
				break
			}
		}
	}

	ok, err := l.notifier.AnyListenersForPid(pid, props)
	if err != nil || !ok {
		return err
	}
	l.notifier.NotifyAllListeners(pid, evt.Type, props, changeCount)
	return nil
}
