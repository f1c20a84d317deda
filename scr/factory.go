package scr

import (
	"regexp"
	"strings"

	"github.com/kochabonline/scr/async"
	"github.com/kochabonline/scr/core/ldap"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
)

// targetSuffix names the property that overrides a reference target.
const targetSuffix = ".target"

var placeholder = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// ComponentFactory creates the component instances of factory templates
// when a factory configuration shows up.
type ComponentFactory struct {
	ctx        *framework.BundleContext
	logger     logservice.LogService
	async      async.Service
	extensions *ExtensionRegistry
}

func NewComponentFactory(ctx *framework.BundleContext, logger logservice.LogService,
	asyncSvc async.Service, extensions *ExtensionRegistry) (*ComponentFactory, error) {
	switch {
	case ctx == nil:
		return nil, errors.InvalidArgument("nil bundle context")
	case logger == nil:
		return nil, errors.InvalidArgument("nil logger")
	case asyncSvc == nil:
		return nil, errors.InvalidArgument("nil async work service")
	case extensions == nil:
		return nil, errors.InvalidArgument("nil extension registry")
	}
	return &ComponentFactory{
		ctx:        ctx,
		logger:     logger,
		async:      asyncSvc,
		extensions: extensions,
	}, nil
}

// CreateFactoryComponent creates the instance for factory configuration pid
// from the template config. The instance is named <template>_<pid>.
// Reference targets may use {{key}} placeholders resolved from props; a
// "<reference>.target" property replaces the target. Every resulting target
// must be a valid filter.
func (f *ComponentFactory) CreateFactoryComponent(pid string, config *ComponentConfiguration, props map[string]any) error {
	md := config.metadata.Clone()
	md.Name = config.metadata.Name + "_" + pid
	md.FactoryComponentID = ""
	md.ConfigurationPids = []string{pid}

	for i := range md.Refs {
		ref := &md.Refs[i]
		target, err := f.resolveTarget(ref, props)
		if err != nil {
			f.logger.LogError(level.Error, "invalid target for reference "+ref.Name+" of "+md.Name, err)
			return err
		}
		if target != "" {
			if _, err := ldap.Parse(target); err != nil {
				f.logger.LogError(level.Error, "invalid target "+target+" for reference "+ref.Name+" of "+md.Name, err)
				return errors.InvalidArgument("invalid target %s for reference %s", target, ref.Name).WithCause(err)
			}
		}
		ref.Target = target
	}

	return instantiateFactoryComponent(md, config.manager, f.logger, f.async, config.manager.notifier, f.extensions)
}

func (f *ComponentFactory) resolveTarget(ref *ReferenceMetadata, props map[string]any) (string, error) {
	v, ok := props[ref.Name+targetSuffix]
	if !ok {
		return ReplacePlaceholdersInTarget(ref.Target, props)
	}
	target, ok := v.(string)
	if !ok {
		return "", errors.InvalidArgument("%s%s must be a string, got %T", ref.Name, targetSuffix, v)
	}
	return target, nil
}

// ReplacePlaceholdersInTarget substitutes every {{key}} in target with the
// string props[key]. Braces left outside a placeholder are an error.
func ReplacePlaceholdersInTarget(target string, props map[string]any) (string, error) {
	matches := placeholder.FindAllStringSubmatchIndex(target, -1)
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if err := checkBraces(target[last:m[0]], target); err != nil {
			return "", err
		}
		key := target[m[2]:m[3]]
		v, ok := props[key]
		if !ok {
			return "", errors.InvalidArgument("no property %q for the placeholder in target %s", key, target)
		}
		s, ok := v.(string)
		if !ok {
			return "", errors.InvalidArgument("property %q used in target %s must be a string, got %T", key, target, v)
		}
		b.WriteString(target[last:m[0]])
		b.WriteString(s)
		last = m[1]
	}
	if err := checkBraces(target[last:], target); err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return target, nil
	}
	b.WriteString(target[last:])
	return b.String(), nil
}

func checkBraces(literal, target string) error {
	if strings.ContainsAny(literal, "{}") {
		return errors.InvalidArgument("unbalanced placeholder in target %s", target)
	}
	return nil
}

// instantiateFactoryComponent builds a manager for md next to template and
// initializes it once the registry and the bundle extension took it. Every
// error is logged before it is returned.
func instantiateFactoryComponent(md *ComponentMetadata, template *ComponentManager, logger logservice.LogService,
	asyncSvc async.Service, notifier *ConfigurationNotifier, extensions *ExtensionRegistry) error {
	m, err := newComponentManager(md, template.registry, template.ctx, logger, asyncSvc, notifier, template.env)
	if err != nil {
		logger.LogError(level.Error, "could not create manager for factory component "+md.Name, err)
		return err
	}
	if !template.registry.AddComponentManager(m) {
		logger.Log(level.Debug, "factory component "+md.Name+" already exists")
		return nil
	}

	ext, ok := extensions.Find(m.BundleID())
	if !ok {
		template.registry.RemoveComponentManager(m)
		err := errors.NotFound("no extension for bundle %d", m.BundleID())
		logger.LogError(level.Error, "could not add factory component "+md.Name, err)
		return err
	}
	ext.AddComponentManager(m)

	if err := m.Initialize(); err != nil {
		if errors.MustPropagate(err) {
			return err
		}
		logger.LogError(level.Error, "failed to initialize factory component "+md.Name, err)
	}
	template.env.metrics.FactoryInstanceCreated()
	logger.Log(level.Info, "factory component "+md.Name+" created")
	return nil
}
