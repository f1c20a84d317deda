package scr

import (
	"fmt"
	"slices"

	"github.com/go-viper/mapstructure/v2"
	"github.com/mohae/deepcopy"

	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/log/level"
	"github.com/kochabonline/scr/logservice"
)

// ManifestKey is the bundle manifest entry that declares components.
const ManifestKey = "scr"

// Configuration policies.
const (
	ConfigPolicyIgnore   = "ignore"
	ConfigPolicyOptional = "optional"
	ConfigPolicyRequire  = "require"
)

// Reference policies and policy options.
const (
	PolicyStatic  = "static"
	PolicyDynamic = "dynamic"

	PolicyOptionReluctant = "reluctant"
	PolicyOptionGreedy    = "greedy"
)

// Component properties added by the runtime.
const (
	ComponentName       = "component.name"
	ComponentID         = "component.id"
	ComponentFactoryKey = "component.factory"
)

// selfPid in a configuration-pid list stands for the component name.
const selfPid = "$"

type ServiceMetadata struct {
	Interfaces []string
	Scope      string
}

type ReferenceMetadata struct {
	Name      string
	Interface string
	Target    string
	// Cardinality is one of 0..1, 1..1, 0..n and 1..n.
	Cardinality  string
	Policy       string
	PolicyOption string
}

// MinCardinality is the number of bound services the reference needs to be
// satisfied.
func (r *ReferenceMetadata) MinCardinality() int {
	if len(r.Cardinality) > 0 && r.Cardinality[0] == '1' {
		return 1
	}
	return 0
}

// Multiple reports whether the reference binds every matching service.
func (r *ReferenceMetadata) Multiple() bool {
	return len(r.Cardinality) > 0 && r.Cardinality[len(r.Cardinality)-1] == 'n'
}

func (r *ReferenceMetadata) MaxCardinality() int {
	if r.Multiple() {
		return int(^uint(0) >> 1)
	}
	return 1
}

func (r *ReferenceMetadata) Dynamic() bool { return r.Policy == PolicyDynamic }

func (r *ReferenceMetadata) Greedy() bool { return r.PolicyOption == PolicyOptionGreedy }

// ComponentMetadata describes one declared component. It is never mutated
// after parsing; derived metadata is built on a Clone.
type ComponentMetadata struct {
	Name                       string
	ImplClassName              string
	Enabled                    bool
	Immediate                  bool
	Service                    ServiceMetadata
	Refs                       []ReferenceMetadata
	Properties                 map[string]any
	ConfigurationPolicy        string
	ConfigurationPids          []string
	FactoryComponentID         string
	FactoryComponentProperties map[string]any
}

// Clone returns a deep copy, property values included.
func (m *ComponentMetadata) Clone() *ComponentMetadata {
	return deepcopy.Copy(m).(*ComponentMetadata)
}

// IsFactory reports whether m is a factory template rather than a component
// that can be activated.
func (m *ComponentMetadata) IsFactory() bool {
	return m.FactoryComponentID != ""
}

func (m *ComponentMetadata) ProvidesService() bool {
	return len(m.Service.Interfaces) > 0
}

// usesConfiguration reports whether configuration objects take part in the
// satisfaction of the component.
func (m *ComponentMetadata) usesConfiguration() bool {
	return len(m.ConfigurationPids) > 0 && m.ConfigurationPolicy != ConfigPolicyIgnore
}

type manifestDocument struct {
	Version    int              `mapstructure:"version"`
	Components []map[string]any `mapstructure:"components"`
}

type manifestService struct {
	Interfaces []string `mapstructure:"interfaces"`
	Scope      string   `mapstructure:"scope"`
}

type manifestReference struct {
	Name         string `mapstructure:"name"`
	Interface    string `mapstructure:"interface"`
	Target       string `mapstructure:"target"`
	Cardinality  string `mapstructure:"cardinality"`
	Policy       string `mapstructure:"policy"`
	PolicyOption string `mapstructure:"policy-option"`
}

type manifestComponent struct {
	Name                string              `mapstructure:"name"`
	ImplementationClass string              `mapstructure:"implementation-class"`
	Enabled             *bool               `mapstructure:"enabled"`
	Immediate           *bool               `mapstructure:"immediate"`
	Properties          map[string]any      `mapstructure:"properties"`
	ConfigurationPolicy *string             `mapstructure:"configuration-policy"`
	ConfigurationPid    []string            `mapstructure:"configuration-pid"`
	Factory             string              `mapstructure:"factory"`
	FactoryProperties   map[string]any      `mapstructure:"factory-properties"`
	Service             *manifestService    `mapstructure:"service"`
	References          []manifestReference `mapstructure:"references"`
}

func decode(input, output any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           output,
	})
	if err != nil {
		return err
	}
	return d.Decode(input)
}

// ParseMetadata reads the component declarations of a bundle manifest. A
// component that cannot be parsed is logged and skipped; an unusable
// document is an error. logger may be nil.
//
//	"scr": {
//	  "version": 1,
//	  "components": [{
//	    "implementation-class": "sample.Greeter",
//	    "service": {"interfaces": ["sample.Greeter"]},
//	    "references": [{"name": "log", "interface": "logservice.LogService"}]
//	  }]
//	}
func ParseMetadata(manifest map[string]any, logger logservice.LogService) ([]*ComponentMetadata, error) {
	raw, ok := manifest[ManifestKey]
	if !ok {
		return nil, errors.InvalidArgument("manifest has no %q entry", ManifestKey)
	}
	var doc manifestDocument
	if err := decode(raw, &doc); err != nil {
		return nil, errors.InvalidArgument("invalid %q manifest entry", ManifestKey).WithCause(err)
	}
	if doc.Version != 1 {
		return nil, errors.InvalidArgument("unsupported %q manifest version %d", ManifestKey, doc.Version)
	}
	if doc.Components == nil {
		return nil, errors.InvalidArgument("manifest entry %q has no components", ManifestKey)
	}

	out := make([]*ComponentMetadata, 0, len(doc.Components))
	for i, raw := range doc.Components {
		md, err := parseComponent(raw, logger)
		if err != nil {
			if logger != nil {
				logger.LogError(level.Error, fmt.Sprintf("could not load the component with index %d", i), err)
			}
			continue
		}
		out = append(out, md)
	}
	return out, nil
}

func parseComponent(raw map[string]any, logger logservice.LogService) (*ComponentMetadata, error) {
	var c manifestComponent
	if err := decode(raw, &c); err != nil {
		return nil, errors.InvalidArgument("invalid component").WithCause(err)
	}
	if c.ImplementationClass == "" {
		return nil, errors.InvalidArgument("missing implementation-class")
	}

	md := &ComponentMetadata{
		Name:                       c.ImplementationClass,
		ImplClassName:              c.ImplementationClass,
		Enabled:                    true,
		Properties:                 c.Properties,
		ConfigurationPolicy:        ConfigPolicyIgnore,
		FactoryComponentID:         c.Factory,
		FactoryComponentProperties: c.FactoryProperties,
	}
	if c.Name != "" {
		md.Name = c.Name
	}
	if c.Enabled != nil {
		md.Enabled = *c.Enabled
	}
	if md.Properties == nil {
		md.Properties = map[string]any{}
	}
	if md.FactoryComponentProperties == nil {
		md.FactoryComponentProperties = map[string]any{}
	}

	if c.Service != nil {
		if len(c.Service.Interfaces) == 0 {
			return nil, errors.InvalidArgument("component %s: service without interfaces", md.Name)
		}
		md.Service = ServiceMetadata{Interfaces: c.Service.Interfaces, Scope: c.Service.Scope}
		if md.Service.Scope == "" {
			md.Service.Scope = "singleton"
		}
		switch md.Service.Scope {
		case "singleton", "bundle", "prototype":
		default:
			return nil, errors.InvalidArgument("component %s: invalid service scope %q", md.Name, md.Service.Scope)
		}
	}
	// a component that provides no service can only be immediate
	md.Immediate = c.Service == nil
	if c.Immediate != nil {
		if c.Service == nil && !*c.Immediate {
			return nil, errors.InvalidArgument("component %s: invalid value for immediate", md.Name)
		}
		md.Immediate = *c.Immediate
	}

	if err := parseConfiguration(md, &c, logger); err != nil {
		return nil, err
	}

	names := make(map[string]struct{}, len(c.References))
	for _, r := range c.References {
		ref, err := parseReference(r)
		if err != nil {
			return nil, errors.InvalidArgument("component %s", md.Name).WithCause(err)
		}
		if _, dup := names[ref.Name]; dup {
			return nil, errors.InvalidArgument("component %s: duplicate reference %s", md.Name, ref.Name)
		}
		names[ref.Name] = struct{}{}
		md.Refs = append(md.Refs, ref)
	}
	return md, nil
}

func parseConfiguration(md *ComponentMetadata, c *manifestComponent, logger logservice.LogService) error {
	if c.ConfigurationPolicy != nil {
		switch *c.ConfigurationPolicy {
		case ConfigPolicyIgnore, ConfigPolicyOptional, ConfigPolicyRequire:
		default:
			return errors.InvalidArgument("component %s: invalid configuration-policy %q", md.Name, *c.ConfigurationPolicy)
		}
	}
	// both entries are needed to take part in configuration admin
	if (c.ConfigurationPolicy == nil) != (c.ConfigurationPid == nil) {
		if logger != nil {
			logger.Log(level.Warn, fmt.Sprintf("component %s: configuration-policy set to ignore, "+
				"both configuration-policy and configuration-pid must be present", md.Name))
		}
		return nil
	}
	if c.ConfigurationPolicy == nil || *c.ConfigurationPolicy == ConfigPolicyIgnore {
		return nil
	}

	md.ConfigurationPolicy = *c.ConfigurationPolicy
	for _, pid := range c.ConfigurationPid {
		if pid == selfPid {
			pid = md.Name
		}
		if pid == "" {
			return errors.InvalidArgument("component %s: empty configuration-pid", md.Name)
		}
		if slices.Contains(md.ConfigurationPids, pid) {
			return errors.InvalidArgument("component %s: duplicate configuration-pid %s", md.Name, pid)
		}
		md.ConfigurationPids = append(md.ConfigurationPids, pid)
	}
	return nil
}

func parseReference(r manifestReference) (ReferenceMetadata, error) {
	if r.Interface == "" {
		return ReferenceMetadata{}, errors.InvalidArgument("reference %q without interface", r.Name)
	}
	ref := ReferenceMetadata{
		Name:         r.Name,
		Interface:    r.Interface,
		Target:       r.Target,
		Cardinality:  r.Cardinality,
		Policy:       r.Policy,
		PolicyOption: r.PolicyOption,
	}
	if ref.Name == "" {
		ref.Name = ref.Interface
	}
	if ref.Cardinality == "" {
		ref.Cardinality = "1..1"
	}
	if ref.Policy == "" {
		ref.Policy = PolicyStatic
	}
	if ref.PolicyOption == "" {
		ref.PolicyOption = PolicyOptionReluctant
	}

	switch ref.Cardinality {
	case "0..1", "1..1", "0..n", "1..n":
	default:
		return ref, errors.InvalidArgument("reference %s: invalid cardinality %q", ref.Name, ref.Cardinality)
	}
	if ref.Policy != PolicyStatic && ref.Policy != PolicyDynamic {
		return ref, errors.InvalidArgument("reference %s: invalid policy %q", ref.Name, ref.Policy)
	}
	if ref.PolicyOption != PolicyOptionReluctant && ref.PolicyOption != PolicyOptionGreedy {
		return ref, errors.InvalidArgument("reference %s: invalid policy-option %q", ref.Name, ref.PolicyOption)
	}
	return ref, nil
}
