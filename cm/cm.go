// Package cm is an in-process configuration admin: it owns configuration
// objects keyed by PID, persists them through a pluggable Store and tells
// every registered ConfigurationListener about updates and removals.
package cm

import (
	"strings"

	"github.com/kochabonline/scr/framework"
)

// Objectclasses under which the admin and its listeners are registered.
const (
	AdminInterface    = "cm.ConfigurationAdmin"
	ListenerInterface = "cm.ConfigurationListener"
)

// FactorySeparator splits a factory configuration PID into the factory PID
// and the instance name.
const FactorySeparator = "~"

type EventType int

const (
	Updated EventType = iota + 1
	Deleted
)

func (t EventType) String() string {
	switch t {
	case Updated:
		return "CM_UPDATED"
	case Deleted:
		return "CM_DELETED"
	}
	return "UNKNOWN"
}

// Event describes a change of one configuration. Reference points at the
// ConfigurationAdmin service that owns it.
type Event struct {
	Reference  *framework.ServiceReference
	PID        string
	FactoryPID string
	Type       EventType
}

type ConfigurationListener interface {
	ConfigurationEvent(evt Event) error
}

type Configuration interface {
	PID() string
	FactoryPID() string
	// Properties returns a copy of the current properties.
	Properties() map[string]any
	// ChangeCount increases with every update; 0 means never updated.
	ChangeCount() uint64
	Update(props map[string]any) error
	// UpdateIfDifferent skips the update when props equal the current ones.
	UpdateIfDifferent(props map[string]any) (bool, error)
	Remove() error
}

type ConfigurationAdmin interface {
	// GetConfiguration returns the configuration for pid, creating an empty
	// one when it does not exist.
	GetConfiguration(pid string) (Configuration, error)
	GetFactoryConfiguration(factoryPID, instance string) (Configuration, error)
	CreateFactoryConfiguration(factoryPID string) (Configuration, error)
	// ListConfigurations returns updated configurations whose pid or
	// properties match filter. An empty filter matches all.
	ListConfigurations(filter string) ([]Configuration, error)
}

// SplitFactoryPID splits "factory~instance" at the first separator.
func SplitFactoryPID(pid string) (factory, instance string, ok bool) {
	return strings.Cut(pid, FactorySeparator)
}

// FactoryPID returns the factory part of pid, or "" for a plain pid.
func FactoryPID(pid string) string {
	factory, _, ok := SplitFactoryPID(pid)
	if !ok {
		return ""
	}
	return factory
}
