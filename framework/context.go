package framework

import (
	"sync/atomic"

	"github.com/kochabonline/scr/core/ldap"
	"github.com/kochabonline/scr/errors"
)

// ErrInvalidContext is returned by every BundleContext method once the
// owning bundle stopped.
var ErrInvalidContext = errors.Runtime("bundle context is no longer valid")

// BundleContext is the execution context of a started bundle within the
// framework. All service and listener operations go through it.
type BundleContext struct {
	bundle *Bundle
	valid  atomic.Bool
}

func newBundleContext(b *Bundle) *BundleContext {
	c := &BundleContext{bundle: b}
	c.valid.Store(true)
	return c
}

func (c *BundleContext) invalidate() {
	c.valid.Store(false)
}

func (c *BundleContext) check() error {
	if c == nil || !c.valid.Load() {
		return ErrInvalidContext
	}
	return nil
}

func (c *BundleContext) Valid() bool {
	return c.check() == nil
}

func (c *BundleContext) Bundle() *Bundle {
	return c.bundle
}

func (c *BundleContext) Framework() *Framework {
	return c.bundle.fw
}

func (c *BundleContext) Bundles() []*Bundle {
	return c.bundle.fw.registry.All()
}

func (c *BundleContext) GetBundle(id int64) *Bundle {
	return c.bundle.fw.registry.Get(id)
}

// RegisterService publishes service under interfaces. A service implementing
// ServiceFactory is asked for a service object per requesting bundle.
func (c *BundleContext) RegisterService(interfaces []string, service any, props map[string]any) (*ServiceRegistration, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.bundle.fw.services.register(c.bundle, interfaces, service, props)
}

// GetServiceReferences returns the references registered under iface that
// match filter, best first. An empty iface matches every interface.
func (c *BundleContext) GetServiceReferences(iface, filter string) ([]*ServiceReference, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	var f *ldap.Filter
	if filter != "" {
		var err error
		if f, err = ldap.Parse(filter); err != nil {
			return nil, err
		}
	}
	return c.bundle.fw.services.references(iface, f), nil
}

// GetServiceReference returns the best reference for iface, or nil.
func (c *BundleContext) GetServiceReference(iface string) *ServiceReference {
	refs, err := c.GetServiceReferences(iface, "")
	if err != nil || len(refs) == 0 {
		return nil
	}
	return refs[0]
}

// GetService returns the service object for ref, or nil when it is gone.
func (c *BundleContext) GetService(ref *ServiceReference) (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, errors.InvalidArgument("nil service reference")
	}
	return ref.reg.getService(c.bundle)
}

// UngetService releases a service obtained with GetService.
func (c *BundleContext) UngetService(ref *ServiceReference) bool {
	if c.check() != nil || ref == nil {
		return false
	}
	return ref.reg.ungetService(c.bundle)
}

// AddServiceListener registers l for service events matching filter. The
// listener is invoked synchronously with no framework lock held.
func (c *BundleContext) AddServiceListener(l ServiceListener, filter string) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	var f *ldap.Filter
	if filter != "" {
		var err error
		if f, err = ldap.Parse(filter); err != nil {
			return 0, err
		}
	}
	return c.bundle.fw.services.addListener(c.bundle, f, l), nil
}

func (c *BundleContext) RemoveServiceListener(token int64) {
	c.bundle.fw.services.removeListener(token)
}

func (c *BundleContext) AddBundleListener(l BundleListener) (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return c.bundle.fw.bundleListeners.add(c.bundle, l), nil
}

func (c *BundleContext) RemoveBundleListener(token int64) {
	c.bundle.fw.bundleListeners.remove(token)
}

// InstallBundles installs every bundle found at location. manifests maps
// symbolic names to bundle manifests.
func (c *BundleContext) InstallBundles(location string, manifests map[string]map[string]any) ([]*Bundle, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.bundle.fw.registry.Install(location, c.bundle, manifests)
}
