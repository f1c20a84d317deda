package http

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kochabonline/scr/async"
	"github.com/kochabonline/scr/errors"
	"github.com/kochabonline/scr/scr"
	"github.com/kochabonline/scr/transport/http/response"
)

// ComponentRuntime is the part of the component runtime the endpoints use.
type ComponentRuntime interface {
	ComponentDescriptions(bundleIDs ...int64) []scr.ComponentDescription
	ComponentDescription(bundleID int64, name string) (scr.ComponentDescription, bool)
	ComponentConfigurations(desc scr.ComponentDescription) []scr.ComponentConfigurationDescription
	IsComponentEnabled(desc scr.ComponentDescription) bool
	EnableComponent(desc scr.ComponentDescription) *async.Task
	DisableComponent(desc scr.ComponentDescription) *async.Task
}

var _ ComponentRuntime = (*scr.Runtime)(nil)

// ComponentDetail is the body of a single component lookup.
type ComponentDetail struct {
	Component      scr.ComponentDescription                `json:"component"`
	Enabled        bool                                    `json:"enabled"`
	Configurations []scr.ComponentConfigurationDescription `json:"configurations"`
}

type componentHandler struct {
	rt       ComponentRuntime
	readOnly bool
}

// Register mounts:
//
//	GET  /?bundle=<id>...
//	GET  /:bundle/:name
//	POST /:bundle/:name/enable
//	POST /:bundle/:name/disable
func (h *componentHandler) Register(r gin.IRouter) {
	r.GET("", h.list)
	r.GET("/:bundle/:name", h.get)
	r.POST("/:bundle/:name/enable", h.toggle(true))
	r.POST("/:bundle/:name/disable", h.toggle(false))
}

func (h *componentHandler) list(c *gin.Context) {
	var ids []int64
	for _, s := range c.QueryArray("bundle") {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			response.JSONError(c, errors.InvalidArgument("bad bundle id %q", s))
			return
		}
		ids = append(ids, id)
	}
	descs := h.rt.ComponentDescriptions(ids...)
	if descs == nil {
		descs = []scr.ComponentDescription{}
	}
	response.JSON(c, descs)
}

func (h *componentHandler) lookup(c *gin.Context) (scr.ComponentDescription, bool) {
	id, err := strconv.ParseInt(c.Param("bundle"), 10, 64)
	if err != nil {
		response.JSONError(c, errors.InvalidArgument("bad bundle id %q", c.Param("bundle")))
		return scr.ComponentDescription{}, false
	}
	desc, ok := h.rt.ComponentDescription(id, c.Param("name"))
	if !ok {
		response.JSONError(c, errors.NotFound("no component %s in bundle %d", c.Param("name"), id))
		return scr.ComponentDescription{}, false
	}
	return desc, true
}

func (h *componentHandler) detail(desc scr.ComponentDescription) ComponentDetail {
	return ComponentDetail{
		Component:      desc,
		Enabled:        h.rt.IsComponentEnabled(desc),
		Configurations: h.rt.ComponentConfigurations(desc),
	}
}

func (h *componentHandler) get(c *gin.Context) {
	desc, ok := h.lookup(c)
	if !ok {
		return
	}
	response.JSON(c, h.detail(desc))
}

// toggle waits for the state change before answering so the returned detail
// reflects it.
func (h *componentHandler) toggle(enable bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.readOnly {
			response.JSONError(c, errors.Security("component state is read only"))
			return
		}
		desc, ok := h.lookup(c)
		if !ok {
			return
		}
		var task *async.Task
		if enable {
			task = h.rt.EnableComponent(desc)
		} else {
			task = h.rt.DisableComponent(desc)
		}
		if err := task.Wait(c.Request.Context()); err != nil {
			response.JSONError(c, err)
			return
		}
		response.JSON(c, h.detail(desc))
	}
}
