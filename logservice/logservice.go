// Package logservice defines the log service contract shared by bundles and
// a zerolog backed implementation of it.
package logservice

import (
	"github.com/rs/zerolog"

	"github.com/kochabonline/scr/framework"
	"github.com/kochabonline/scr/log"
	"github.com/kochabonline/scr/log/level"
)

// Interface is the objectclass under which log services are registered.
const Interface = "logservice.LogService"

type LogService interface {
	Log(lvl level.Level, msg string)
	LogError(lvl level.Level, msg string, err error)
	LogRef(ref *framework.ServiceReference, lvl level.Level, msg string)
	LogRefError(ref *framework.ServiceReference, lvl level.Level, msg string, err error)
}

// Logger writes log service records to a log.Logger.
type Logger struct {
	logger *log.Logger
}

// New returns a LogService over l, or over the global logger when l is nil.
func New(l *log.Logger) *Logger {
	return &Logger{logger: l}
}

func (l *Logger) target() *log.Logger {
	if l.logger != nil {
		return l.logger
	}
	return log.DefaultLogger
}

// zerologLevel maps the four record levels; every other value is trace.
func zerologLevel(lvl level.Level) zerolog.Level {
	switch lvl {
	case level.Debug:
		return zerolog.DebugLevel
	case level.Info:
		return zerolog.InfoLevel
	case level.Warn:
		return zerolog.WarnLevel
	case level.Error:
		return zerolog.ErrorLevel
	}
	return zerolog.TraceLevel
}

func (l *Logger) event(lvl level.Level) *zerolog.Event {
	return l.target().WithLevel(zerologLevel(lvl))
}

func (l *Logger) Log(lvl level.Level, msg string) {
	l.event(lvl).Msg(msg)
}

func (l *Logger) LogError(lvl level.Level, msg string, err error) {
	l.event(lvl).Err(err).Msg(msg)
}

func (l *Logger) LogRef(ref *framework.ServiceReference, lvl level.Level, msg string) {
	withRef(l.event(lvl), ref).Msg(msg)
}

func (l *Logger) LogRefError(ref *framework.ServiceReference, lvl level.Level, msg string, err error) {
	withRef(l.event(lvl), ref).Err(err).Msg(msg)
}

func withRef(e *zerolog.Event, ref *framework.ServiceReference) *zerolog.Event {
	if ref == nil {
		return e
	}
	return e.Int64("service.id", ref.ID()).Int64("service.bundleid", ref.Bundle().ID())
}

// Register publishes svc as a log service from ctx.
func Register(ctx *framework.BundleContext, svc LogService, props map[string]any) (*framework.ServiceRegistration, error) {
	return ctx.RegisterService([]string{Interface}, svc, props)
}
