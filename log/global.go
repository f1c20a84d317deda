package log

import (
	"github.com/rs/zerolog"

	"github.com/kochabonline/scr/log/level"
)

// 包级函数写入 DefaultLogger, 供没有注入日志记录器的代码使用

func Debug() *zerolog.Event {
	return DefaultLogger.Debug()
}

func Info() *zerolog.Event {
	return DefaultLogger.Info()
}

func Warn() *zerolog.Event {
	return DefaultLogger.Warn()
}

// Error 附带错误堆栈
func Error() *zerolog.Event {
	return DefaultLogger.Error().Stack()
}

func Errorf(format string, args ...any) {
	DefaultLogger.Error().Stack().Msgf(format, args...)
}

// Leveled 返回按 lvl 过滤的副本, 原日志记录器不受影响
func (l *Logger) Leveled(lvl level.Level) *Logger {
	return &Logger{Logger: l.Logger.Level(ZerologLevel(lvl))}
}
