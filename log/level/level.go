package level

import (
	"fmt"
	"strings"
)

// Level 日志级别, 相邻级别之间留有间隔以便扩展
type Level int

const (
	Trace Level = -8
	Debug Level = -4
	Info  Level = 0
	Warn  Level = 4
	Error Level = 8
	Fatal Level = 12
)

var names = map[string]Level{
	"trace":   Trace,
	"debug":   Debug,
	"info":    Info,
	"warn":    Warn,
	"warning": Warn,
	"error":   Error,
	"fatal":   Fatal,
}

// Parse 解析配置中的级别名, 不区分大小写
func Parse(s string) (Level, error) {
	lvl, ok := names[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return Info, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// String 返回级别名, 介于两个级别之间时带上偏移, 例如 INFO+2
func (l Level) String() string {
	str := func(base string, val Level) string {
		if val == 0 {
			return base
		}
		return fmt.Sprintf("%s%+d", base, val)
	}

	switch {
	case l < Debug:
		return str("TRACE", l-Trace)
	case l < Info:
		return str("DEBUG", l-Debug)
	case l < Warn:
		return str("INFO", l-Info)
	case l < Error:
		return str("WARN", l-Warn)
	case l < Fatal:
		return str("ERROR", l-Error)
	default:
		return str("FATAL", l-Fatal)
	}
}
