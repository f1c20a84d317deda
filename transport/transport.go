// Package transport holds the servers an application runs next to the
// component runtime.
package transport

import (
	"context"
	"net"
	"strconv"
)

// Server is started with Run, which blocks until the server stops, and is
// stopped with Shutdown.
type Server interface {
	Run() error
	Shutdown(context.Context) error
}

// ValidateAddress reports whether addr is host:port with a numeric port. The
// host may be empty and port 0 asks for any free port.
func ValidateAddress(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	_, err = strconv.ParseUint(port, 10, 16)
	return err == nil
}
