package sys

import (
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
)

// IsAddrInUse returns true if err came from binding a port another listener holds
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

const maxPort = 65535

// ListenFirstFree binds host on port, moving to the next port while the current one
// is taken. attempts caps how many ports are tried, zero or less keeps going up to the
// last port. Other bind errors are returned immediately.
func ListenFirstFree(host string, port int, attempts int) (net.Listener, error) {
	last := maxPort
	if attempts > 0 && port+attempts-1 < maxPort {
		last = port + attempts - 1
	}
	var lastErr error
	for p := port; p <= last; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return l, nil
		}
		if !IsAddrInUse(err) {
			return nil, errors.Wrapf(err, "listen on %s:%d", host, p)
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, errors.Newf("port %d is out of range", port)
	}
	return nil, errors.Wrapf(lastErr, "no free port in %d..%d", port, last)
}

// IsLoopbackHost reports whether host (a name or IP, without port) only accepts
// connections from this machine. Wildcard addresses such as 0.0.0.0 do not.
func IsLoopbackHost(host string) bool {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
