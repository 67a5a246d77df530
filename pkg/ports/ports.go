// Package ports binds listeners, falling back to a nearby free port when the
// requested one is taken.
package ports

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"syscall"
)

const (
	fallbackRange    = 1000
	fallbackAttempts = 50
)

// Listen binds addr on TCP. When the port is already in use it tries random
// ports in (port, port+1000] on the same host. Port 0 and errors other than
// "address in use" are returned as from net.Listen.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil || !errors.Is(err, syscall.EADDRINUSE) {
		return ln, err
	}

	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return nil, err
	}
	port, convErr := strconv.Atoi(portStr)
	if convErr != nil || port == 0 {
		return nil, err
	}
	return ListenInRange(host, port+1, min(port+fallbackRange, 65535))
}

// ListenInRange binds a random free port in [minPort, maxPort] on host.
func ListenInRange(host string, minPort, maxPort int) (net.Listener, error) {
	if minPort > maxPort {
		return nil, fmt.Errorf("minPort (%d) must be <= maxPort (%d)", minPort, maxPort)
	}

	for attempts := 0; attempts < fallbackAttempts; attempts++ {
		port := minPort + rand.IntN(maxPort-minPort+1)
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
	}

	return nil, fmt.Errorf("unable to find available port after %d attempts in range %d-%d", fallbackAttempts, minPort, maxPort)
}
