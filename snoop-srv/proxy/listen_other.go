//go:build !unix

package proxy

import (
	"fmt"
	"net"
)

// listenTCP falls back to the platform default backlog.
func listenTCP(address string, _ int) (net.Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, newError(ErrCodeListenerCreateFailed, fmt.Errorf("%s: %w", address, err))
	}
	return listener, nil
}
