//go:build !linux

package server

import "net"

// listen opens the TCP listener. SO_REUSEPORT is a no-op off Linux.
func listen(addr string, _ bool) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
