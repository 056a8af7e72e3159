//go:build windows

package network

import (
	"net"
	"syscall"
)

// socketListenConfig returns a net.ListenConfig that sets SO_REUSEADDR and,
// when rcvBuf is positive, the socket receive buffer size. Option errors are
// ignored on Windows.
func socketListenConfig(rcvBuf int) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if rcvBuf > 0 {
					syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, rcvBuf)
				}
			})
		},
	}
}
