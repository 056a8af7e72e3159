//go:build linux

package network

import (
	"net"
	"syscall"
)

// socketListenConfig returns a net.ListenConfig that sets SO_REUSEADDR so a
// restarted server can rebind its port at once, and enlarges the receive
// buffer when rcvBuf is positive.
func socketListenConfig(rcvBuf int) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if opErr == nil && rcvBuf > 0 {
					opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, rcvBuf)
				}
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
