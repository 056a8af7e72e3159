//go:build !linux && !windows

package network

import "net"

func socketListenConfig(int) net.ListenConfig {
	return net.ListenConfig{}
}
