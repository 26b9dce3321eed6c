//go:build !linux

package service

import (
	"context"
	"net"
	"net/netip"
)

// listen uses the OS default backlog, it is only configurable on Linux.
func listen(ctx context.Context, addr netip.AddrPort, _ int) (net.Listener, error) {
	network := "tcp4"
	if addr.Addr().Is6() {
		network = "tcp6"
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, network, addr.String())
}
