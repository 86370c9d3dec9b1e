// Package netutil provides the shared ephemeral port allocator used by
// file transfers and screen shares, and host address discovery for the
// ports advertised to clients.
package netutil

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// maxProbes bounds how many consecutive ports one Listen call will try.
const maxProbes = 512

// Allocator hands out one-shot TCP listeners on consecutive ports above a
// fixed base. Ports already in use are skipped; the counter wraps at 65535.
// A single allocator is shared by every component that advertises ports so
// two subsystems never race for the same one.
type Allocator struct {
	mu   sync.Mutex
	base int
	next int
}

// NewAllocator returns an allocator starting at base.
func NewAllocator(base int) *Allocator {
	return &Allocator{base: base, next: base}
}

// Listen binds the next free port and returns the listener with the port
// it landed on. host may be empty to bind all interfaces.
func (a *Allocator) Listen(host string) (net.Listener, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < maxProbes; i++ {
		port := a.next
		a.next++
		if a.next > 65535 {
			a.next = a.base
		}

		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		return ln, port, nil
	}
	return nil, 0, fmt.Errorf("no free port after %d probes from %d", maxProbes, a.base)
}

// LocalIP returns the first non-loopback IPv4 address of this host, or
// "127.0.0.1" when none is found. Clients connect to advertised ports at
// this address.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
