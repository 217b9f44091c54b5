// Package netif enumerates the local IPv4 interface addresses used for
// discovery and watches for changes to that set.
package netif

import (
	"fmt"
	"net"
	"path/filepath"
	"time"
)

// Config holds enumeration and watch configuration.
type Config struct {
	// IgnoreInterfaces contains interface name patterns (filepath.Match syntax)
	// to leave out of enumeration, e.g. "docker*" or "veth*".
	IgnoreInterfaces []string

	// DebounceInterval is the minimum time between emitted change events.
	// Default: 500ms
	DebounceInterval time.Duration

	// PollInterval is used by the polling watcher on platforms without
	// change notifications. Default: 5s
	PollInterval time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceInterval: 500 * time.Millisecond,
		PollInterval:     5 * time.Second,
	}
}

// Interface is one usable local IPv4 address.
type Interface struct {
	Name  string
	Index int
	IP    net.IP
	Mask  net.IPMask
}

// Broadcast returns the directed broadcast address of the interface's subnet,
// or the limited broadcast address when the mask is unknown.
func (i Interface) Broadcast() net.IP {
	ip4 := i.IP.To4()
	if ip4 == nil || len(i.Mask) != net.IPv4len {
		return net.IPv4bcast
	}
	b := make(net.IP, net.IPv4len)
	for n := range b {
		b[n] = ip4[n] | ^i.Mask[n]
	}
	return b
}

func (i Interface) String() string {
	return fmt.Sprintf("%s(%s)", i.Name, i.IP)
}

// Enumerate returns the local IPv4 addresses in the order the operating
// system reports them. Loopback addresses, interfaces that are down and
// interfaces matching cfg.IgnoreInterfaces are left out. Callers must not
// rely on the order being stable across calls.
func Enumerate(cfg Config) ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	return collect(ifaces, func(iface net.Interface) ([]net.Addr, error) {
		return iface.Addrs()
	}, cfg), nil
}

func collect(ifaces []net.Interface, addrsOf func(net.Interface) ([]net.Addr, error), cfg Config) []Interface {
	var result []Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ignored(iface.Name, cfg.IgnoreInterfaces) {
			continue
		}

		addrs, err := addrsOf(iface)
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			var mask net.IPMask
			switch v := addr.(type) {
			case *net.IPNet:
				ip, mask = v.IP, v.Mask
			case *net.IPAddr:
				ip = v.IP
			}

			ip4 := ip.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}

			result = append(result, Interface{
				Name:  iface.Name,
				Index: iface.Index,
				IP:    ip4,
				Mask:  mask,
			})
		}
	}
	return result
}

func ignored(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// Equal reports whether two enumerations hold the same addresses, ignoring order.
func Equal(a, b []Interface) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, i := range a {
		seen[i.Name+"/"+i.IP.String()]++
	}
	for _, i := range b {
		k := i.Name + "/" + i.IP.String()
		if seen[k] == 0 {
			return false
		}
		seen[k]--
	}
	return true
}
