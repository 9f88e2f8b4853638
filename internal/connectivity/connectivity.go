// Package connectivity models the device network state and provides a
// poll-based observer that emits a state tuple on every change.
package connectivity

import (
	"context"
	"net"
	"strings"
)

// NetworkType classifies the connectivity medium. Only wifi sessions are
// tracked; anything else ends an active session.
type NetworkType string

const (
	TypeWifi     NetworkType = "wifi"
	TypeCellular NetworkType = "cellular"
	TypeOther    NetworkType = "other"
	TypeNone     NetworkType = "none"
)

// State is the observed network tuple.
type State struct {
	Type      NetworkType `json:"type"`
	Connected bool        `json:"connected"`
	IPAddress string      `json:"ip_address,omitempty"`
}

// Provider exposes the current network state on demand plus a push-style
// stream of changes.
type Provider interface {
	Current(ctx context.Context) (State, error)
	Watch(ctx context.Context) <-chan State
}

// Equal reports whether two states describe the same connectivity tuple.
func (s State) Equal(o State) bool {
	return s.Type == o.Type && s.Connected == o.Connected && s.IPAddress == o.IPAddress
}

// classifyInterface maps an interface name to a network type. Wireless LAN
// interfaces are wl* on Linux and en* on Darwin; wwan/rmnet are cellular
// modems.
func classifyInterface(name string) NetworkType {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "wl") || strings.HasPrefix(lower, "en") || strings.HasPrefix(lower, "ath"):
		return TypeWifi
	case strings.HasPrefix(lower, "ww") || strings.HasPrefix(lower, "rmnet") || strings.HasPrefix(lower, "ccmni"):
		return TypeCellular
	default:
		return TypeOther
	}
}

// firstIPv4 returns the first global unicast IPv4 address in the list.
func firstIPv4(addrs []net.Addr) string {
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return ip.String()
	}
	return ""
}
