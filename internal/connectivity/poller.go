package connectivity

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Poller observes the host's network interfaces on an interval and emits a
// State on every change. The OS offers no portable push notification for
// address changes, so the observer is poll-based; the poll interval is short
// relative to the session gap so a missed edge only delays, never corrupts,
// the session state machine.
type Poller struct {
	interval time.Duration
	log      *slog.Logger

	// listInterfaces and interfaceAddrs are swappable in tests.
	listInterfaces func() ([]net.Interface, error)
	interfaceAddrs func(net.Interface) ([]net.Addr, error)
}

// NewPoller creates a connectivity poller. interval <= 0 defaults to 15s.
func NewPoller(interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{
		interval:       interval,
		log:            log,
		listInterfaces: net.Interfaces,
		interfaceAddrs: func(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() },
	}
}

// Current returns the present network state: the first up, non-loopback
// interface holding a global unicast IPv4 wins, preferring wifi.
func (p *Poller) Current(_ context.Context) (State, error) {
	ifaces, err := p.listInterfaces()
	if err != nil {
		return State{Type: TypeNone}, err
	}

	best := State{Type: TypeNone}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := p.interfaceAddrs(iface)
		if err != nil {
			continue
		}
		ip := firstIPv4(addrs)
		if ip == "" {
			continue
		}
		st := State{Type: classifyInterface(iface.Name), Connected: true, IPAddress: ip}
		if st.Type == TypeWifi {
			return st, nil
		}
		if !best.Connected {
			best = st
		}
	}
	return best, nil
}

// Watch emits the current state immediately and then on every observed change
// until ctx is cancelled. The channel is closed on cancellation.
func (p *Poller) Watch(ctx context.Context) <-chan State {
	out := make(chan State, 8)

	go func() {
		defer close(out)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		last, err := p.Current(ctx)
		if err != nil {
			p.log.Warn("connectivity probe failed", "error", err)
		}
		out <- last

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur, err := p.Current(ctx)
				if err != nil {
					p.log.Warn("connectivity probe failed", "error", err)
					continue
				}
				if cur.Equal(last) {
					continue
				}
				last = cur
				select {
				case out <- cur:
				default:
					// Consumer behind; drop the edge, the next tick re-reads state.
				}
			}
		}
	}()

	return out
}
