package discovery

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceDomain = "local."
	ServiceName   = "_peer-drop._udp"
)

// Advertise publishes the control channel over mDNS so tools that do not
// speak the multicast discovery protocol can still find this host.
func Advertise(name string, controlPort int) (*zeroconf.Server, error) {
	server, err := zeroconf.Register(name, ServiceName, ServiceDomain, controlPort, []string{"v=1"}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return server, nil
}

// Browse collects mDNS advertisements until ctx is done.
func Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Peer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			peer := Peer{
				Addr:        entry.AddrIPv4[0].String(),
				ControlPort: entry.Port,
				Name:        entry.Instance,
			}
			found[peer.ControlAddr()] = peer
		}
	}()

	if err := resolver.Browse(ctx, ServiceName, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns: %w", err)
	}

	<-ctx.Done()
	<-done
	return sortPeers(found), nil
}
