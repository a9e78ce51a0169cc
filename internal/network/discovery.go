package network

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/roach88/aardvark/internal/core"
)

const (
	mdnsService = "_aardvark._tcp"
	mdnsDomain  = "local."
)

type discovery struct {
	server *zeroconf.Server
	cancel context.CancelFunc
}

func (d *discovery) stop() {
	d.cancel()
	if d.server != nil {
		d.server.Shutdown()
	}
}

// startDiscovery announces the listener on the local link and dials every
// peer of the same network that announces itself.
func (s *WebsocketSession) startDiscovery() error {
	d := &discovery{}
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		server, err := zeroconf.Register(s.id, mdnsService, mdnsDomain, addr.Port,
			[]string{"network=" + s.network.String()}, nil)
		if err != nil {
			return core.WrapError(core.CodeTransportError, "mdns register", err)
		}
		d.server = server
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		if d.server != nil {
			d.server.Shutdown()
		}
		return core.WrapError(core.CodeTransportError, "mdns resolver", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	d.cancel = cancel
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, mdnsService, mdnsDomain, entries); err != nil {
		d.stop()
		return core.WrapError(core.CodeTransportError, "mdns browse", err)
	}

	s.mu.Lock()
	s.discovery = d
	s.mu.Unlock()

	want := "network=" + s.network.String()
	go func() {
		seen := make(map[string]bool)
		for entry := range entries {
			if entry.Instance == s.id || seen[entry.Instance] || !hasRecord(entry.Text, want) {
				continue
			}
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			seen[entry.Instance] = true
			url := fmt.Sprintf("ws://%s", net.JoinHostPort(entry.AddrIPv4[0].String(), fmt.Sprint(entry.Port)))
			s.logger.Info("discovered peer", "instance", entry.Instance, "url", url)
			s.Dial(url)
		}
	}()
	return nil
}

func hasRecord(records []string, want string) bool {
	for _, r := range records {
		if strings.EqualFold(r, want) {
			return true
		}
	}
	return false
}
