package net

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	serviceType = "_p2pcanvas._tcp"
	idField     = "id="
)

// Advertiser announces this node on the local network until Shutdown.
type Advertiser struct {
	server *mdns.Server
}

// Advertise publishes the node's peer ID and TCP port over mDNS.
func Advertise(id peer.ID, port int, logger *slog.Logger) (*Advertiser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "canvas"
	}
	// several boards may run on one machine
	instance := host + "-" + uuid.NewString()[:8]

	var ips []net.IP
	if ip, err := OutgoingIP(); err == nil {
		ips = []net.IP{ip}
	}

	service, err := mdns.NewMDNSService(instance, serviceType, "", "", port, ips, []string{idField + id.String()})
	if err != nil {
		return nil, fmt.Errorf("create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("start mDNS server: %w", err)
	}
	logger.Info("advertising on mDNS", "component", "mdns", "instance", instance, "port", port, "ips", ips)
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() error {
	return a.server.Shutdown()
}

// Browse queries mDNS every interval and calls found for each board it
// sees, until ctx is done. Entries for self are skipped.
func Browse(ctx context.Context, self peer.ID, interval time.Duration, found func(peer.AddrInfo), logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "mdns")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		entries := make(chan *mdns.ServiceEntry, 16)
		go func() {
			for e := range entries {
				info, err := entryAddrInfo(e)
				if err != nil {
					log.Debug("ignoring mDNS entry", "name", e.Name, "error", err)
					continue
				}
				if info.ID == self {
					continue
				}
				found(info)
			}
		}()

		params := mdns.DefaultParams(serviceType)
		params.Entries = entries
		params.Timeout = interval / 2
		params.DisableIPv6 = true
		if err := mdns.Query(params); err != nil {
			log.Warn("mDNS query failed", "error", err)
		}
		close(entries)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// entryAddrInfo turns a service entry into a dialable peer.
func entryAddrInfo(e *mdns.ServiceEntry) (peer.AddrInfo, error) {
	if e.AddrV4 == nil || e.Port == 0 {
		return peer.AddrInfo{}, fmt.Errorf("entry has no IPv4 address or port")
	}
	fields := e.InfoFields
	if len(fields) == 0 && e.Info != "" {
		fields = strings.Split(e.Info, "|")
	}
	var id peer.ID
	for _, f := range fields {
		if !strings.HasPrefix(f, idField) {
			continue
		}
		pid, err := peer.Decode(strings.TrimPrefix(f, idField))
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("decode peer id: %w", err)
		}
		id = pid
	}
	if id == "" {
		return peer.AddrInfo{}, fmt.Errorf("entry has no %q field", idField)
	}
	addr, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", e.AddrV4, e.Port))
	if err != nil {
		return peer.AddrInfo{}, err
	}
	return peer.AddrInfo{ID: id, Addrs: []ma.Multiaddr{addr}}, nil
}
