package net

import (
	"log/slog"
	"net"
)

// OutgoingIP finds the preferred local IPv4 address to advertise to peers.
func OutgoingIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		// No route out (offline LAN); look at the interfaces instead.
		return localIPFallback()
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.To4(), nil
}

func localIPFallback() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.To4(), nil
			}
		}
	}
	slog.Warn("no non-loopback IPv4 address found, advertising loopback", "component", "net")
	return net.IPv4(127, 0, 0, 1).To4(), nil
}
