// Package netutil holds small socket helpers shared by discovery and transfer.
package netutil

import (
	"fmt"
	"net"
	"strconv"
)

// LocalPortInUse reports whether a UDP or TCP socket is already bound to port
// on this host. It binds and immediately releases trial sockets.
func LocalPortInUse(port int) bool {
	if port <= 0 {
		return false
	}
	addr := ":" + strconv.Itoa(port)

	pc, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return true
	}
	_ = pc.Close()

	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return true
	}
	_ = ln.Close()

	return false
}

// FreeUDPPort asks the kernel for an unused UDP port.
func FreeUDPPort() (int, error) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = pc.Close() }()

	return Port(pc.LocalAddr()), nil
}

// Port extracts the numeric port from a UDP or TCP address.
func Port(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	}

	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}

// SplitHostPort parses "host:port" into its parts with a numeric port.
func SplitHostPort(hostport string) (string, int, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", p)
	}
	return host, port, nil
}
