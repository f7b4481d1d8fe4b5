package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const defaultResendInterval = time.Second

// Peer is a host that answered discovery.
type Peer struct {
	Addr        string
	ControlPort int
	Name        string
}

func (p Peer) ControlAddr() string {
	return net.JoinHostPort(p.Addr, strconv.Itoa(p.ControlPort))
}

type DiscoverConfig struct {
	// Target is the group address requests go to; a unicast address works too.
	Target         string
	Logger         *logrus.Logger
	ResendInterval time.Duration
	TTL            int
}

// Discover broadcasts discovery requests until ctx is done and returns every
// peer that answered with SUCCESS.
func Discover(ctx context.Context, cfg DiscoverConfig) ([]Peer, error) {
	if cfg.Target == "" {
		cfg.Target = net.JoinHostPort(DefaultGroup, strconv.Itoa(DefaultPort))
	}
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = defaultResendInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	raddr, err := net.ResolveUDPAddr("udp4", cfg.Target)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastTTL(cfg.TTL)
	_ = pc.SetMulticastLoopback(true)

	codec := protocol.NewCodec()
	req, err := codec.EncodeToBytes(&protocol.ServiceDiscoverReq{})
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteTo(req, raddr); err != nil {
		return nil, fmt.Errorf("send discovery request: %w", err)
	}
	nextSend := time.Now().Add(cfg.ResendInterval)

	found := make(map[string]Peer)
	buf := make([]byte, protocol.MaxDatagramSize)

	for ctx.Err() == nil {
		deadline := nextSend
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = conn.SetReadDeadline(deadline)

		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				return sortPeers(found), err
			}
			if !time.Now().Before(nextSend) {
				if _, err := conn.WriteTo(req, raddr); err != nil {
					logger.WithError(err).Warn("Failed to resend discovery request")
				}
				nextSend = time.Now().Add(cfg.ResendInterval)
			}
			continue
		}

		msg, err := codec.DecodeFromBytes(buf[:n])
		if err != nil {
			logger.WithError(err).WithField("from", src.String()).Debug("Ignoring undecodable reply")
			continue
		}
		res, ok := msg.(*protocol.ServiceDiscoverRes)
		if !ok || res.Status != protocol.Success {
			continue
		}

		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		peer := Peer{Addr: udp.IP.String(), ControlPort: int(res.ControlPort), Name: res.Name}
		if _, seen := found[peer.ControlAddr()]; !seen {
			logger.WithFields(logrus.Fields{"peer": peer.ControlAddr(), "name": peer.Name}).Debug("Discovered peer")
		}
		found[peer.ControlAddr()] = peer
	}

	return sortPeers(found), nil
}

func sortPeers(found map[string]Peer) []Peer {
	peers := make([]Peer, 0, len(found))
	for _, p := range found {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ControlAddr() < peers[j].ControlAddr() })
	return peers
}
