package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rudransh-shrivastava/peer-drop/internal/netutil"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const (
	DefaultGroup = "239.0.0.1"
	DefaultPort  = 9000
)

var (
	ErrPortInUse    = fmt.Errorf("discovery port in use: %w", protocol.ErrDiscoveryPortUse)
	ErrNotListening = errors.New("discovery responder is not listening")
)

type Config struct {
	ControlPort int
	Group       string
	Logger      *logrus.Logger
	Name        string
	Port        int
	// PortInUse replaces netutil.LocalPortInUse, mainly for tests.
	PortInUse func(port int) bool
}

// Responder answers service discovery datagrams sent to a multicast group.
// Replies go to the requester's address, never to the group.
type Responder struct {
	codec  *protocol.Codec
	config Config
	conn   net.PacketConn
	logger *logrus.Logger
	mu     sync.Mutex
}

func NewResponder(cfg Config) *Responder {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.PortInUse == nil {
		cfg.PortInUse = netutil.LocalPortInUse
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Responder{
		codec:  protocol.NewCodec(),
		config: cfg,
		logger: logger,
	}
}

// Listen binds the discovery port and joins the group. It fails with
// ErrPortInUse before touching the socket if the port is already taken.
func (r *Responder) Listen() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return errors.New("discovery responder already listening")
	}

	group := net.ParseIP(r.config.Group).To4()
	if group == nil || !group.IsMulticast() {
		return fmt.Errorf("invalid multicast group %q", r.config.Group)
	}

	if r.config.PortInUse(r.config.Port) {
		return fmt.Errorf("port %d: %w", r.config.Port, ErrPortInUse)
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(r.config.Port)))
	if err != nil {
		return fmt.Errorf("bind discovery socket: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if joined := joinGroup(pc, &net.UDPAddr{IP: group}, r.logger); joined == 0 {
		r.logger.WithField("group", r.config.Group).Warn("Could not join multicast group, answering unicast requests only")
	}
	_ = pc.SetMulticastLoopback(true)

	r.conn = conn
	r.logger.WithFields(logrus.Fields{
		"addr":  conn.LocalAddr().String(),
		"group": r.config.Group,
	}).Info("Discovery responder listening")
	return nil
}

func (r *Responder) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Serve runs the receive loop until ctx is cancelled or the socket fails.
// Either way the socket is released and Listen may be called again.
func (r *Responder) Serve(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn == nil {
		return ErrNotListening
	}
	defer r.release(conn)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("Discovery responder stopped")
				return ctx.Err()
			}
			r.logger.WithError(err).Error("Discovery receive failed, responder stopped")
			return fmt.Errorf("discovery receive: %w", err)
		}

		r.handleDatagram(conn, buf[:n], src)
	}
}

// Start is Listen followed by Serve.
func (r *Responder) Start(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	return r.Serve(ctx)
}

func (r *Responder) handleDatagram(conn net.PacketConn, data []byte, src net.Addr) {
	log := r.logger.WithField("from", src.String())

	msg, err := r.codec.DecodeFromBytes(data)
	if err != nil {
		log.WithError(err).Warn("Dropping undecodable datagram")
		return
	}

	if _, ok := msg.(*protocol.ServiceDiscoverReq); !ok {
		log.WithField("type", msg.Type().String()).Warn("Dropping unexpected message")
		return
	}

	reply, err := r.codec.EncodeToBytes(&protocol.ServiceDiscoverRes{
		ControlPort: uint16(r.config.ControlPort),
		Name:        r.config.Name,
		Status:      protocol.Success,
	})
	if err != nil {
		log.WithError(err).Error("Failed to encode discovery response")
		return
	}

	if _, err := conn.WriteTo(reply, src); err != nil {
		log.WithError(err).Warn("Failed to answer discovery request")
		return
	}
	log.Debug("Answered discovery request")
}

func (r *Responder) release(conn net.PacketConn) {
	_ = conn.Close()

	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
}

func joinGroup(pc *ipv4.PacketConn, group *net.UDPAddr, logger *logrus.Logger) int {
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.WithError(err).Debug("Failed to list interfaces")
	}

	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(ifi, group); err != nil {
			logger.WithError(err).WithField("iface", ifi.Name).Debug("Join multicast group failed")
			continue
		}
		joined++
	}

	if joined == 0 {
		if err := pc.JoinGroup(nil, group); err == nil {
			joined++
		}
	}
	return joined
}
