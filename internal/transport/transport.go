package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/rudransh-shrivastava/peer-drop/internal/netutil"
)

// Transport is a QUIC endpoint that both accepts and dials peers over a
// single UDP socket.
type Transport struct {
	conn     *net.UDPConn
	listener *quic.Listener
	quicConf *quic.Config
	tlsConf  *tls.Config
	tr       *quic.Transport
}

func NewTransport(addr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	tlsConf, err := DefaultTLSConfig()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	t := &Transport{
		conn:     conn,
		quicConf: DefaultQUICConfig(),
		tlsConf:  tlsConf,
		tr:       &quic.Transport{Conn: conn},
	}

	t.listener, err = t.tr.Listen(tlsConf, t.quicConf)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return t, nil
}

func (t *Transport) Accept(ctx context.Context) (*Peer, error) {
	conn, err := t.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return NewPeer(conn), nil
}

func (t *Transport) Dial(ctx context.Context, addr string) (*Peer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := t.tr.Dial(ctx, udpAddr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	return NewPeer(conn), nil
}

func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *Transport) Port() int {
	return netutil.Port(t.conn.LocalAddr())
}

func (t *Transport) Close() error {
	return errors.Join(
		t.listener.Close(),
		t.tr.Close(),
		ignoreClosed(t.conn.Close()),
	)
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
