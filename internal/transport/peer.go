package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

// Peer is one QUIC connection. The first stream carries framed protocol
// messages; any further stream is a raw data stream.
type Peer struct {
	codec         *protocol.Codec
	conn          *quic.Conn
	controlStream *quic.Stream
	mu            sync.Mutex
	writeMu       sync.Mutex
}

func NewPeer(conn *quic.Conn) *Peer {
	return &Peer{
		codec: protocol.NewCodec(),
		conn:  conn,
	}
}

func (p *Peer) AcceptDataStream(ctx context.Context) (*quic.Stream, error) {
	return p.conn.AcceptStream(ctx)
}

func (p *Peer) Close() error {
	return p.CloseWithError(protocol.Success, "")
}

// CloseWithError closes the connection, reporting code to the remote side.
func (p *Peer) CloseWithError(code protocol.ErrorCode, reason string) error {
	p.mu.Lock()
	if p.controlStream != nil {
		_ = p.controlStream.Close()
	}
	p.mu.Unlock()
	return p.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// Done is closed once the connection is gone, for whatever reason.
func (p *Peer) Done() <-chan struct{} {
	return p.conn.Context().Done()
}

func (p *Peer) OpenDataStream(ctx context.Context) (*quic.Stream, error) {
	return p.conn.OpenStreamSync(ctx)
}

// Receive reads the next message from the control stream. The read ends when
// ctx is done, whichever of its deadline or cancellation comes first.
func (p *Peer) Receive(ctx context.Context) (protocol.Message, error) {
	stream, err := p.acceptControlStream(ctx)
	if err != nil {
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	_ = stream.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = stream.SetReadDeadline(time.Now()) })
	defer stop()

	msg, err := p.codec.Decode(stream)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("receive: %w", ctx.Err())
	}
	return msg, err
}

func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// RemoteIP is the remote address without its port.
func (p *Peer) RemoteIP() net.IP {
	if addr, ok := p.conn.RemoteAddr().(*net.UDPAddr); ok {
		return addr.IP
	}
	return nil
}

// Send is safe for concurrent use.
func (p *Peer) Send(ctx context.Context, msg protocol.Message) error {
	stream, err := p.getControlStream(ctx)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = stream.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = stream.SetWriteDeadline(time.Now()) })
	defer stop()

	if err := p.codec.Encode(stream, msg); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("send: %w", ctx.Err())
		}
		return err
	}
	return nil
}

func (p *Peer) acceptControlStream(ctx context.Context) (*quic.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.controlStream != nil {
		return p.controlStream, nil
	}

	stream, err := p.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	p.controlStream = stream
	return stream, nil
}

func (p *Peer) getControlStream(ctx context.Context) (*quic.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.controlStream != nil {
		return p.controlStream, nil
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	p.controlStream = stream
	return stream, nil
}
