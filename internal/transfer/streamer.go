package transfer

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/task"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAcceptTimeout    = 60 * time.Second
	DefaultDownloadDir      = "downloads"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultLingerTimeout    = 5 * time.Second

	cancelledCode = quic.StreamErrorCode(protocol.ErrTransferFailed)
)

var ErrSizeMismatch = fmt.Errorf("received size differs from announced size: %w", protocol.ErrTransferFailed)

type StreamerConfig struct {
	// AcceptTimeout bounds how long a receiver waits for the sender to open
	// the data connection after the port was announced.
	AcceptTimeout    time.Duration
	DownloadDir      string
	HandshakeTimeout time.Duration
	// LingerTimeout bounds how long a receiver waits for the sender to hang
	// up after acknowledging the file.
	LingerTimeout time.Duration
	Logger        *logrus.Logger
}

// Streamer moves file bytes over a dedicated QUIC connection per transfer.
type Streamer struct {
	config StreamerConfig
	logger *logrus.Logger
}

var _ task.Streamer = (*Streamer)(nil)

func NewStreamer(cfg StreamerConfig) *Streamer {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = DefaultDownloadDir
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.LingerTimeout <= 0 {
		cfg.LingerTimeout = DefaultLingerTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Streamer{
		config: cfg,
		logger: logger,
	}
}

// SendFile asks the peer's control channel for a data port, streams the file
// to it and waits for the receiver to acknowledge by closing its side.
func (s *Streamer) SendFile(ctx context.Context, target task.Target, path string, cb task.Callbacks) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	tr, err := transport.NewTransport(":0")
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	port, err := s.handshake(ctx, tr, target, filepath.Base(path), info.Size())
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	dataAddr := net.JoinHostPort(target.Addr, strconv.Itoa(port))
	peer, err := tr.Dial(dialCtx, dataAddr)
	if err != nil {
		return fmt.Errorf("dial data port %s: %w: %v", dataAddr, protocol.ErrHostUnreachable, err)
	}
	defer func() { _ = peer.Close() }()

	stream, err := peer.OpenDataStream(dialCtx)
	if err != nil {
		return fmt.Errorf("open data stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { abort(stream) })
	defer stop()

	s.logger.WithFields(logrus.Fields{"peer": dataAddr, "file": path, "size": info.Size()}).Debug("Streaming file")

	pw := newProgressWriter(stream, info.Size(), cb.Progress)
	if _, err := io.Copy(pw, f); err != nil {
		return fmt.Errorf("stream %s: %w", filepath.Base(path), err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("close data stream: %w", err)
	}

	if _, err := io.Copy(io.Discard, stream); err != nil {
		return fmt.Errorf("await receiver acknowledgement: %w", err)
	}
	pw.finish()

	return nil
}

func (s *Streamer) handshake(ctx context.Context, tr *transport.Transport, target task.Target, name string, size int64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	controlAddr := net.JoinHostPort(target.Addr, strconv.Itoa(target.Port))
	ctrl, err := tr.Dial(ctx, controlAddr)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w: %v", controlAddr, protocol.ErrHostUnreachable, err)
	}
	defer func() { _ = ctrl.Close() }()

	if err := ctrl.Send(ctx, &protocol.FileSendReq{FileName: name, FileSize: uint64(size)}); err != nil {
		return 0, fmt.Errorf("send file send request: %w", err)
	}

	msg, err := ctrl.Receive(ctx)
	if err != nil {
		return 0, fmt.Errorf("await file send response: %w", err)
	}

	res, ok := msg.(*protocol.FileSendRes)
	if !ok {
		return 0, fmt.Errorf("expected %s, got %s: %w", protocol.MsgFileSendRes, msg.Type(), protocol.ErrUnknownMessage)
	}
	if res.Status != protocol.Success {
		return 0, fmt.Errorf("receiver declined %s: %w", name, res.Status)
	}
	if res.Port == 0 {
		return 0, fmt.Errorf("receiver announced no data port: %w", protocol.ErrTransferFailed)
	}

	return int(res.Port), nil
}

// ReceiveFile binds an ephemeral data port, announces it through cb.Ready and
// writes the single incoming stream to the download directory.
func (s *Streamer) ReceiveFile(ctx context.Context, req task.Incoming, cb task.Callbacks) (err error) {
	name, err := SanitizeFileName(req.FileName)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrRejected, err)
	}
	if req.FileSize < 0 || req.FileSize == math.MaxInt64 {
		return fmt.Errorf("file size %d out of range: %w", req.FileSize, protocol.ErrRejected)
	}

	dir := s.config.DownloadDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	dest, err := reserveDownloadPath(dir, name)
	if err != nil {
		return err
	}
	part, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		_ = os.Remove(dest)
		return err
	}
	defer func() {
		if err != nil {
			_ = part.Close()
			_ = os.Remove(part.Name())
			_ = os.Remove(dest)
		}
	}()

	tr, err := transport.NewTransport(":0")
	if err != nil {
		return fmt.Errorf("bind data port: %w", err)
	}
	defer func() { _ = tr.Close() }()

	if err := cb.Ready(tr.Port()); err != nil {
		return err
	}

	acceptCtx, cancel := context.WithTimeout(ctx, s.config.AcceptTimeout)
	defer cancel()

	peer, stream, err := s.acceptSender(acceptCtx, tr, req.PeerAddr)
	if err != nil {
		return err
	}
	defer func() { _ = peer.Close() }()

	stop := context.AfterFunc(ctx, func() { abort(stream) })
	defer stop()

	pw := newProgressWriter(part, req.FileSize, cb.Progress)
	n, err := io.Copy(pw, io.LimitReader(stream, req.FileSize+1))
	if err != nil {
		return fmt.Errorf("receive %s: %w", name, err)
	}
	if n != req.FileSize {
		abort(stream)
		return fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, n, req.FileSize)
	}

	if err := part.Sync(); err != nil {
		return err
	}
	if err := part.Close(); err != nil {
		return err
	}
	if err := os.Rename(part.Name(), dest); err != nil {
		return err
	}
	pw.finish()

	s.logger.WithFields(logrus.Fields{"file": dest, "size": n}).Info("File received")

	if err := stream.Close(); err != nil {
		s.logger.WithError(err).Debug("Failed to acknowledge transfer")
	}

	select {
	case <-peer.Done():
	case <-ctx.Done():
	case <-time.After(s.config.LingerTimeout):
	}
	return nil
}

// acceptSender waits for the data connection, refusing connections from hosts
// other than the one that asked to send.
func (s *Streamer) acceptSender(ctx context.Context, tr *transport.Transport, expected string) (*transport.Peer, *quic.Stream, error) {
	want := net.ParseIP(expected)

	for {
		peer, err := tr.Accept(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("await data connection: %w", err)
		}

		if want != nil && !want.Equal(peer.RemoteIP()) {
			s.logger.WithFields(logrus.Fields{
				"expected": expected,
				"peer":     peer.RemoteAddr(),
			}).Warn("Refusing data connection from unexpected host")
			_ = peer.CloseWithError(protocol.ErrRejected, "unexpected host")
			continue
		}

		stream, err := peer.AcceptDataStream(ctx)
		if err != nil {
			_ = peer.Close()
			return nil, nil, fmt.Errorf("await data stream: %w", err)
		}
		return peer, stream, nil
	}
}

func abort(stream *quic.Stream) {
	stream.CancelRead(cancelledCode)
	stream.CancelWrite(cancelledCode)
}
