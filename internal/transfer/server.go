package transfer

import (
	"context"
	"errors"
	"math"

	"github.com/rudransh-shrivastava/peer-drop/internal/netutil"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/task"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

const DefaultControlAddr = ":9001"

type ServerConfig struct {
	Addr   string
	Logger *logrus.Logger
}

// IncomingHandler takes over file send requests arriving on the control
// channel. respond writes to the connection the request came in on.
type IncomingHandler interface {
	NotifyIncomingSendRequest(req task.Incoming, respond task.RespondFunc) (*task.Handle, error)
}

// Server accepts control connections and hands file send requests to its
// handler.
type Server struct {
	config    ServerConfig
	handler   IncomingHandler
	logger    *logrus.Logger
	transport *transport.Transport
}

func NewServer(cfg ServerConfig, handler IncomingHandler) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultControlAddr
	}

	tr, err := transport.NewTransport(cfg.Addr)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Server{
		config:    cfg,
		handler:   handler,
		logger:    logger,
		transport: tr,
	}, nil
}

func (s *Server) Addr() string {
	return s.transport.LocalAddr().String()
}

func (s *Server) Port() int {
	return s.transport.Port()
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down control server")
	return s.transport.Close()
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.Addr()).Info("Control server started")

	for {
		peer, err := s.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WithError(err).Error("Failed to accept connection")
			return err
		}

		go s.handlePeer(ctx, peer)
	}
}

func (s *Server) handlePeer(ctx context.Context, peer *transport.Peer) {
	log := s.logger.WithField("peer", peer.RemoteAddr())
	log.Debug("Peer connected")
	defer func() {
		_ = peer.Close()
		log.Debug("Peer disconnected")
	}()

	for {
		msg, err := peer.Receive(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrDecodeFailed) {
				log.WithError(err).Warn("Dropping malformed message")
				continue
			}
			if ctx.Err() == nil {
				log.WithError(err).Debug("Control connection closed")
			}
			return
		}

		s.handleMessage(ctx, peer, msg)
	}
}

func (s *Server) handleMessage(ctx context.Context, peer *transport.Peer, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Ping:
		s.logger.WithField("peer", peer.RemoteAddr()).Debug("Received Ping, sending Pong")
		if err := peer.Send(ctx, &protocol.Pong{}); err != nil {
			s.logger.WithError(err).Error("Failed to send Pong")
		}
	case *protocol.FileSendReq:
		s.handleFileSend(ctx, peer, m)
	default:
		s.logger.WithField("type", msg.Type().String()).Warn("Unhandled message type")
	}
}

func (s *Server) handleFileSend(ctx context.Context, peer *transport.Peer, req *protocol.FileSendReq) {
	log := s.logger.WithFields(logrus.Fields{
		"peer": peer.RemoteAddr(),
		"file": req.FileName,
		"size": req.FileSize,
	})

	respond := func(status protocol.ErrorCode, port int) error {
		return peer.Send(ctx, &protocol.FileSendRes{Status: status, Port: uint16(port)})
	}

	if req.FileSize >= math.MaxInt64 {
		log.Warn("Rejecting file with impossible size")
		if err := respond(protocol.ErrRejected, 0); err != nil {
			log.WithError(err).Error("Failed to send rejection")
		}
		return
	}

	log.Info("Incoming file send request")

	incoming := task.Incoming{
		FileName: req.FileName,
		FileSize: int64(req.FileSize),
		PeerAddr: peer.RemoteIP().String(),
		PeerPort: peerPort(peer),
	}
	if _, err := s.handler.NotifyIncomingSendRequest(incoming, respond); err != nil {
		log.WithError(err).Warn("Incoming file send request rejected")
	}
}

func peerPort(peer *transport.Peer) int {
	_, port, err := netutil.SplitHostPort(peer.RemoteAddr())
	if err != nil {
		return 0
	}
	return port
}
