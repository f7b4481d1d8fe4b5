package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("not connected to peer")

type ClientConfig struct {
	Addr     string
	Logger   *logrus.Logger
	PeerAddr string
}

// Client holds a control connection to another host, for liveness checks.
type Client struct {
	config    ClientConfig
	logger    *logrus.Logger
	peer      *transport.Peer
	transport *transport.Transport
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}

	tr, err := transport.NewTransport(cfg.Addr)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		config:    cfg,
		logger:    logger,
		transport: tr,
	}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	c.logger.WithField("peer", c.config.PeerAddr).Debug("Connecting to peer")

	peer, err := c.transport.Dial(ctx, c.config.PeerAddr)
	if err != nil {
		return err
	}

	c.peer = peer
	return nil
}

// Ping sends a Ping on the control channel and returns the round trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	if c.peer == nil {
		return 0, ErrNotConnected
	}

	start := time.Now()
	if err := c.peer.Send(ctx, &protocol.Ping{}); err != nil {
		return 0, err
	}

	msg, err := c.peer.Receive(ctx)
	if err != nil {
		return 0, err
	}

	if _, ok := msg.(*protocol.Pong); !ok {
		c.logger.WithField("type", msg.Type().String()).Error("Expected Pong, got different message")
		return 0, errors.New("expected Pong response")
	}

	return time.Since(start), nil
}

func (c *Client) Shutdown() error {
	if c.peer != nil {
		_ = c.peer.Close()
	}
	return c.transport.Close()
}
