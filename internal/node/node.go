// Package node runs one peer-drop host: the discovery responder, the control
// server that takes file send requests and the task manager behind both.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/peer-drop/internal/discovery"
	"github.com/rudransh-shrivastava/peer-drop/internal/netutil"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/rudransh-shrivastava/peer-drop/internal/task"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var ErrNoHistory = errors.New("transfer history is disabled")

type Node struct {
	config    Config
	db        *gorm.DB
	history   *store.TransferStore
	logger    *logrus.Logger
	manager   *task.Manager
	responder *discovery.Responder
	server    *transfer.Server
}

func New(cfg Config) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Name == "" {
		cfg.Name = hostname()
	}

	n := &Node{
		config: cfg,
		logger: logger,
	}

	opts := task.Options{
		Logger:   logger,
		OnReady:  cfg.OnReady,
		PoolSize: cfg.PoolSize,
	}
	if cfg.HistoryPath != "" {
		db, err := store.Open(cfg.HistoryPath)
		if err != nil {
			return nil, err
		}
		n.db = db
		n.history = store.NewTransferStore(db)
		opts.History = n.history
	}

	streamer := transfer.NewStreamer(transfer.StreamerConfig{
		AcceptTimeout:    cfg.AcceptTimeout,
		DownloadDir:      cfg.DownloadDir,
		HandshakeTimeout: cfg.HandshakeTimeout,
		LingerTimeout:    cfg.LingerTimeout,
		Logger:           logger,
	})
	n.manager = task.NewManager(streamer, opts)

	server, err := transfer.NewServer(transfer.ServerConfig{
		Addr:   cfg.ControlAddr,
		Logger: logger,
	}, n.manager)
	if err != nil {
		_ = n.manager.Close()
		n.closeHistory()
		return nil, fmt.Errorf("start control server: %w", err)
	}
	n.server = server

	n.responder = discovery.NewResponder(discovery.Config{
		ControlPort: server.Port(),
		Group:       cfg.DiscoveryGroup,
		Logger:      logger,
		Name:        cfg.Name,
		Port:        cfg.DiscoveryPort,
	})

	return n, nil
}

func (n *Node) ControlPort() int {
	return n.server.Port()
}

func (n *Node) Name() string {
	return n.config.Name
}

// StartDiscovery binds the discovery port and answers requests in the
// background until ctx is done. A fatal socket error stops the responder;
// calling StartDiscovery again brings it back.
func (n *Node) StartDiscovery(ctx context.Context) error {
	if err := n.responder.Listen(); err != nil {
		return err
	}

	n.logger.WithFields(logrus.Fields{
		"addr":  n.responder.Addr(),
		"group": n.config.DiscoveryGroup,
	}).Info("Discovery responder started")

	go func() {
		if err := n.responder.Serve(ctx); err != nil && ctx.Err() == nil {
			n.logger.WithError(err).Error("Discovery responder exited")
		}
	}()
	return nil
}

// Run serves discovery and the control channel until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if err := n.StartDiscovery(ctx); err != nil {
		return err
	}

	if n.config.MDNS {
		mdns, err := discovery.Advertise(n.config.Name, n.server.Port())
		if err != nil {
			n.logger.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer mdns.Shutdown()
			n.logger.WithField("service", discovery.ServiceName).Info("Advertising over mDNS")
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.server.Start(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Send starts sending path to the control channel at addr ("host:port").
func (n *Node) Send(addr, path string) (*task.Handle, error) {
	host, port, err := netutil.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("peer address %q: %w", addr, err)
	}
	return n.manager.RequestSendFile(host, port, path)
}

func (n *Node) Tasks() []task.Snapshot {
	return n.manager.Tasks()
}

func (n *Node) History(ctx context.Context, limit int) ([]store.Transfer, error) {
	if n.history == nil {
		return nil, ErrNoHistory
	}
	return n.history.List(ctx, limit)
}

// Shutdown cancels running transfers, waits for them and releases every
// socket and the history database.
func (n *Node) Shutdown() error {
	n.logger.Info("Shutting down node")

	err := errors.Join(
		n.server.Shutdown(),
		n.manager.Close(),
	)
	n.closeHistory()
	return err
}

func (n *Node) closeHistory() {
	if n.db == nil {
		return
	}
	if err := store.Close(n.db); err != nil {
		n.logger.WithError(err).Warn("Failed to close history")
	}
}
