package node

import (
	"os"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/discovery"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/rudransh-shrivastava/peer-drop/internal/task"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/sirupsen/logrus"
)

type Config struct {
	AcceptTimeout    time.Duration
	ControlAddr      string
	DiscoveryGroup   string
	DiscoveryPort    int
	DownloadDir      string
	HandshakeTimeout time.Duration
	// HistoryPath is the sqlite file finished transfers are recorded in. Empty
	// disables history.
	HistoryPath   string
	LingerTimeout time.Duration
	Logger        *logrus.Logger
	// MDNS additionally advertises the control service over mDNS.
	MDNS     bool
	Name     string
	OnReady  func(h *task.Handle)
	PoolSize int
}

func DefaultConfig() Config {
	return Config{
		AcceptTimeout:    transfer.DefaultAcceptTimeout,
		ControlAddr:      transfer.DefaultControlAddr,
		DiscoveryGroup:   discovery.DefaultGroup,
		DiscoveryPort:    discovery.DefaultPort,
		DownloadDir:      transfer.DefaultDownloadDir,
		HandshakeTimeout: transfer.DefaultHandshakeTimeout,
		HistoryPath:      store.DefaultPath,
		LingerTimeout:    transfer.DefaultLingerTimeout,
		Name:             hostname(),
		PoolSize:         task.DefaultPoolSize,
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "peer-drop"
	}
	return name
}
