package node_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/discovery"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/netutil"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/task"
)

type network struct {
	cancel context.CancelFunc
	ctx    context.Context
	nodes  []*node.Node
	runs   []chan error
	t      *testing.T
}

func newNetwork(t *testing.T) *network {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	n := &network{cancel: cancel, ctx: ctx, t: t}
	t.Cleanup(n.close)
	return n
}

// newNode starts a host on loopback with its own discovery port, download
// directory and history database.
func (n *network) newNode(name string) (*node.Node, int, string) {
	n.t.Helper()

	port, err := netutil.FreeUDPPort()
	if err != nil {
		n.t.Fatalf("FreeUDPPort failed: %v", err)
	}

	dir := n.t.TempDir()
	cfg := node.DefaultConfig()
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.DiscoveryPort = port
	cfg.DownloadDir = filepath.Join(dir, "downloads")
	cfg.HandshakeTimeout = 3 * time.Second
	cfg.HistoryPath = filepath.Join(dir, "history.sqlite3")
	cfg.LingerTimeout = time.Second
	cfg.Logger = logger.Discard()
	cfg.Name = name

	nd, err := node.New(cfg)
	if err != nil {
		n.t.Fatalf("node.New failed: %v", err)
	}
	n.nodes = append(n.nodes, nd)

	done := make(chan error, 1)
	n.runs = append(n.runs, done)
	go func() { done <- nd.Run(n.ctx) }()

	return nd, port, cfg.DownloadDir
}

func (n *network) close() {
	n.cancel()
	for i, nd := range n.nodes {
		_ = nd.Shutdown()

		select {
		case err := <-n.runs[i]:
			if err != nil {
				n.t.Errorf("node %s: Run failed: %v", nd.Name(), err)
			}
		case <-time.After(5 * time.Second):
			n.t.Errorf("node %s did not stop", nd.Name())
		}
	}
}

func discoverOne(t *testing.T, port int) discovery.Peer {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		peers, err := discovery.Discover(ctx, discovery.DiscoverConfig{
			Logger:         logger.Discard(),
			ResendInterval: 100 * time.Millisecond,
			Target:         fmt.Sprintf("127.0.0.1:%d", port),
		})
		if err != nil {
			t.Fatalf("Discover failed: %v", err)
		}
		if len(peers) > 0 {
			return peers[0]
		}
		if ctx.Err() != nil {
			t.Fatal("No peer answered discovery")
		}
	}
}

func TestDiscoverThenSend(t *testing.T) {
	net := newNetwork(t)

	receiver, discoveryPort, downloads := net.newNode("receiver")
	sender, _, _ := net.newNode("sender")

	peer := discoverOne(t, discoveryPort)
	if peer.Name != "receiver" {
		t.Errorf("Expected receiver, got %q", peer.Name)
	}
	if peer.ControlPort != receiver.ControlPort() {
		t.Errorf("Expected control port %d, got %d", receiver.ControlPort(), peer.ControlPort)
	}

	content := bytes.Repeat([]byte("peer-drop "), 50_000)
	path := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	h, err := sender.Send(peer.ControlAddr(), path)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(sender.Tasks()) != 1 {
		t.Errorf("Expected the send task to be visible, got %d tasks", len(sender.Tasks()))
	}

	select {
	case <-h.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("Transfer did not finish")
	}
	if err := h.Err(); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(downloads, "report.txt"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("Received file differs from the sent file")
	}

	// the receive task finishes once the sender hangs up
	deadline := time.Now().Add(5 * time.Second)
	for len(receiver.Tasks()) > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if len(receiver.Tasks()) != 0 {
		t.Errorf("Expected no live tasks on receiver, got %+v", receiver.Tasks())
	}

	rows, err := sender.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Kind != task.KindSend.String() || rows[0].Status != task.StateFinished.String() {
		t.Errorf("Unexpected sender history %+v", rows)
	}
}

func TestSendToUnknownHost(t *testing.T) {
	net := newNetwork(t)
	sender, _, _ := net.newNode("sender")

	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := sender.Send("not-an-address", path); err == nil {
		t.Error("Expected error for malformed address")
	}

	port, err := netutil.FreeUDPPort()
	if err != nil {
		t.Fatalf("FreeUDPPort failed: %v", err)
	}
	h, err := sender.Send(fmt.Sprintf("127.0.0.1:%d", port), path)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	err = h.Wait()
	if protocol.CodeOf(err) != protocol.ErrHostUnreachable {
		t.Errorf("Expected HOST_UNREACHABLE, got %v", err)
	}
}

func TestDiscoveryPortInUse(t *testing.T) {
	net := newNetwork(t)
	_, port, _ := net.newNode("first")

	// wait until the first node holds the port
	discoverOne(t, port)

	cfg := node.DefaultConfig()
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.DiscoveryPort = port
	cfg.HistoryPath = ""
	cfg.Logger = logger.Discard()

	second, err := node.New(cfg)
	if err != nil {
		t.Fatalf("node.New failed: %v", err)
	}
	defer func() { _ = second.Shutdown() }()

	err = second.Run(context.Background())
	if !errors.Is(err, discovery.ErrPortInUse) {
		t.Fatalf("Expected ErrPortInUse, got %v", err)
	}

	if _, err := second.History(context.Background(), 1); !errors.Is(err, node.ErrNoHistory) {
		t.Errorf("Expected ErrNoHistory, got %v", err)
	}
}
