package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/task"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

// stubHandler answers every request with a fixed status and port.
type stubHandler struct {
	port     int
	requests chan task.Incoming
	status   protocol.ErrorCode
}

func newStubHandler(status protocol.ErrorCode, port int) *stubHandler {
	return &stubHandler{
		port:     port,
		requests: make(chan task.Incoming, 4),
		status:   status,
	}
}

func (h *stubHandler) NotifyIncomingSendRequest(req task.Incoming, respond task.RespondFunc) (*task.Handle, error) {
	h.requests <- req
	if err := respond(h.status, h.port); err != nil {
		return nil, err
	}
	if h.status != protocol.Success {
		return nil, h.status
	}
	return nil, nil
}

func setupServer(t *testing.T, handler IncomingHandler) *Server {
	t.Helper()

	srv, err := NewServer(ServerConfig{
		Addr:   "127.0.0.1:0",
		Logger: logger.Discard(),
	}, handler)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.Start(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown()
		<-served
	})
	return srv
}

func dialServer(t *testing.T, ctx context.Context, srv *Server) *transport.Peer {
	t.Helper()

	tr, err := transport.NewTransport("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })

	peer, err := tr.Dial(ctx, fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	return peer
}

func TestNewServer(t *testing.T) {
	srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", Logger: logger.Discard()}, newStubHandler(protocol.Success, 1))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer func() { _ = srv.Shutdown() }()

	if srv.Addr() == "" {
		t.Error("Expected non-empty address")
	}
	if srv.Port() == 0 {
		t.Error("Expected a bound port")
	}
}

func TestServerStopsOnShutdown(t *testing.T) {
	srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", Logger: logger.Discard()}, newStubHandler(protocol.Success, 1))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	cancel()
	_ = srv.Shutdown()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Server did not shutdown in time")
	}
}

func TestServerHandlePing(t *testing.T) {
	srv := setupServer(t, newStubHandler(protocol.Success, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ClientConfig{
		Addr:     "127.0.0.1:0",
		Logger:   logger.Discard(),
		PeerAddr: fmt.Sprintf("127.0.0.1:%d", srv.Port()),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer func() { _ = client.Shutdown() }()

	if _, err := client.Ping(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected before Connect, got %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := client.Ping(ctx); err != nil {
			t.Fatalf("Ping %d failed: %v", i, err)
		}
	}
}

func TestServerFileSendReq(t *testing.T) {
	tests := []struct {
		name   string
		status protocol.ErrorCode
		port   int
	}{
		{"accepted", protocol.Success, 40123},
		{"no task id", protocol.ErrNoTaskID, 0},
		{"rejected", protocol.ErrRejected, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newStubHandler(tt.status, tt.port)
			srv := setupServer(t, handler)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			peer := dialServer(t, ctx, srv)
			if err := peer.Send(ctx, &protocol.FileSendReq{FileName: "a.txt", FileSize: 42}); err != nil {
				t.Fatalf("Send failed: %v", err)
			}

			msg, err := peer.Receive(ctx)
			if err != nil {
				t.Fatalf("Receive failed: %v", err)
			}
			res, ok := msg.(*protocol.FileSendRes)
			if !ok {
				t.Fatalf("Expected *FileSendRes, got %T", msg)
			}
			if res.Status != tt.status || int(res.Port) != tt.port {
				t.Errorf("Expected status %s port %d, got %+v", tt.status, tt.port, res)
			}

			req := <-handler.requests
			if req.FileName != "a.txt" || req.FileSize != 42 {
				t.Errorf("Unexpected request %+v", req)
			}
			if req.PeerAddr != "127.0.0.1" || req.PeerPort == 0 {
				t.Errorf("Expected requester address, got %s:%d", req.PeerAddr, req.PeerPort)
			}
		})
	}
}

func TestServerRejectsImpossibleSize(t *testing.T) {
	tests := []struct {
		name string
		size uint64
	}{
		{"largest int64", math.MaxInt64},
		{"beyond int64", 1 << 63},
		{"largest uint64", math.MaxUint64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newStubHandler(protocol.Success, 1)
			srv := setupServer(t, handler)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			peer := dialServer(t, ctx, srv)
			if err := peer.Send(ctx, &protocol.FileSendReq{FileName: "huge", FileSize: tt.size}); err != nil {
				t.Fatalf("Send failed: %v", err)
			}

			msg, err := peer.Receive(ctx)
			if err != nil {
				t.Fatalf("Receive failed: %v", err)
			}
			if res, ok := msg.(*protocol.FileSendRes); !ok || res.Status != protocol.ErrRejected {
				t.Errorf("Expected REJECTED, got %+v", msg)
			}
			if len(handler.requests) != 0 {
				t.Error("Handler should not see an impossible request")
			}
		})
	}
}

// deferredHandler collects respond funcs and answers them later, from other
// goroutines, the way the task manager answers once a receiver is ready.
type deferredHandler struct {
	pending chan pendingReply
}

type pendingReply struct {
	req     task.Incoming
	respond task.RespondFunc
}

func (h *deferredHandler) NotifyIncomingSendRequest(req task.Incoming, respond task.RespondFunc) (*task.Handle, error) {
	h.pending <- pendingReply{req: req, respond: respond}
	return nil, nil
}

func TestServerConcurrentHandshakes(t *testing.T) {
	const clients = 6

	handler := &deferredHandler{pending: make(chan pendingReply, clients)}
	srv := setupServer(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		want uint16
		got  *protocol.FileSendRes
		err  error
	}
	results := make(chan result, clients)

	for i := 0; i < clients; i++ {
		peer := dialServer(t, ctx, srv)
		go func(i int) {
			want := uint16(40000 + i)
			if err := peer.Send(ctx, &protocol.FileSendReq{FileName: fmt.Sprintf("f%d", i), FileSize: uint64(i)}); err != nil {
				results <- result{want: want, err: err}
				return
			}
			msg, err := peer.Receive(ctx)
			if err != nil {
				results <- result{want: want, err: err}
				return
			}
			res, _ := msg.(*protocol.FileSendRes)
			results <- result{want: want, got: res}
		}(i)
	}

	var collected []pendingReply
	for len(collected) < clients {
		select {
		case p := <-handler.pending:
			collected = append(collected, p)
		case <-ctx.Done():
			t.Fatalf("Only %d of %d requests reached the handler", len(collected), clients)
		}
	}

	// answer in reverse arrival order, each from its own goroutine
	for i := len(collected) - 1; i >= 0; i-- {
		p := collected[i]
		go func() {
			if err := p.respond(protocol.Success, 40000+int(p.req.FileSize)); err != nil {
				t.Errorf("respond for %s failed: %v", p.req.FileName, err)
			}
		}()
	}

	for i := 0; i < clients; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				t.Errorf("Client expecting port %d failed: %v", r.want, r.err)
				continue
			}
			if r.got == nil || r.got.Status != protocol.Success || r.got.Port != r.want {
				t.Errorf("Expected port %d, got %+v", r.want, r.got)
			}
		case <-ctx.Done():
			t.Fatal("Timed out waiting for replies")
		}
	}
}

func TestServerSurvivesMalformedFrame(t *testing.T) {
	srv := setupServer(t, newStubHandler(protocol.Success, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer := dialServer(t, ctx, srv)
	stream, err := peer.OpenDataStream(ctx)
	if err != nil {
		t.Fatalf("OpenDataStream failed: %v", err)
	}

	garbage := []byte("not a message")
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(garbage)))
	if _, err := stream.Write(append(frame, garbage...)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	codec := protocol.NewCodec()
	if err := codec.Encode(stream, &protocol.Ping{}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	msg, err := codec.Decode(stream)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, ok := msg.(*protocol.Pong); !ok {
		t.Errorf("Expected Pong after malformed frame, got %T", msg)
	}
}
