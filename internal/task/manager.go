package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("task manager closed")

type Target struct {
	Addr string
	Port int
}

type Incoming struct {
	FileName string
	FileSize int64
	PeerAddr string
	PeerPort int
}

type Callbacks struct {
	// Ready reports the data port a receiver bound. A returned error aborts
	// the transfer.
	Ready    func(port int) error
	Progress func(percent int)
}

// Streamer moves the bytes of one file. Callbacks must be invoked from the
// goroutine running the call. Returning nil means the transfer completed; any
// error fails the task.
type Streamer interface {
	SendFile(ctx context.Context, target Target, path string, cb Callbacks) error
	ReceiveFile(ctx context.Context, req Incoming, cb Callbacks) error
}

// RespondFunc answers a file send request on the connection it arrived on.
type RespondFunc func(status protocol.ErrorCode, port int) error

type History interface {
	Save(ctx context.Context, s Snapshot) error
}

type Options struct {
	History  History
	Logger   *logrus.Logger
	OnReady  func(h *Handle)
	PoolSize int
}

// Manager owns the live tasks and runs one worker goroutine per transfer.
type Manager struct {
	cancel   context.CancelFunc
	closed   bool
	ctx      context.Context
	history  History
	ids      *IDPool
	logger   *logrus.Logger
	mu       sync.Mutex
	onReady  func(h *Handle)
	streamer Streamer
	tasks    map[int]*Handle
	workers  errgroup.Group
}

func NewManager(streamer Streamer, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cancel:   cancel,
		ctx:      ctx,
		history:  opts.History,
		ids:      NewIDPool(opts.PoolSize),
		logger:   logger,
		onReady:  opts.OnReady,
		streamer: streamer,
		tasks:    make(map[int]*Handle),
	}
}

// RequestSendFile starts sending path to the peer's control channel. The task
// is visible as soon as this returns.
func (m *Manager) RequestSendFile(peerAddr string, peerPort int, path string) (*Handle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	id, err := m.ids.Allocate()
	if err != nil {
		m.logger.WithField("file", path).Warn("Rejecting send request")
		return nil, err
	}

	h := newHandle(id, KindSend)
	h.snap.PeerAddr = peerAddr
	h.snap.PeerPort = peerPort
	h.snap.FileName = filepath.Base(path)
	h.snap.FileSize = info.Size()

	ready := make(chan struct{})
	err = m.spawn(func() {
		m.markReady(h)
		close(ready)

		target := Target{Addr: peerAddr, Port: peerPort}
		err := m.streamer.SendFile(m.ctx, target, path, Callbacks{
			Progress: func(percent int) { m.progress(h, percent) },
		})
		m.finish(h, err)
	})
	if err != nil {
		m.discard(id)
		return nil, err
	}

	<-ready
	return h, nil
}

// NotifyIncomingSendRequest creates a receive task for a peer's request. The
// task stays hidden until the streamer has bound its data port and respond has
// delivered that port to the peer. Every path that does not reach that point
// still answers the peer with a failure status.
func (m *Manager) NotifyIncomingSendRequest(req Incoming, respond RespondFunc) (*Handle, error) {
	log := m.logger.WithFields(logrus.Fields{"peer": req.PeerAddr, "file": req.FileName})

	id, err := m.ids.Allocate()
	if err != nil {
		log.Warn("Rejecting incoming file, no task identifier available")
		if rerr := respond(protocol.ErrNoTaskID, 0); rerr != nil {
			log.WithError(rerr).Error("Failed to send rejection")
		}
		return nil, err
	}

	h := newHandle(id, KindReceive)
	h.snap.PeerAddr = req.PeerAddr
	h.snap.PeerPort = req.PeerPort
	h.snap.FileName = req.FileName
	h.snap.FileSize = req.FileSize

	err = m.spawn(func() { m.receive(h, req, respond) })
	if err != nil {
		if rerr := respond(protocol.ErrRejected, 0); rerr != nil {
			log.WithError(rerr).Error("Failed to send rejection")
		}
		m.discard(id)
		return nil, err
	}

	return h, nil
}

func (m *Manager) receive(h *Handle, req Incoming, respond RespondFunc) {
	answered := false

	err := m.streamer.ReceiveFile(m.ctx, req, Callbacks{
		Ready: func(port int) error {
			if answered {
				return errors.New("data port reported twice")
			}
			answered = true

			h.mu.Lock()
			h.snap.DataPort = port
			h.mu.Unlock()

			if err := respond(protocol.Success, port); err != nil {
				return fmt.Errorf("answer file send request: %w", err)
			}
			m.markReady(h)
			return nil
		},
		Progress: func(percent int) { m.progress(h, percent) },
	})

	if err != nil && !answered {
		status := protocol.CodeOf(err)
		if status == protocol.Success {
			status = protocol.ErrTransferFailed
		}
		if rerr := respond(status, 0); rerr != nil {
			m.logger.WithError(rerr).WithField("task", h.ID()).Error("Failed to send failure status")
		}
	}

	m.finish(h, err)
}

// Tasks returns the visible tasks ordered by identifier.
func (m *Manager) Tasks() []Snapshot {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.tasks))
	for _, h := range m.tasks {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		snaps = append(snaps, h.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

func (m *Manager) Capacity() int {
	return m.ids.Capacity()
}

// Close cancels running transfers and waits for their workers to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	return m.workers.Wait()
}

func (m *Manager) spawn(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.workers.Go(func() error {
		fn()
		return nil
	})
	return nil
}

// discard returns the identifier of a task that never started. Such a task
// was never visible, so it produces no events and no history.
func (m *Manager) discard(id int) {
	if err := m.ids.Release(id); err != nil {
		m.logger.WithError(err).Error("Failed to release task identifier")
	}
}

func (m *Manager) markReady(h *Handle) {
	h.mu.Lock()
	h.snap.State = StateReady
	h.emit(Event{Type: EventReady})
	snap := h.snap

	m.mu.Lock()
	m.tasks[snap.ID] = h
	m.mu.Unlock()
	h.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"task": snap.ID,
		"kind": snap.Kind,
		"peer": snap.PeerAddr,
		"file": snap.FileName,
		"port": snap.DataPort,
	}).Info("Task ready")

	if m.onReady != nil {
		m.onReady(h)
	}
}

func (m *Manager) progress(h *Handle, percent int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{"task": h.snap.ID, "percent": percent})

	switch {
	case h.snap.State.Terminal():
		log.Debug("Dropping progress for completed task")
		return
	case h.snap.State == StateCreated:
		log.Warn("Dropping progress for task that is not ready")
		return
	case percent < 0 || percent > 100:
		log.Warn("Dropping out of range progress")
		return
	case percent < h.snap.Progress:
		log.Warn("Dropping decreasing progress")
		return
	case percent == h.snap.Progress && h.snap.State == StateInProgress:
		return
	}

	h.snap.State = StateInProgress
	h.snap.Progress = percent
	h.emit(Event{Type: EventProgress, Percent: percent})
}

func (m *Manager) finish(h *Handle, cause error) {
	h.mu.Lock()
	if h.snap.State.Terminal() {
		id := h.snap.ID
		h.mu.Unlock()
		m.logger.WithField("task", id).Error("Task completed twice")
		return
	}

	m.mu.Lock()
	if m.tasks[h.snap.ID] == h {
		delete(m.tasks, h.snap.ID)
	}
	m.mu.Unlock()

	if err := m.ids.Release(h.snap.ID); err != nil {
		m.logger.WithError(err).Error("Failed to release task identifier")
	}

	h.snap.FinishedAt = time.Now()
	if cause != nil {
		h.snap.State = StateFailed
		h.snap.Err = cause
		h.emit(Event{Type: EventFailed, Err: cause})
	} else {
		h.snap.State = StateFinished
		h.snap.Progress = 100
		h.emit(Event{Type: EventFinished, Percent: 100})
	}
	close(h.events)
	close(h.done)
	snap := h.snap
	h.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{
		"task": snap.ID,
		"kind": snap.Kind,
		"file": snap.FileName,
	})
	if cause != nil {
		log.WithError(cause).Warn("Task failed")
	} else {
		log.Info("Task finished")
	}

	if m.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.history.Save(ctx, snap); err != nil {
		log.WithError(err).Warn("Failed to record transfer history")
	}
}
