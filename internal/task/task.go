package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind int

const (
	KindSend Kind = iota
	KindReceive
)

func (k Kind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	default:
		return "unknown"
	}
}

type State int

const (
	StateCreated State = iota
	StateReady
	StateInProgress
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateInProgress:
		return "in_progress"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

type EventType int

const (
	EventReady EventType = iota
	EventProgress
	EventFinished
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventProgress:
		return "progress"
	case EventFinished:
		return "finished"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Event struct {
	Err     error
	Percent int
	TaskID  int
	Type    EventType
}

// Snapshot is a point-in-time copy of a task for display and history.
type Snapshot struct {
	DataPort   int
	Err        error
	FileName   string
	FileSize   int64
	FinishedAt time.Time
	ID         int
	Kind       Kind
	PeerAddr   string
	PeerPort   int
	Progress   int
	SessionID  uuid.UUID
	StartedAt  time.Time
	State      State
}

// eventBuffer bounds the per-handle channel. Progress is only queued while at
// least one slot stays free, so the terminal event always fits.
const eventBuffer = 64

// Handle is the host's view of one transfer.
type Handle struct {
	mu     sync.Mutex
	snap   Snapshot
	events chan Event
	done   chan struct{}
}

func newHandle(id int, kind Kind) *Handle {
	return &Handle{
		snap: Snapshot{
			ID:        id,
			Kind:      kind,
			SessionID: uuid.New(),
			StartedAt: time.Now(),
			State:     StateCreated,
		},
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (h *Handle) ID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap.ID
}

// Events yields ready, progress and exactly one finished or failed event,
// then closes.
func (h *Handle) Events() <-chan Event {
	return h.events
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

// Err returns the failure cause once the task failed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap.Err
}

// Wait blocks until the task is terminal and returns its failure cause.
func (h *Handle) Wait() error {
	<-h.done
	return h.Err()
}

// emit must be called with h.mu held.
func (h *Handle) emit(ev Event) bool {
	ev.TaskID = h.snap.ID
	if ev.Type == EventProgress && len(h.events) >= cap(h.events)-1 {
		return false
	}
	h.events <- ev
	return true
}
