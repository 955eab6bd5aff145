package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"example.com/causalq/internal/ingest"
	"example.com/causalq/internal/journal"
	"example.com/causalq/internal/queue"
	"example.com/causalq/internal/transport"
	"example.com/causalq/internal/types"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
)

var ErrStopped = errors.New("event loop not running")

type Options struct {
	Transport    transport.Transport
	DataDir      string // journal, history and checkpoints for this rank
	ListenAddr   string // command listener, empty to disable
	HistoryLimit int
	RecvSlots    int
	// InMemory keeps history and checkpoints in memory. The journal is
	// always a file under DataDir.
	InMemory bool
}

// Node is one process of the group: its state machine, the event loop that
// owns it, and the stores around it.
type Node struct {
	rank types.Rank
	size int

	tr      transport.Transport
	state   *queue.State
	history *journal.History
	events  *journal.Store
	snaps   raft.SnapshotStore
	lis     *ingest.Listener

	cmds    chan types.Envelope
	reqs    chan chan Status
	slots   *slotPool
	backlog []types.Envelope
	applied uint64 // messages applied, owned by the loop

	runOnce sync.Once
	started chan struct{}
	stopped chan struct{}
}

func New(opt Options) (*Node, error) {
	if opt.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opt.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(opt.DataDir, 0o755); err != nil {
		return nil, err
	}
	rank, size := opt.Transport.Rank(), opt.Transport.Size()

	events, err := journal.Open(filepath.Join(opt.DataDir, "events.db"))
	if err != nil {
		return nil, err
	}

	var (
		history *journal.History
		snaps   raft.SnapshotStore
	)
	if opt.InMemory {
		history = journal.NewMemHistory(opt.HistoryLimit)
		snaps = raft.NewInmemSnapshotStore()
	} else {
		history, err = journal.OpenHistory(filepath.Join(opt.DataDir, "history.db"), opt.HistoryLimit)
		if err != nil {
			events.Close()
			return nil, err
		}
		snaps, err = raft.NewFileSnapshotStore(opt.DataDir, 3, os.Stderr)
		if err != nil {
			history.Close()
			events.Close()
			return nil, err
		}
	}

	n := &Node{
		rank:    rank,
		size:    size,
		tr:      opt.Transport,
		state:   queue.New(rank, size, queue.WithHistory(history)),
		history: history,
		events:  events,
		snaps:   snaps,
		cmds:    make(chan types.Envelope, 64),
		reqs:    make(chan chan Status),
		slots:   newSlotPool(opt.RecvSlots),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}

	if opt.ListenAddr != "" {
		n.lis, err = ingest.Listen(opt.ListenAddr, rank, size, n.cmds)
		if err != nil {
			n.closeStores()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) Rank() types.Rank { return n.rank }
func (n *Node) Size() int        { return n.size }

// Commands is the inbound command channel the event loop drains.
func (n *Node) Commands() chan<- types.Envelope { return n.cmds }

func (n *Node) Journal() *journal.Store    { return n.events }
func (n *Node) History() *journal.History  { return n.history }
func (n *Node) Listener() *ingest.Listener { return n.lis }

// Enqueue starts an enqueue of value at this rank and returns its op ID.
// Completion is reported as an EnqueueStable event in the journal.
func (n *Node) Enqueue(ctx context.Context, value int64) (string, error) {
	return n.submit(ctx, types.OpEnqInvoke, value)
}

// Dequeue starts a dequeue at this rank. Every process reports the
// outcome as a DequeueResolved event carrying the returned op ID.
func (n *Node) Dequeue(ctx context.Context) (string, error) {
	return n.submit(ctx, types.OpDeqInvoke, 0)
}

func (n *Node) submit(ctx context.Context, op types.Opcode, value int64) (string, error) {
	id := uuid.NewString()
	env := types.Envelope{
		From: n.rank,
		To:   n.rank,
		Msg:  types.Message{Op: op, Value: value, Invoker: n.rank, Sender: n.rank, OpID: id},
	}
	select {
	case <-n.stopped:
		return "", ErrStopped
	default:
	}
	select {
	case n.cmds <- env:
		return id, nil
	case <-n.stopped:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Status is a snapshot of the process, taken on the event loop.
type Status struct {
	*queue.Snapshot
	Applied   uint64 `json:"applied"`
	Backlog   int    `json:"backlog"`
	FreeSlots int    `json:"free_slots"`
}

func (n *Node) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case n.reqs <- reply:
	case <-n.stopped:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Checkpoint writes the current state to the snapshot store and returns
// the checkpoint ID.
func (n *Node) Checkpoint(ctx context.Context) (string, error) {
	st, err := n.Status(ctx)
	if err != nil {
		return "", err
	}
	sink, err := n.snaps.Create(raft.SnapshotVersionMax, st.Applied, 1, raft.Configuration{}, 0, nil)
	if err != nil {
		return "", err
	}
	if err := st.Snapshot.Persist(sink); err != nil {
		return "", err
	}
	return sink.ID(), nil
}

func (n *Node) Checkpoints() ([]*raft.SnapshotMeta, error) {
	return n.snaps.List()
}

// LoadCheckpoint reads a checkpoint back.
func (n *Node) LoadCheckpoint(id string) (*queue.Snapshot, error) {
	_, rc, err := n.snaps.Open(id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	var snap queue.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Close stops the listener and the transport, waits for a running event
// loop to exit, then closes the stores.
func (n *Node) Close() error {
	if n.lis != nil {
		_ = n.lis.Close()
	}
	err := n.tr.Close()
	select {
	case <-n.started:
		<-n.stopped
	default:
	}
	n.closeStores()
	return err
}

func (n *Node) closeStores() {
	if n.history != nil {
		_ = n.history.Close()
	}
	if n.events != nil {
		_ = n.events.Close()
	}
	// FileSnapshotStore and InmemSnapshotStore hold no open files.
}
