package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"

	"example.com/causalq/internal/node"
	"example.com/causalq/internal/transport"
	"example.com/causalq/internal/types"
)

type Options struct {
	DataRoot     string // each rank gets DataRoot/p<rank>
	HistoryLimit int
	RecvSlots    int
	InMemory     bool
	// ListenAddr returns the command listener address for a rank. Nil
	// disables the listeners.
	ListenAddr func(types.Rank) string
}

// Manager owns the ranks served by this process: the whole group when it
// runs in-process, or a single rank on a TCP transport.
type Manager struct {
	mu    sync.RWMutex
	nodes map[types.Rank]*node.Node
	size  int

	wg     sync.WaitGroup
	cancel context.CancelFunc
	errc   chan error
}

func NewManager() *Manager {
	return &Manager{
		nodes: make(map[types.Rank]*node.Node),
		errc:  make(chan error, 1),
	}
}

// NewLocal builds a group of size ranks connected by an in-memory network.
func NewLocal(size int, opt Options) (*Manager, error) {
	if size <= 0 {
		return nil, fmt.Errorf("group size must be positive, got %d", size)
	}
	m := NewManager()
	net := transport.NewNetwork(size)
	for r := 0; r < size; r++ {
		if err := m.Add(net.Endpoint(types.Rank(r)), opt); err != nil {
			m.Shutdown()
			return nil, err
		}
	}
	return m, nil
}

// Add creates the node for tr's rank.
func (m *Manager) Add(tr transport.Transport, opt Options) error {
	rank := tr.Rank()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[rank]; ok {
		return fmt.Errorf("rank %d already exists", rank)
	}
	if m.size != 0 && m.size != tr.Size() {
		return fmt.Errorf("rank %d: group size %d, manager has %d", rank, tr.Size(), m.size)
	}

	nopt := node.Options{
		Transport:    tr,
		DataDir:      filepath.Join(opt.DataRoot, fmt.Sprintf("p%d", rank)),
		HistoryLimit: opt.HistoryLimit,
		RecvSlots:    opt.RecvSlots,
		InMemory:     opt.InMemory,
	}
	if opt.ListenAddr != nil {
		nopt.ListenAddr = opt.ListenAddr(rank)
	}
	n, err := node.New(nopt)
	if err != nil {
		return err
	}
	m.nodes[rank] = n
	m.size = tr.Size()
	return nil
}

// Get returns the node for rank and whether this manager serves it.
func (m *Manager) Get(rank types.Rank) (*node.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[rank]
	return n, ok
}

// Ranks lists the served ranks in order.
func (m *Manager) Ranks() []types.Rank {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Rank, 0, len(m.nodes))
	for r := range m.nodes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Size is the group size, 0 before the first node is added.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Start runs every event loop. The first loop to fail with an error is
// reported on Err; a fatal loop error does not stop the others.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	for r, n := range m.nodes {
		m.wg.Add(1)
		go func(r types.Rank, n *node.Node) {
			defer m.wg.Done()
			err := n.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("[ERROR] p%d event loop: %v", r, err)
			select {
			case m.errc <- err:
			default:
			}
		}(r, n)
	}
	m.mu.Unlock()
}

// Err delivers the first fatal event loop error.
func (m *Manager) Err() <-chan error { return m.errc }

// Shutdown stops every loop and closes every node.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	nodes := m.nodes
	m.nodes = make(map[types.Rank]*node.Node)
	m.mu.Unlock()

	m.wg.Wait()
	for r, n := range nodes {
		if err := n.Close(); err != nil {
			log.Printf("[WARN] p%d close: %v", r, err)
		}
	}
}
