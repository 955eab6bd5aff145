package transport

import (
	"fmt"

	"example.com/causalq/internal/types"
)

// Network is an in-process group: one mailbox per rank, shared by all the
// endpoints it hands out.
type Network struct {
	boxes []*mailbox
}

func NewNetwork(size int) *Network {
	n := &Network{boxes: make([]*mailbox, size)}
	for i := range n.boxes {
		n.boxes[i] = newMailbox()
	}
	return n
}

func (n *Network) Size() int { return len(n.boxes) }

// Endpoint returns the transport for rank r.
func (n *Network) Endpoint(r types.Rank) *MemoryTransport {
	return &MemoryTransport{net: n, rank: r}
}

type MemoryTransport struct {
	net  *Network
	rank types.Rank
}

func (t *MemoryTransport) Rank() types.Rank { return t.rank }
func (t *MemoryTransport) Size() int        { return len(t.net.boxes) }

func (t *MemoryTransport) Send(to types.Rank, msg types.Message) error {
	if to < 0 || int(to) >= len(t.net.boxes) {
		return fmt.Errorf("%w: %d", ErrUnknownRank, to)
	}
	msg.Clock = msg.Clock.Copy()
	return t.net.boxes[to].put(Slot{From: t.rank, Msg: msg})
}

func (t *MemoryTransport) TryRecv(slot *Slot) (bool, error) {
	return t.net.boxes[t.rank].take(slot)
}

func (t *MemoryTransport) Ready() <-chan struct{} {
	return t.net.boxes[t.rank].ready
}

// Close shuts this endpoint's mailbox. Pending messages can still be
// drained; afterwards TryRecv reports ErrClosed.
func (t *MemoryTransport) Close() error {
	t.net.boxes[t.rank].close()
	return nil
}
