// Package transport moves Messages between the ranks of a group.
//
// Send is fire and forget. Receives are non-blocking polls into a Slot.
// Messages from one sender to one receiver arrive in the order they were
// sent; nothing is promised across different senders.
package transport

import (
	"errors"

	"example.com/causalq/internal/types"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrUnknownRank = errors.New("unknown rank")
	ErrCorrupt     = errors.New("corrupt frame")
)

// Slot is one receive buffer. The event loop owns a fixed pool of them.
type Slot struct {
	From types.Rank
	Msg  types.Message
}

type Transport interface {
	Rank() types.Rank
	Size() int
	Send(to types.Rank, msg types.Message) error
	// TryRecv fills slot with the next delivered message and reports
	// whether there was one. It never blocks.
	TryRecv(slot *Slot) (bool, error)
	Close() error
}

// Notifier is implemented by transports that can signal new arrivals, so
// an idle event loop can sleep instead of polling.
type Notifier interface {
	Ready() <-chan struct{}
}
