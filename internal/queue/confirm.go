package queue

import "example.com/causalq/internal/types"

// ConfirmationList tracks, for one pending dequeue, which processes are
// known to have nothing left in flight that orders before it. Responses
// holds the flags, which may also be set by propagation or by earlier
// enqueues. Confirmed holds only the senders whose DeqConfirm arrived here.
type ConfirmationList struct {
	Responses []uint8           `json:"responses"`
	Confirmed []uint8           `json:"confirmed"`
	Clock     types.VectorClock `json:"ts"`
	Invoker   types.Rank        `json:"invoker"`
	OpID      string            `json:"op_id"`
	Handled   bool              `json:"handled"`
}

func NewConfirmationList(size int, ts types.VectorClock, invoker types.Rank, opID string) *ConfirmationList {
	return &ConfirmationList{
		Responses: make([]uint8, size),
		Confirmed: make([]uint8, size),
		Clock:     ts.Copy(),
		Invoker:   invoker,
		OpID:      opID,
	}
}

// Safe reports whether every process has been accounted for.
func (c *ConfirmationList) Safe() bool {
	for _, r := range c.Responses {
		if r == 0 {
			return false
		}
	}
	return true
}

// Complete reports whether every process has confirmed directly. Each
// sender's channel is FIFO, so by then every request that sender issued
// before confirming has been applied here.
func (c *ConfirmationList) Complete() bool {
	for _, r := range c.Confirmed {
		if r == 0 {
			return false
		}
	}
	return true
}

func (c *ConfirmationList) mark(p types.Rank) {
	c.Responses[p] = 1
}

func (c *ConfirmationList) confirm(p types.Rank) {
	c.Confirmed[p] = 1
	c.mark(p)
}

func (c *ConfirmationList) copy() ConfirmationList {
	out := *c
	out.Responses = append([]uint8{}, c.Responses...)
	out.Confirmed = append([]uint8{}, c.Confirmed...)
	out.Clock = c.Clock.Copy()
	return out
}

// RegisterPendingDequeue appends cl to the pending sequence. A dequeue never
// waits on its own invoker, so that column is resolved from cl onward.
func (s *State) RegisterPendingDequeue(cl *ConfirmationList) {
	s.pending = append(s.pending, cl)
	start := len(s.pending) - 1
	for i := start; i < len(s.pending); i++ {
		s.pending[i].mark(cl.Invoker)
	}
}

// PropagateEarlierResponses copies every resolved column of a newer list down
// to the lists registered before it. Flags only ever go from 0 to 1.
func (s *State) PropagateEarlierResponses() {
	for row := len(s.pending) - 1; row >= 1; row-- {
		newer, older := s.pending[row], s.pending[row-1]
		for col := range newer.Responses {
			if newer.Responses[col] != 0 && older.Responses[col] == 0 {
				older.Responses[col] = newer.Responses[col]
			}
		}
	}
}

func (s *State) findPending(opID string) *ConfirmationList {
	for _, cl := range s.pending {
		if cl.OpID == opID {
			return cl
		}
	}
	return nil
}
