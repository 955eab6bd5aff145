package queue

import (
	"log"

	"example.com/causalq/internal/types"
)

func (s *State) invokeDequeue(msg types.Message) types.Message {
	s.clock.Increment(s.rank)
	return types.Message{
		Op:      types.OpDeqRequest,
		Invoker: s.rank,
		Sender:  s.rank,
		Clock:   s.clock.Copy(),
		OpID:    s.opID(msg),
	}
}

// handleDeqRequest registers the dequeue and answers with this process's
// confirmation, broadcast to the whole group. Every enqueue and dequeue this
// process sent before the confirmation is already on its way to each peer.
func (s *State) handleDeqRequest(msg types.Message) (types.Message, error) {
	if err := s.checkRank(msg.Invoker); err != nil {
		return types.Terminal(), err
	}
	if err := s.clock.Merge(msg.Clock); err != nil {
		return types.Terminal(), err
	}

	if !s.resolved.has(msg.OpID) && s.findPending(msg.OpID) == nil {
		cl := NewConfirmationList(s.size, msg.Clock, msg.Invoker, msg.OpID)
		s.RegisterPendingDequeue(cl)
		for _, p := range s.early[msg.OpID] {
			cl.confirm(p)
		}
		delete(s.early, msg.OpID)
		s.PropagateEarlierResponses()
		s.resolve()
	}

	return types.Message{
		Op:      types.OpDeqConfirm,
		Invoker: msg.Invoker,
		Sender:  s.rank,
		Clock:   msg.Clock.Copy(),
		OpID:    msg.OpID,
	}, nil
}

func (s *State) handleDeqConfirm(msg types.Message) (types.Message, error) {
	if err := s.checkRank(msg.Sender); err != nil {
		return types.Terminal(), err
	}
	if s.resolved.has(msg.OpID) {
		return types.Terminal(), nil
	}

	cl := s.findPending(msg.OpID)
	if cl == nil {
		s.early[msg.OpID] = append(s.early[msg.OpID], msg.Sender)
		return types.Terminal(), nil
	}
	cl.confirm(msg.Sender)
	s.PropagateEarlierResponses()
	s.resolve()
	return types.Terminal(), nil
}

// resolve completes pending dequeues in clock order for as long as the
// earliest one is safe and confirmed by every process. Flags alone are not
// enough: a flag copied from a list registered later, or set by an enqueue
// that arrived out of clock order, says nothing about requests still in
// flight from that column's process.
func (s *State) resolve() {
	for {
		i := s.earliestPending()
		if i < 0 || !s.pending[i].Safe() || !s.pending[i].Complete() {
			return
		}
		cl := s.pending[i]
		cl.Handled = true
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		s.resolved.add(cl.OpID)

		ev := types.Event{
			Kind:    types.DequeueResolved,
			OpID:    cl.OpID,
			Invoker: cl.Invoker,
			Process: s.rank,
			Clock:   cl.Clock.Copy(),
		}
		if head, ok := s.popBefore(cl.Clock); ok {
			ev.Value = head.Value
			log.Printf("[DEBUG] p%d dequeue %s by p%d took %d", s.rank, cl.OpID, cl.Invoker, head.Value)
		} else {
			ev.Empty = true
			log.Printf("[DEBUG] p%d dequeue %s by p%d found the queue empty", s.rank, cl.OpID, cl.Invoker)
		}
		s.events = append(s.events, ev)
	}
}

func (s *State) earliestPending() int {
	best := -1
	for i, cl := range s.pending {
		if cl.Handled {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := s.pending[best]
		c := types.Compare(cl.Clock, b.Clock)
		if c < 0 || (c == 0 && cl.Invoker < b.Invoker) {
			best = i
		}
	}
	return best
}
