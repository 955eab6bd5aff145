package queue

import (
	"errors"
	"fmt"
	"log"

	"example.com/causalq/internal/types"
	"github.com/google/uuid"
)

var ErrRankOutOfRange = errors.New("rank out of range")

// Recorder receives every message the state machine applies.
type Recorder interface {
	Record(msg types.Message) error
}

// State is the replicated-queue state of one process. It is owned by a
// single goroutine and must not be shared.
type State struct {
	rank types.Rank
	size int

	clock    types.VectorClock
	enqCount int
	current  string              // enqueue counted by enqCount
	acks     map[string]*openEnq // open enqueues by OpID

	queue    []types.Entry
	inserted *idWindow // enqueues already in the local queue

	pending  []*ConfirmationList
	early    map[string][]types.Rank // confirmations that beat their request
	resolved *idWindow
	window   int

	history Recorder
	events  []types.Event
	newID   func() string
}

// openEnq is a local enqueue waiting for acknowledgments.
type openEnq struct {
	value int64
	clock types.VectorClock // the enqueue's own timestamp
	acked map[types.Rank]struct{}
}

type Option func(*State)

// WithHistory records every applied message into r.
func WithHistory(r Recorder) Option {
	return func(s *State) { s.history = r }
}

// WithDedupWindow bounds how many inserted enqueue and resolved dequeue IDs
// are remembered for duplicate suppression.
func WithDedupWindow(n int) Option {
	return func(s *State) { s.window = n }
}

// WithIDs replaces the operation ID generator.
func WithIDs(fn func() string) Option {
	return func(s *State) { s.newID = fn }
}

func New(rank types.Rank, size int, opts ...Option) *State {
	s := &State{
		rank:  rank,
		size:  size,
		clock: types.NewVectorClock(size),
		acks:  make(map[string]*openEnq),
		early: make(map[string][]types.Rank),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.inserted = newIDWindow(s.window)
	s.resolved = newIDWindow(s.window)
	return s
}

func (s *State) Rank() types.Rank { return s.rank }
func (s *State) Size() int        { return s.size }

func (s *State) Clock() types.VectorClock { return s.clock.Copy() }

// AckCount is the number of distinct acknowledgments for the latest enqueue.
func (s *State) AckCount() int { return s.enqCount }

func (s *State) Queue() []types.Entry {
	out := make([]types.Entry, len(s.queue))
	for i, e := range s.queue {
		e.Clock = e.Clock.Copy()
		out[i] = e
	}
	return out
}

func (s *State) Pending() []ConfirmationList {
	out := make([]ConfirmationList, len(s.pending))
	for i, cl := range s.pending {
		out[i] = cl.copy()
	}
	return out
}

// TakeEvents returns and clears the completions produced since the last call.
func (s *State) TakeEvents() []types.Event {
	ev := s.events
	s.events = nil
	return ev
}

func (s *State) checkRank(r types.Rank) error {
	if r < 0 || int(r) >= s.size {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrRankOutOfRange, r, s.size)
	}
	return nil
}

// Apply runs one state transition and returns the follow-up message, or a
// Terminal message when there is nothing to send. A clock of the wrong
// length yields types.ErrDimensionMismatch; the caller must treat it as fatal.
func (s *State) Apply(msg types.Message) (types.Message, error) {
	if s.history != nil {
		if err := s.history.Record(msg); err != nil {
			log.Printf("[WARN] p%d history: %v", s.rank, err)
		}
	}

	switch msg.Op {
	case types.OpEnqInvoke:
		return s.invokeEnqueue(msg), nil
	case types.OpEnqRequest:
		return s.handleEnqRequest(msg)
	case types.OpEnqAck:
		return s.handleEnqAck(msg)
	case types.OpDeqInvoke:
		return s.invokeDequeue(msg), nil
	case types.OpDeqRequest:
		return s.handleDeqRequest(msg)
	case types.OpDeqConfirm:
		return s.handleDeqConfirm(msg)
	case types.OpTerminal:
		return types.Terminal(), nil
	default:
		return types.Terminal(), nil
	}
}

// Generate fans a follow-up message out into (from, to, message) triples.
func (s *State) Generate(msg types.Message) []types.Envelope {
	switch msg.Op {
	case types.OpEnqRequest, types.OpDeqRequest, types.OpDeqConfirm:
		out := make([]types.Envelope, 0, s.size)
		for to := 0; to < s.size; to++ {
			out = append(out, types.Envelope{From: s.rank, To: types.Rank(to), Msg: msg})
		}
		return out
	case types.OpEnqAck:
		return []types.Envelope{{From: s.rank, To: msg.Invoker, Msg: msg}}
	default:
		return nil
	}
}

func (s *State) opID(msg types.Message) string {
	if msg.OpID != "" {
		return msg.OpID
	}
	return s.newID()
}

func (s *State) invokeEnqueue(msg types.Message) types.Message {
	id := s.opID(msg)
	s.enqCount = 0
	s.current = id
	s.clock.Increment(s.rank)
	s.acks[id] = &openEnq{
		value: msg.Value,
		clock: s.clock.Copy(),
		acked: make(map[types.Rank]struct{}, s.size),
	}
	return types.Message{
		Op:      types.OpEnqRequest,
		Value:   msg.Value,
		Invoker: s.rank,
		Sender:  s.rank,
		Clock:   s.clock.Copy(),
		OpID:    id,
	}
}

func (s *State) handleEnqRequest(msg types.Message) (types.Message, error) {
	if err := s.checkRank(msg.Invoker); err != nil {
		return types.Terminal(), err
	}
	if err := s.clock.Merge(msg.Clock); err != nil {
		return types.Terminal(), err
	}

	if msg.OpID == "" || !s.inserted.has(msg.OpID) {
		s.insert(types.Entry{Value: msg.Value, Invoker: msg.Invoker, Clock: msg.Clock.Copy(), OpID: msg.OpID})
		if msg.OpID != "" {
			s.inserted.add(msg.OpID)
		}
		for _, cl := range s.pending {
			if types.Compare(cl.Clock, msg.Clock) > 0 {
				cl.mark(msg.Invoker)
			}
		}
		s.resolve()
	}

	return types.Message{
		Op:      types.OpEnqAck,
		Value:   msg.Value,
		Invoker: msg.Invoker,
		Sender:  s.rank,
		Clock:   s.clock.Copy(),
		OpID:    msg.OpID,
	}, nil
}

func (s *State) handleEnqAck(msg types.Message) (types.Message, error) {
	if err := s.checkRank(msg.Sender); err != nil {
		return types.Terminal(), err
	}
	enq, open := s.acks[msg.OpID]
	if !open {
		return types.Terminal(), nil // unknown or already stable
	}
	if _, dup := enq.acked[msg.Sender]; dup {
		return types.Terminal(), nil
	}
	enq.acked[msg.Sender] = struct{}{}
	if msg.OpID == s.current {
		s.enqCount++
	}

	if len(enq.acked) == s.size {
		delete(s.acks, msg.OpID)
		log.Printf("[DEBUG] p%d enqueue %s of %d at %s is stable", s.rank, msg.OpID, enq.value, enq.clock)
		s.events = append(s.events, types.Event{
			Kind:    types.EnqueueStable,
			OpID:    msg.OpID,
			Value:   enq.value,
			Invoker: s.rank,
			Process: s.rank,
			Clock:   enq.clock,
		})
	}
	return types.Terminal(), nil
}
