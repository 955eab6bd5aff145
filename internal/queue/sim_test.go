package queue

import (
	"fmt"
	"math/rand"
	"testing"

	"example.com/causalq/internal/types"
)

// sim is a synchronous group of States joined by FIFO channels.
// Deliveries pick a random non-empty channel, so arrival order varies
// between channels but never within one.
type sim struct {
	t      *testing.T
	procs  []*State
	chans  [][][]types.Message // chans[from][to]
	rnd    *rand.Rand
	events [][]types.Event
}

func newSim(t *testing.T, n int, seed int64) *sim {
	s := &sim{
		t:      t,
		procs:  make([]*State, n),
		chans:  make([][][]types.Message, n),
		rnd:    rand.New(rand.NewSource(seed)),
		events: make([][]types.Event, n),
	}
	for i := range s.procs {
		seq := 0
		rank := i
		s.procs[i] = New(types.Rank(i), n, WithIDs(func() string {
			seq++
			return fmt.Sprintf("p%d-%d", rank, seq)
		}))
		s.chans[i] = make([][]types.Message, n)
	}
	return s
}

func (s *sim) apply(p types.Rank, msg types.Message) {
	out, err := s.procs[p].Apply(msg)
	if err != nil {
		s.t.Fatalf("p%d apply %s: %v", p, msg, err)
	}
	s.events[p] = append(s.events[p], s.procs[p].TakeEvents()...)
	for _, env := range s.procs[p].Generate(out) {
		s.chans[env.From][env.To] = append(s.chans[env.From][env.To], env.Msg)
	}
}

func (s *sim) invoke(p types.Rank, op types.Opcode, value int64) {
	s.apply(p, types.Message{Op: op, Value: value, Invoker: p, Sender: p})
}

func (s *sim) step() bool {
	type link struct{ from, to int }
	var ready []link
	for from := range s.chans {
		for to := range s.chans[from] {
			if len(s.chans[from][to]) > 0 {
				ready = append(ready, link{from, to})
			}
		}
	}
	if len(ready) == 0 {
		return false
	}
	l := ready[s.rnd.Intn(len(ready))]
	msg := s.chans[l.from][l.to][0]
	s.chans[l.from][l.to] = s.chans[l.from][l.to][1:]
	s.apply(types.Rank(l.to), msg)
	return true
}

func (s *sim) run() {
	for s.step() {
	}
}

func (s *sim) eventsOf(p int, kind types.EventKind) []types.Event {
	var out []types.Event
	for _, ev := range s.events[p] {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func values(entries []types.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

func sameValues(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
