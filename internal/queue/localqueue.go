package queue

import (
	"sort"

	"example.com/causalq/internal/types"
)

// insert places e at the first position whose entry does not precede it.
func (s *State) insert(e types.Entry) int {
	i := sort.Search(len(s.queue), func(i int) bool {
		return !s.queue[i].Precedes(e)
	})
	s.queue = append(s.queue, types.Entry{})
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = e
	return i
}

// popBefore removes the head if it orders before ts.
func (s *State) popBefore(ts types.VectorClock) (types.Entry, bool) {
	if len(s.queue) == 0 || types.Compare(s.queue[0].Clock, ts) >= 0 {
		return types.Entry{}, false
	}
	head := s.queue[0]
	s.queue = s.queue[1:]
	return head, true
}
