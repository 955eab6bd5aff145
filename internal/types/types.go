package types

import "fmt"

// Rank identifies a process inside the group, 0..N-1.
type Rank int

type Message struct {
	Op      Opcode      `json:"op"`
	Value   int64       `json:"value"`
	Invoker Rank        `json:"invoker"`
	Sender  Rank        `json:"sender"`
	Clock   VectorClock `json:"ts"`
	OpID    string      `json:"op_id,omitempty"`
}

// Terminal is the "nothing to send" result of Apply.
func Terminal() Message { return Message{Op: OpTerminal} }

func (m Message) String() string {
	return fmt.Sprintf("%s{value=%d invoker=%d sender=%d ts=%s}", m.Op, m.Value, m.Invoker, m.Sender, m.Clock)
}

// Envelope is one outbound (from, to, message) triple in the send backlog.
type Envelope struct {
	From Rank
	To   Rank
	Msg  Message
}

// Entry is one element of the local queue.
type Entry struct {
	Value   int64       `json:"value"`
	Invoker Rank        `json:"invoker"`
	Clock   VectorClock `json:"ts"`
	OpID    string      `json:"op_id,omitempty"`
}

// Precedes orders queue entries: clock total order, then invoker rank.
func (e Entry) Precedes(o Entry) bool {
	if c := Compare(e.Clock, o.Clock); c != 0 {
		return c < 0
	}
	return e.Invoker < o.Invoker
}

type EventKind string

const (
	EnqueueStable   EventKind = "enqueue-stable"
	DequeueResolved EventKind = "dequeue-resolved"
)

// Event reports a completed operation. Seq is assigned by the journal.
type Event struct {
	Seq     uint64      `json:"seq"`
	Kind    EventKind   `json:"kind"`
	OpID    string      `json:"op_id"`
	Value   int64       `json:"value"`
	Empty   bool        `json:"empty,omitempty"`
	Invoker Rank        `json:"invoker"`
	Process Rank        `json:"process"`
	Clock   VectorClock `json:"ts"`
}
