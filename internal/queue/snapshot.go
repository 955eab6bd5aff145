package queue

import (
	"encoding/json"
	"log"

	"example.com/causalq/internal/types"
	"github.com/hashicorp/raft"
)

// Snapshot is a point-in-time copy of a process's state. It doubles as a
// raft.FSMSnapshot so checkpoints can be written to any raft.SnapshotStore.
type Snapshot struct {
	Rank     types.Rank         `json:"rank"`
	Size     int                `json:"size"`
	Clock    types.VectorClock  `json:"clock"`
	AckCount int                `json:"ack_count"`
	Queue    []types.Entry      `json:"queue"`
	Pending  []ConfirmationList `json:"pending"`
}

func (s *State) Snapshot() *Snapshot {
	return &Snapshot{
		Rank:     s.rank,
		Size:     s.size,
		Clock:    s.Clock(),
		AckCount: s.enqCount,
		Queue:    s.Queue(),
		Pending:  s.Pending(),
	}
}

func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s)
	if err != nil {
		sink.Cancel()
		return err
	}
	log.Printf("[DEBUG] p%d persisting checkpoint size=%d bytes", s.Rank, len(data))
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *Snapshot) Release() {}
