package journal

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"example.com/causalq/internal/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const DefaultHistoryLimit = 1024

// Record is one applied message as kept in the history.
type Record struct {
	Index uint64        `json:"index"`
	At    time.Time     `json:"at"`
	Msg   types.Message `json:"msg"`
}

// History keeps the most recent applied messages in a raft.LogStore,
// trimming the oldest once the limit is exceeded. Diagnostic only.
type History struct {
	mu    sync.Mutex
	store raft.LogStore
	limit uint64
}

func NewHistory(store raft.LogStore, limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{store: store, limit: uint64(limit)}
}

func NewMemHistory(limit int) *History {
	return NewHistory(raft.NewInmemStore(), limit)
}

// OpenHistory keeps the history in a bolt file at path. Writes are not
// synced; a crash may lose the tail of the history.
func OpenHistory(path string, limit int) (*History, error) {
	bs, err := raftboltdb.New(historyOptions(path))
	if err != nil {
		return nil, err
	}
	return NewHistory(bs, limit), nil
}

func historyOptions(path string) raftboltdb.Options {
	return raftboltdb.Options{Path: path, NoSync: true}
}

func (h *History) Record(msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	last, err := h.store.LastIndex()
	if err != nil {
		return err
	}
	next := last + 1
	if err := h.store.StoreLog(&raft.Log{
		Index:      next,
		Term:       1,
		Type:       raft.LogCommand,
		Data:       data,
		AppendedAt: time.Now(),
	}); err != nil {
		return err
	}

	first, err := h.store.FirstIndex()
	if err != nil {
		return err
	}
	if next-first+1 > h.limit {
		return h.store.DeleteRange(first, next-h.limit)
	}
	return nil
}

// Recent returns up to n of the newest records, oldest first.
func (h *History) Recent(n int) ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	first, err := h.store.FirstIndex()
	if err != nil {
		return nil, err
	}
	last, err := h.store.LastIndex()
	if err != nil {
		return nil, err
	}
	if last == 0 {
		return nil, nil
	}
	from := first
	if n > 0 && last-first+1 > uint64(n) {
		from = last - uint64(n) + 1
	}

	out := make([]Record, 0, last-from+1)
	for i := from; i <= last; i++ {
		var l raft.Log
		if err := h.store.GetLog(i, &l); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				continue
			}
			return nil, err
		}
		var msg types.Message
		if err := json.Unmarshal(l.Data, &msg); err != nil {
			return nil, err
		}
		out = append(out, Record{Index: l.Index, At: l.AppendedAt, Msg: msg})
	}
	return out, nil
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	first, _ := h.store.FirstIndex()
	last, _ := h.store.LastIndex()
	if last == 0 || last < first {
		return 0
	}
	return int(last - first + 1)
}

func (h *History) Close() error {
	if c, ok := h.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
