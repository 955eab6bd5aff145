package journal

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"example.com/causalq/internal/types"
	"go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

var ErrNotFound = errors.New("bucket not found")

// Store is the completion journal: every stable enqueue and resolved
// dequeue this process observed, keyed by sequence.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	subMu sync.RWMutex
	subs  map[chan types.Event]struct{}
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, subs: make(map[chan types.Event]struct{})}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append assigns ev the next sequence number, persists it and notifies
// subscribers without blocking.
func (s *Store) Append(ev types.Event) (types.Event, error) {
	s.mu.Lock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b == nil {
			return ErrNotFound
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq
		bs, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), bs)
	})
	s.mu.Unlock()
	if err != nil {
		return ev, err
	}

	s.subMu.RLock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.subMu.RUnlock()
	return ev, nil
}

func (s *Store) Range(from uint64, fn func(seq uint64, raw []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b == nil {
			return ErrNotFound
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			if err := fn(keySeq(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Events decodes the journal from seq onward.
func (s *Store) Events(from uint64) ([]types.Event, error) {
	var out []types.Event
	err := s.Range(from, func(_ uint64, raw []byte) error {
		var ev types.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}

func (s *Store) Subscribe() (<-chan types.Event, func()) {
	ch := make(chan types.Event, 256)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	cancel := func() { s.subMu.Lock(); delete(s.subs, ch); close(ch); s.subMu.Unlock() }
	return ch, cancel
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	for i := uint(0); i < 8; i++ {
		key[7-i] = byte(seq >> (i * 8))
	}
	return key
}

func keySeq(k []byte) uint64 {
	var seq uint64
	for i := 0; i < 8; i++ {
		seq = (seq << 8) | uint64(k[i])
	}
	return seq
}
