package journal

import (
	"path/filepath"
	"testing"
	"time"

	"example.com/causalq/internal/types"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAssignsSequence(t *testing.T) {
	s := openTemp(t)
	for i := 1; i <= 3; i++ {
		ev, err := s.Append(types.Event{Kind: types.EnqueueStable, OpID: "op", Value: int64(i)})
		if err != nil {
			t.Fatal(err)
		}
		if ev.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, ev.Seq)
		}
	}

	evs, err := s.Events(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Value != 2 || evs[1].Value != 3 {
		t.Fatalf("expected events 2 and 3, got %v", evs)
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Append(types.Event{Kind: types.DequeueResolved, Value: 4})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ev, err := s.Append(types.Event{Kind: types.DequeueResolved, Empty: true})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 2 {
		t.Fatalf("expected sequence to continue at 2, got %d", ev.Seq)
	}
}

func TestSubscribe(t *testing.T) {
	s := openTemp(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Append(types.Event{Kind: types.EnqueueStable, Value: 11})
	select {
	case ev := <-ch:
		if ev.Value != 11 || ev.Seq != 1 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}
}
