package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"example.com/causalq/internal/transport"
	"example.com/causalq/internal/types"
)

const (
	minIdle = 50 * time.Microsecond
	maxIdle = 5 * time.Millisecond
)

// Run is the event loop. It owns the state machine: it takes one free
// receive slot, polls it, and while nothing has arrived drains commands,
// serves status requests and flushes the outbound backlog. A received
// message is applied and its follow-ups are queued and flushed.
//
// Run returns ctx.Err() on cancellation, a wrapped
// types.ErrDimensionMismatch if a clock of the wrong length arrives, and
// nil once the transport is closed and drained.
func (n *Node) Run(ctx context.Context) error {
	first := false
	n.runOnce.Do(func() { first = true })
	if !first {
		return fmt.Errorf("p%d: event loop already started", n.rank)
	}
	close(n.started)
	defer close(n.stopped)

	var ready <-chan struct{}
	if nt, ok := n.tr.(transport.Notifier); ok {
		ready = nt.Ready()
	}
	log.Printf("p%d event loop started, group of %d", n.rank, n.size)

	idle := minIdle
	for {
		i, ok := n.slots.get()
		if !ok {
			// Slots are returned after every apply, so this only happens
			// if the pool was built empty.
			return fmt.Errorf("p%d: receive slots exhausted", n.rank)
		}
		slot := &n.slots.slots[i]

		for {
			got, err := n.tr.TryRecv(slot)
			if errors.Is(err, transport.ErrClosed) {
				n.flush()
				log.Printf("p%d transport closed, event loop stopping", n.rank)
				return nil
			}
			if err != nil {
				log.Printf("[WARN] p%d receive: %v", n.rank, err)
			}
			if got {
				idle = minIdle
				break
			}

			worked := n.drainCommands()
			worked = n.serveStatus() || worked
			worked = n.flush() || worked
			if worked {
				idle = minIdle
				continue
			}

			timer := time.NewTimer(idle)
			select {
			case <-ctx.Done():
				timer.Stop()
				n.slots.put(i)
				return ctx.Err()
			case env := <-n.cmds:
				n.backlog = append(n.backlog, env)
			case reply := <-n.reqs:
				reply <- n.status()
			case <-ready:
			case <-timer.C:
				if idle < maxIdle {
					idle *= 2
				}
			}
			timer.Stop()
		}

		err := n.handle(slot)
		n.slots.put(i)
		if err != nil {
			return err
		}
		n.flush()

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// handle applies one received message and queues its follow-ups.
func (n *Node) handle(slot *transport.Slot) error {
	n.applied++
	out, err := n.state.Apply(slot.Msg)
	if err != nil {
		if errors.Is(err, types.ErrDimensionMismatch) {
			log.Printf("[ERROR] p%d %s from %d: %v", n.rank, slot.Msg.Op, slot.From, err)
			return fmt.Errorf("p%d: %w", n.rank, err)
		}
		log.Printf("[WARN] p%d dropping %s from %d: %v", n.rank, slot.Msg, slot.From, err)
		return nil
	}
	n.backlog = append(n.backlog, n.state.Generate(out)...)

	for _, ev := range n.state.TakeEvents() {
		if _, err := n.events.Append(ev); err != nil {
			log.Printf("[WARN] p%d journal %s %s: %v", n.rank, ev.Kind, ev.OpID, err)
		}
	}
	return nil
}

func (n *Node) drainCommands() bool {
	drained := false
	for {
		select {
		case env := <-n.cmds:
			n.backlog = append(n.backlog, env)
			drained = true
		default:
			return drained
		}
	}
}

func (n *Node) serveStatus() bool {
	served := false
	for {
		select {
		case reply := <-n.reqs:
			reply <- n.status()
			served = true
		default:
			return served
		}
	}
}

func (n *Node) status() Status {
	return Status{
		Snapshot:  n.state.Snapshot(),
		Applied:   n.applied,
		Backlog:   len(n.backlog),
		FreeSlots: n.slots.available(),
	}
}

// flush hands every backlog entry sent by this rank to the transport.
// Entries claiming another sender were routed to the wrong process and
// are dropped.
func (n *Node) flush() bool {
	if len(n.backlog) == 0 {
		return false
	}
	for i, env := range n.backlog {
		n.backlog[i] = types.Envelope{}
		if env.From != n.rank {
			log.Printf("[WARN] p%d dropping command for p%d: %s", n.rank, env.From, env.Msg)
			continue
		}
		if err := n.tr.Send(env.To, env.Msg); err != nil {
			log.Printf("[WARN] p%d send %s to %d: %v", n.rank, env.Msg.Op, env.To, err)
		}
	}
	n.backlog = n.backlog[:0]
	return true
}
