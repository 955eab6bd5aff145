package transport

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"example.com/causalq/internal/types"
)

const (
	dialTimeout = 2 * time.Second
	maxBackoff  = 5 * time.Second
)

// TCPTransport connects the ranks of a group over TCP. Each peer gets its
// own outbound queue and writer goroutine, so Send never waits on the
// network and per-peer order is preserved across reconnects.
type TCPTransport struct {
	rank  types.Rank
	addrs []string
	ln    net.Listener
	inbox *mailbox
	out   []*outbound

	mu      sync.Mutex
	inbound map[net.Conn]struct{}
	readers map[types.Rank]*reader
	lastSeq []uint64
	done    chan struct{}
	wg      sync.WaitGroup
}

type outbound struct {
	addr  string
	mu    sync.Mutex
	seq   uint64
	queue []frame
	wake  chan struct{}
}

// reader is the goroutine currently delivering one sender's stream.
type reader struct {
	conn net.Conn
	done chan struct{}
}

// ListenTCP listens on addrs[rank] and dials the other ranks lazily.
func ListenTCP(rank types.Rank, addrs []string) (*TCPTransport, error) {
	if rank < 0 || int(rank) >= len(addrs) {
		return nil, fmt.Errorf("%w: %d of %d peers", ErrUnknownRank, rank, len(addrs))
	}
	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, err
	}
	return NewTCP(rank, ln, addrs), nil
}

// NewTCP serves rank on an existing listener.
func NewTCP(rank types.Rank, ln net.Listener, addrs []string) *TCPTransport {
	t := &TCPTransport{
		rank:    rank,
		addrs:   addrs,
		ln:      ln,
		inbox:   newMailbox(),
		out:     make([]*outbound, len(addrs)),
		inbound: make(map[net.Conn]struct{}),
		readers: make(map[types.Rank]*reader),
		lastSeq: make([]uint64, len(addrs)),
		done:    make(chan struct{}),
	}
	for i, addr := range addrs {
		if types.Rank(i) == rank {
			continue
		}
		t.out[i] = &outbound{addr: addr, wake: make(chan struct{}, 1)}
		t.wg.Add(1)
		go t.writeLoop(t.out[i])
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t
}

func (t *TCPTransport) Rank() types.Rank { return t.rank }
func (t *TCPTransport) Size() int        { return len(t.addrs) }
func (t *TCPTransport) Addr() net.Addr   { return t.ln.Addr() }

func (t *TCPTransport) Send(to types.Rank, msg types.Message) error {
	if to < 0 || int(to) >= len(t.addrs) {
		return fmt.Errorf("%w: %d", ErrUnknownRank, to)
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if to == t.rank {
		msg.Clock = msg.Clock.Copy()
		return t.inbox.put(Slot{From: t.rank, Msg: msg})
	}
	f, err := sealFrame(t.rank, msg)
	if err != nil {
		return err
	}
	o := t.out[to]
	o.mu.Lock()
	o.seq++
	f.Seq = o.seq
	o.queue = append(o.queue, f)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

func (t *TCPTransport) TryRecv(slot *Slot) (bool, error) {
	return t.inbox.take(slot)
}

func (t *TCPTransport) Ready() <-chan struct{} { return t.inbox.ready }

func (t *TCPTransport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	err := t.ln.Close()
	t.mu.Lock()
	for c := range t.inbound {
		c.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	t.inbox.close()
	return err
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			log.Printf("[WARN] p%d accept: %v", t.rank, err)
			continue
		}
		t.mu.Lock()
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

// readLoop delivers one inbound stream. The first frame names the sender;
// delivery waits until the sender's previous stream has drained, and frames
// already seen on that stream are dropped by sequence number.
func (t *TCPTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	r := &reader{conn: conn, done: make(chan struct{})}
	from := types.Rank(-1)
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		if from >= 0 && t.readers[from] == r {
			delete(t.readers, from)
		}
		t.mu.Unlock()
		conn.Close()
		close(r.done)
	}()

	dec := gob.NewDecoder(bufio.NewReader(conn))
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("[WARN] p%d read from %s: %v", t.rank, conn.RemoteAddr(), err)
			}
			return
		}
		if from < 0 {
			if f.From < 0 || int(f.From) >= len(t.addrs) {
				log.Printf("[WARN] p%d stream from %s claims %v", t.rank, conn.RemoteAddr(), f.From)
				return
			}
			from = f.From
			if !t.takeOver(from, r) {
				return
			}
		} else if f.From != from {
			log.Printf("[WARN] p%d dropping frame from %d on the stream of %d", t.rank, f.From, from)
			continue
		}

		msg, err := openFrame(f)
		if err != nil {
			log.Printf("[WARN] p%d dropping frame: %v", t.rank, err)
			continue
		}
		if !t.fresh(from, f.Seq) {
			continue
		}
		if err := t.inbox.put(Slot{From: f.From, Msg: msg}); err != nil {
			return
		}
	}
}

// takeOver makes r the reader for from once the previous one has finished.
// A previous stream that stays open past maxBackoff is closed.
func (t *TCPTransport) takeOver(from types.Rank, r *reader) bool {
	t.mu.Lock()
	prev := t.readers[from]
	t.readers[from] = r
	t.mu.Unlock()
	if prev == nil {
		return true
	}

	select {
	case <-prev.done:
		return true
	case <-t.done:
		return false
	case <-time.After(maxBackoff):
	}
	log.Printf("[WARN] p%d closing stale stream from p%d", t.rank, from)
	prev.conn.Close()
	select {
	case <-prev.done:
		return true
	case <-t.done:
		return false
	}
}

func (t *TCPTransport) fresh(from types.Rank, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq <= t.lastSeq[from] {
		return false
	}
	t.lastSeq[from] = seq
	return true
}

// writeLoop drains one peer's queue in order. A frame is only removed once
// it has been flushed; on failure the connection is redialed with backoff.
func (t *TCPTransport) writeLoop(o *outbound) {
	defer t.wg.Done()
	var (
		conn    net.Conn
		bw      *bufio.Writer
		enc     *gob.Encoder
		backoff = 50 * time.Millisecond
	)
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		o.mu.Lock()
		var (
			next frame
			ok   bool
		)
		if len(o.queue) > 0 {
			next, ok = o.queue[0], true
		}
		o.mu.Unlock()

		if !ok {
			select {
			case <-t.done:
				return
			case <-o.wake:
			}
			continue
		}

		if conn == nil {
			c, err := net.DialTimeout("tcp", o.addr, dialTimeout)
			if err != nil {
				log.Printf("[WARN] p%d dial %s: %v (retry in %s)", t.rank, o.addr, err, backoff)
				select {
				case <-t.done:
					return
				case <-time.After(backoff):
				}
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			conn, bw = c, bufio.NewWriter(c)
			enc = gob.NewEncoder(bw)
			backoff = 50 * time.Millisecond
		}

		conn.SetWriteDeadline(time.Now().Add(maxBackoff))
		err := enc.Encode(&next)
		if err == nil {
			err = bw.Flush()
		}
		if err != nil {
			log.Printf("[WARN] p%d write to %s: %v", t.rank, o.addr, err)
			conn.Close()
			conn = nil
			continue
		}
		o.mu.Lock()
		o.queue[0] = frame{}
		o.queue = o.queue[1:]
		o.mu.Unlock()
	}
}
