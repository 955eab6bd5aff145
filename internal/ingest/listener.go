package ingest

import (
	"bufio"
	"errors"
	"log"
	"net"
	"sync"

	"example.com/causalq/internal/types"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map"
)

// Listener accepts client connections for one process. Every connection is
// served by its own goroutine; parsed commands go to out.
type Listener struct {
	rank types.Rank
	size int
	ln   net.Listener
	out  chan<- types.Envelope

	conns cmap.ConcurrentMap // connection ID -> net.Conn
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func Listen(addr string, rank types.Rank, size int, out chan<- types.Envelope) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	log.Printf("p%d command listener on %s", rank, ln.Addr())
	return Serve(ln, rank, size, out), nil
}

// Serve starts accepting on an existing listener.
func Serve(ln net.Listener, rank types.Rank, size int, out chan<- types.Envelope) *Listener {
	l := &Listener{
		rank:  rank,
		size:  size,
		ln:    ln,
		out:   out,
		conns: cmap.New(),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Conns is the number of open client connections.
func (l *Listener) Conns() int { return l.conns.Count() }

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
		for item := range l.conns.IterBuffered() {
			item.Val.(net.Conn).Close()
		}
		l.wg.Wait()
	})
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[WARN] p%d accept client: %v", l.rank, err)
			continue
		}
		id := uuid.NewString()
		l.conns.Set(id, conn)
		l.wg.Add(1)
		go l.serve(id, conn)
	}
}

func (l *Listener) serve(id string, conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.conns.Remove(id)
		conn.Close()
	}()
	log.Printf("[DEBUG] p%d client %s connected from %s", l.rank, id, conn.RemoteAddr())

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		env, err := ParseCommand(line, l.size)
		if err != nil {
			log.Printf("[WARN] p%d dropping %q: %v", l.rank, line, err)
			continue
		}
		select {
		case l.out <- env:
		case <-l.done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case <-l.done:
		default:
			log.Printf("[WARN] p%d read from client %s: %v", l.rank, id, err)
		}
	}
	log.Printf("[DEBUG] p%d client %s disconnected", l.rank, id)
}
