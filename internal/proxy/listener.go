package proxy

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mkellermann/uologin/internal/accounting"
	"github.com/mkellermann/uologin/internal/config"
)

// runner is satisfied by both Connection and DelayedConnection so Listener
// can register and track either uniformly.
type runner interface {
	Run()
	Close()
}

// Listener accepts client TCP connections, admits them against the
// accounting map, and dispatches each to either a tarpit-delayed or direct
// Connection.
type Listener struct {
	ln            *net.TCPListener
	deps          deps
	knockRequired bool
	nextID        uint64

	mu     sync.Mutex
	active map[uint64]runner

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewListener binds the configured TCP login port.
func NewListener(cfg *config.Config, d deps) (*Listener, error) {
	addr := &net.TCPAddr{Port: cfg.Listen.Port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		ln:            ln,
		deps:          d,
		knockRequired: cfg.Knock.Required,
		active:        make(map[uint64]runner),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until Stop is called.
func (l *Listener) Serve() {
	for {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				slog.Error("accept failed", "err", err)
				continue
			}
		}
		l.wg.Add(1)
		go l.accept(conn)
	}
}

func (l *Listener) accept(conn *net.TCPConn) {
	defer l.wg.Done()

	record := l.deps.acct.Get(conn.RemoteAddr())
	record.Charge(time.Now(), accounting.CostConnectionAdmission)

	if l.knockRequired && !record.Knocked() {
		l.deps.metrics.MissingKnock()
		conn.Close()
		return
	}

	record, admitted := l.deps.acct.Admit(conn.RemoteAddr())
	if !admitted {
		conn.Close()
		return
	}

	id := l.register(conn, record)
	l.run(id)
}

func (l *Listener) register(conn *net.TCPConn, record *accounting.Record) uint64 {
	l.mu.Lock()
	id := l.nextID
	l.nextID++

	onDone := func(doneID uint64) {
		l.deps.acct.Release(conn.RemoteAddr())
		l.mu.Lock()
		delete(l.active, doneID)
		l.mu.Unlock()
	}

	var r runner
	if delay := record.Delay(); delay > 0 {
		r = newDelayedConnection(id, conn, record, l.deps, onDone)
	} else {
		r = newConnection(id, conn, record, l.deps, onDone)
	}
	l.active[id] = r
	l.mu.Unlock()
	return id
}

func (l *Listener) run(id uint64) {
	l.mu.Lock()
	r, ok := l.active[id]
	l.mu.Unlock()
	if !ok {
		return
	}
	r.Run()
}

// Stop closes the listening socket and every currently active connection,
// then waits for their goroutines to finish.
func (l *Listener) Stop() {
	l.cancel()
	l.ln.Close()

	l.mu.Lock()
	for _, r := range l.active {
		r.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
}
