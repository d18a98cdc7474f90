package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/mkellermann/uologin/internal/accounting"
)

// DelayedConnection parks an accepted socket for its client's tarpit delay
// before handing it off to a Connection. A client that hangs up mid-tarpit
// is not noticed until the delay ends; the Connection's handshake read then
// fails and charges the connection-error cost.
type DelayedConnection struct {
	id     uint64
	conn   *net.TCPConn
	record *accounting.Record
	deps   deps
	onDone func(uint64)

	mu     sync.Mutex
	closed bool
}

func newDelayedConnection(id uint64, conn *net.TCPConn, record *accounting.Record, d deps, onDone func(uint64)) *DelayedConnection {
	return &DelayedConnection{id: id, conn: conn, record: record, deps: d, onDone: onDone}
}

// Run blocks for the tarpit delay, then starts the real Connection state
// machine, unless Close was called first.
func (d *DelayedConnection) Run() {
	d.deps.metrics.DelayedConnection()
	time.Sleep(d.record.Delay())

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}

	conn := newConnection(d.id, d.conn, d.record, d.deps, d.onDone)
	conn.Run()
}

// Close aborts the connection while it is still waiting out its tarpit
// delay, e.g. during shutdown.
func (d *DelayedConnection) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.conn.Close()
}
