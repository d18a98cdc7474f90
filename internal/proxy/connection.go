// Package proxy implements the TCP and UDP front ends of the login proxy
// and the per-connection state machine that drives a client from its
// initial handshake through to a fully spliced game session.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkellermann/uologin/internal/accounting"
	"github.com/mkellermann/uologin/internal/metrics"
	"github.com/mkellermann/uologin/internal/servers"
	"github.com/mkellermann/uologin/internal/splice"
	"github.com/mkellermann/uologin/internal/userdb"
	"github.com/mkellermann/uologin/internal/wire"
)

type state int

const (
	stateInitial state = iota
	stateCheckCredentials
	stateServerList
	stateConnecting
	stateSendPlayServer
	stateReady
)

func (s state) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateCheckCredentials:
		return "check_credentials"
	case stateServerList:
		return "server_list"
	case stateConnecting:
		return "connecting"
	case stateSendPlayServer:
		return "send_play_server"
	case stateReady:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	initialReadTimeout = 5 * time.Second
	serverListTimeout  = time.Minute
	connectTimeout     = 10 * time.Second
	credentialTimeout  = 10 * time.Second
	initialPacketSize  = wire.SeedSize + wire.AccountLoginSize
)

// deps bundles a Connection's and DelayedConnection's shared collaborators
// so Listener doesn't need a long constructor argument list at every call
// site. sendRemoteIP is a pointer into the owning Instance so a config
// hot-reload takes effect for connections accepted afterwards.
type deps struct {
	srvList      *servers.List
	store        *userdb.Store
	acct         *accounting.Map
	metrics      *metrics.Collector
	pool         *splice.Pool
	sendRemoteIP *atomic.Bool
}

// Connection drives one client TCP session through the login handshake and
// into a full-duplex splice once authenticated.
type Connection struct {
	id     uint64
	deps   deps
	conn   *net.TCPConn
	record *accounting.Record

	ctx    context.Context
	cancel context.CancelFunc

	state state

	outConn        *net.TCPConn
	sendPlayServer bool

	onDone func(id uint64)
}

// newConnection constructs a Connection ready to run; the caller owns
// charging the admission cost before spawning it.
func newConnection(id uint64, conn *net.TCPConn, record *accounting.Record, d deps, onDone func(uint64)) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:     id,
		deps:   d,
		conn:   conn,
		record: record,
		ctx:    ctx,
		cancel: cancel,
		state:  stateInitial,
		onDone: onDone,
	}
}

// Close aborts the connection from the outside (e.g. during shutdown).
func (c *Connection) Close() {
	c.cancel()
	c.conn.Close()
	if c.outConn != nil {
		c.outConn.Close()
	}
}

// Run drives the connection's state machine to completion. It always
// returns once the session ends, either cleanly or on error.
func (c *Connection) Run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("connection panic", "id", c.id, "recovered", r)
		}
		c.teardown()
	}()

	c.deps.metrics.ClientConnected()
	c.deps.metrics.ClientConnectionAccepted()
	defer c.deps.metrics.ClientDisconnected()

	seed, login, ok := c.readInitialHandshake()
	if !ok {
		return
	}

	if !wire.IsValidUsername(login.Username) {
		c.record.Charge(time.Now(), accounting.CostMalformedUsername)
		c.deps.metrics.MalformedLogin()
		c.rejectAndClose()
		return
	}

	c.state = stateCheckCredentials
	if !c.checkCredentials(login) {
		return
	}

	target, useServerList, ok := c.selectUpstream()
	if !ok {
		return
	}

	if useServerList {
		var err error
		target, err = c.runServerListDialogue()
		if err != nil {
			return
		}
		c.sendPlayServer = true
	}

	c.state = stateConnecting
	if !c.connectUpstream(target, seed, login) {
		return
	}

	if c.sendPlayServer {
		c.state = stateSendPlayServer
		if !c.sendPlayServerToUpstream() {
			return
		}
	}

	c.state = stateReady
	c.runSplice()
}

func (c *Connection) teardown() {
	c.conn.Close()
	if c.outConn != nil {
		c.outConn.Close()
		c.deps.metrics.ServerDisconnected()
	}
	c.cancel()
	if c.onDone != nil {
		c.onDone(c.id)
	}
}

func (c *Connection) readInitialHandshake() (wire.Seed, wire.AccountLogin, bool) {
	c.conn.SetReadDeadline(time.Now().Add(initialReadTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, initialPacketSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			c.record.Charge(time.Now(), accounting.CostTimeout)
		} else {
			c.record.Charge(time.Now(), accounting.CostConnectionError)
		}
		return wire.Seed{}, wire.AccountLogin{}, false
	}

	seed, err := wire.ParseSeed(buf[:wire.SeedSize])
	if err != nil {
		c.record.Charge(time.Now(), accounting.CostMalformedLogin)
		c.deps.metrics.MalformedLogin()
		c.rejectAndClose()
		return wire.Seed{}, wire.AccountLogin{}, false
	}

	login, err := wire.ParseAccountLogin(buf[wire.SeedSize:])
	if err != nil {
		c.record.Charge(time.Now(), accounting.CostMalformedLogin)
		c.deps.metrics.MalformedLogin()
		c.rejectAndClose()
		return wire.Seed{}, wire.AccountLogin{}, false
	}

	return seed, login, true
}

func (c *Connection) rejectAndClose() {
	c.conn.Write(wire.AccountLoginReject(wire.InvalidCredentials))
	c.conn.CloseWrite()
}

func (c *Connection) checkCredentials(login wire.AccountLogin) bool {
	ctx, cancel := context.WithTimeout(c.ctx, credentialTimeout)
	defer cancel()

	resultCh := c.deps.store.Check(ctx, login.Username, login.Password)
	select {
	case res, ok := <-resultCh:
		if !ok || ctx.Err() != nil {
			return false
		}
		if res.Err != nil || !res.OK {
			c.record.Charge(time.Now(), accounting.CostRejectedLogin)
			c.deps.metrics.RejectedLogin()
			c.rejectAndClose()
			return false
		}
		c.record.Charge(time.Now(), accounting.CostAcceptedLogin)
		c.deps.metrics.AcceptedLogin()
		return true
	case <-c.ctx.Done():
		return false
	}
}

// selectUpstream decides whether the client needs the ServerList/PlayServer
// dialogue or can connect straight to the sole configured server.
func (c *Connection) selectUpstream() (servers.Entry, bool, bool) {
	if entry, ok := c.deps.srvList.Sole(); ok {
		return entry, false, true
	}
	if c.deps.srvList.Len() == 0 {
		return servers.Entry{}, false, false
	}
	return servers.Entry{}, true, true
}

func (c *Connection) runServerListDialogue() (servers.Entry, error) {
	c.state = stateServerList
	pkt := wire.BuildServerList(c.deps.srvList.WireEntries())
	if _, err := c.conn.Write(pkt); err != nil {
		return servers.Entry{}, err
	}

	c.conn.SetReadDeadline(time.Now().Add(serverListTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	reply := make([]byte, 3)
	if _, err := io.ReadFull(c.conn, reply); err != nil {
		c.record.Charge(time.Now(), accounting.CostTimeout)
		return servers.Entry{}, err
	}

	index, err := wire.ParsePlayServer(reply)
	if err != nil {
		c.record.Charge(time.Now(), accounting.CostMalformedLogin)
		c.deps.metrics.MalformedLogin()
		return servers.Entry{}, err
	}

	entry, err := c.deps.srvList.At(index)
	if err != nil {
		c.record.Charge(time.Now(), accounting.CostMalformedLogin)
		return servers.Entry{}, err
	}
	return entry, nil
}

func (c *Connection) connectUpstream(target servers.Entry, seed wire.Seed, login wire.AccountLogin) bool {
	dialer := net.Dialer{Timeout: connectTimeout}
	out, err := dialer.DialContext(c.ctx, "tcp", target.Addr)
	if err != nil {
		c.record.Charge(time.Now(), accounting.CostUpstreamConnectError)
		c.deps.metrics.ServerConnectionFailed()
		return false
	}
	tc, ok := out.(*net.TCPConn)
	if !ok {
		out.Close()
		c.deps.metrics.ServerConnectionFailed()
		return false
	}
	c.outConn = tc
	c.deps.metrics.ServerConnected()
	c.deps.metrics.ServerConnectionEstablished()

	bufs := net.Buffers{rebuildSeed(seed), rebuildAccountLogin(login)}
	if c.deps.sendRemoteIP.Load() {
		ip, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
		if err == nil && ip != "" {
			bufs = net.Buffers{rebuildSeed(seed), wire.BuildRemoteIPExtended(ip), rebuildAccountLogin(login)}
		}
	}
	if _, err := bufs.WriteTo(c.outConn); err != nil {
		c.deps.metrics.ServerConnectionFailed()
		return false
	}
	return true
}

func (c *Connection) sendPlayServerToUpstream() bool {
	c.outConn.SetReadDeadline(time.Now().Add(serverListTimeout))
	defer c.outConn.SetReadDeadline(time.Time{})

	header := make([]byte, 3)
	if _, err := io.ReadFull(c.outConn, header); err != nil {
		return false
	}
	length, err := wire.ParseServerListHeader(header)
	if err != nil {
		return false
	}
	remaining := int(length) - len(header)
	if remaining > 0 {
		if _, err := io.CopyN(io.Discard, c.outConn, int64(remaining)); err != nil {
			return false
		}
	}

	if _, err := c.outConn.Write(wire.BuildPlayServer(0)); err != nil {
		return false
	}
	return true
}

func (c *Connection) runSplice() {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go c.spliceDirection(&wg, errCh, c.conn, c.outConn, c.deps.metrics.ClientBytes)
	go c.spliceDirection(&wg, errCh, c.outConn, c.conn, c.deps.metrics.ServerBytes)

	select {
	case <-c.ctx.Done():
		c.conn.Close()
		c.outConn.Close()
	case err := <-errCh:
		// A nil error is an orderly half-close: the other direction may
		// still be forwarding, so leave both sockets up and wait for it.
		// A hard error tears the whole session down, unblocking the peer
		// direction's goroutine.
		if err != nil {
			c.conn.Close()
			c.outConn.Close()
		}
	}
	wg.Wait()
}

func (c *Connection) spliceDirection(wg *sync.WaitGroup, errCh chan<- error, src, dst *net.TCPConn, meter func(int)) {
	defer wg.Done()
	buf := splice.NewBuffer(c.deps.pool)
	defer buf.Close()

	var lastSent int64
	drain := func() (splice.Outcome, error) {
		for buf.Size() > 0 {
			sendOutcome, err := buf.SendTo(dst)
			if err != nil || sendOutcome == splice.Error {
				return splice.Error, err
			}
			if sent := buf.SentBytes - lastSent; sent > 0 {
				meter(int(sent))
				lastSent = buf.SentBytes
			}
			if sendOutcome == splice.OK {
				break
			}
		}
		return splice.OK, nil
	}

	for {
		outcome, err := buf.ReceiveFrom(src)
		if err != nil || outcome == splice.Error {
			errCh <- err
			return
		}
		if outcome == splice.SocketClosed {
			// Flush anything still buffered before signalling EOF to the
			// peer, so a tail of data racing the close is not dropped.
			drain()
			dst.CloseWrite()
			errCh <- nil
			return
		}
		if outcome == splice.SocketBlocking {
			continue
		}

		if sendOutcome, err := drain(); sendOutcome == splice.Error {
			errCh <- err
			return
		}
	}
}

func rebuildSeed(s wire.Seed) []byte {
	b := make([]byte, wire.SeedSize)
	b[0] = wire.CmdSeed
	putUint32(b[1:5], s.Value)
	putUint32(b[5:9], s.Major)
	putUint32(b[9:13], s.Minor)
	putUint32(b[13:17], s.Revision)
	putUint32(b[17:21], s.Patch)
	return b
}

func rebuildAccountLogin(a wire.AccountLogin) []byte {
	b := make([]byte, wire.AccountLoginSize)
	b[0] = wire.CmdAccountLogin
	copy(b[1:31], a.Username)
	copy(b[31:61], a.Password)
	return b
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
