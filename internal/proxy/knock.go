package proxy

import (
	"context"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/mkellermann/uologin/internal/accounting"
	"github.com/mkellermann/uologin/internal/config"
	"github.com/mkellermann/uologin/internal/metrics"
	"github.com/mkellermann/uologin/internal/userdb"
	"github.com/mkellermann/uologin/internal/wire"
)

const knockVerifyTimeout = 5 * time.Second

// KnockListener authenticates UDP "knock" datagrams before a client is
// allowed to open a TCP session, and programs an external firewall set for
// clients that pass.
type KnockListener struct {
	conn    *net.UDPConn
	store   *userdb.Store
	acct    *accounting.Map
	metrics *metrics.Collector

	mu     sync.Mutex
	nftSet string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewKnockListener binds the UDP knock port and returns a listener ready to
// Serve. Deciding whether knocking is enabled at all is the Instance's job;
// a zero cfg.Port here binds an ephemeral port.
func NewKnockListener(cfg config.KnockConfig, store *userdb.Store, acct *accounting.Map, m *metrics.Collector) (*KnockListener, error) {
	addr := &net.UDPAddr{Port: cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KnockListener{conn: conn, store: store, acct: acct, metrics: m, nftSet: cfg.NftSet, ctx: ctx, cancel: cancel}, nil
}

// SetNftSet replaces the firewall set programmed for accepted knocks, e.g.
// after a config hot-reload. An empty name disables firewall programming.
func (k *KnockListener) SetNftSet(name string) {
	k.mu.Lock()
	k.nftSet = name
	k.mu.Unlock()
}

// Serve reads knock datagrams until Stop is called. The read buffer is
// deliberately larger than a valid knock so oversized datagrams arrive
// with their true length and fail the size check instead of being
// silently truncated to a well-formed packet.
func (k *KnockListener) Serve() {
	buf := make([]byte, 2*wire.AccountLoginSize)
	for {
		n, addr, err := k.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-k.ctx.Done():
				return
			default:
				continue
			}
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go k.handle(datagram, addr)
	}
}

// Stop closes the UDP socket, unblocking Serve.
func (k *KnockListener) Stop() {
	k.cancel()
	k.conn.Close()
}

func (k *KnockListener) handle(datagram []byte, addr *net.UDPAddr) {
	record := k.acct.Get(addr)

	if len(datagram) != wire.AccountLoginSize {
		record.Charge(time.Now(), accounting.CostMalformedKnock)
		k.metrics.MalformedKnock()
		return
	}

	login, err := wire.ParseAccountLogin(datagram)
	if err != nil {
		record.Charge(time.Now(), accounting.CostMalformedKnock)
		k.metrics.MalformedKnock()
		return
	}
	if !wire.IsValidUsername(login.Username) {
		record.Charge(time.Now(), accounting.CostMalformedUsername)
		k.metrics.MalformedKnock()
		return
	}

	ctx, cancel := context.WithTimeout(k.ctx, knockVerifyTimeout)
	defer cancel()

	res, ok := <-k.store.Check(ctx, login.Username, login.Password)
	if !ok || res.Err != nil || !res.OK {
		record.Charge(time.Now(), accounting.CostRejectedKnock)
		k.metrics.RejectedKnock()
		return
	}

	record.SetKnocked()
	k.metrics.AcceptedKnock()
	k.programFirewall(addr)
}

// programFirewall adds the knocking client's address to the configured nft
// set, opening the TCP port for it. Failures are logged but not fatal to
// the knock itself: the client has already been marked as knocked in this
// process's own accounting, which is what the TCP listener actually checks.
func (k *KnockListener) programFirewall(addr *net.UDPAddr) {
	k.mu.Lock()
	set := k.nftSet
	k.mu.Unlock()
	if set == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/usr/sbin/nft", "add", "element", "inet", "filter", set, "{", addr.IP.String(), "}")
	if out, err := cmd.CombinedOutput(); err != nil {
		slog.Warn("nft add element failed", "set", set, "addr", addr.IP.String(), "err", err, "output", string(out))
	}
}
