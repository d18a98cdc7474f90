package proxy

import (
	"log/slog"
	"sync/atomic"

	"github.com/mkellermann/uologin/internal/accounting"
	"github.com/mkellermann/uologin/internal/api"
	"github.com/mkellermann/uologin/internal/config"
	"github.com/mkellermann/uologin/internal/metrics"
	"github.com/mkellermann/uologin/internal/servers"
	"github.com/mkellermann/uologin/internal/splice"
	"github.com/mkellermann/uologin/internal/userdb"
)

// Instance owns every long-lived collaborator for one running proxy
// process: the splice pipe pool, the credential store, the per-client
// accounting map, the TCP login listener, the optional UDP knock listener
// and the admin/metrics HTTP server. It coordinates startup order and, on
// Stop, shutdown order.
type Instance struct {
	cfg          *config.Config
	sendRemoteIP atomic.Bool

	Pool    *splice.Pool
	Store   *userdb.Store
	Acct    *accounting.Map
	Servers *servers.List
	Metrics *metrics.Collector

	tcp   *Listener
	knock *KnockListener
	admin *api.Server
}

// New constructs an Instance from a loaded configuration. It opens the
// credential store and binds the TCP login port, but does not start
// accepting connections; call Start for that.
func New(cfg *config.Config) (*Instance, error) {
	inst := &Instance{
		cfg:     cfg,
		Pool:    splice.NewPool(),
		Acct:    accounting.NewMap(cfg.Accounting.MaxConnectionsPerClient, cfg.Accounting.Tarpit),
		Servers: servers.New(cfg.GameServers),
		Metrics: metrics.New(),
	}

	inst.sendRemoteIP.Store(cfg.SendRemoteIP)

	store, err := userdb.Open(cfg.UserDB.Path, cfg.UserDB.AutoReload, 0)
	if err != nil {
		return nil, err
	}
	inst.Store = store

	tcp, err := NewListener(cfg, deps{
		srvList:      inst.Servers,
		store:        inst.Store,
		acct:         inst.Acct,
		metrics:      inst.Metrics,
		pool:         inst.Pool,
		sendRemoteIP: &inst.sendRemoteIP,
	})
	if err != nil {
		inst.Store.Close()
		return nil, err
	}
	inst.tcp = tcp

	if cfg.Knock.Port != 0 {
		kl, err := NewKnockListener(cfg.Knock, inst.Store, inst.Acct, inst.Metrics)
		if err != nil {
			inst.tcp.Stop()
			inst.Store.Close()
			return nil, err
		}
		inst.knock = kl
	}

	inst.admin = api.NewServer(cfg, inst.Servers, inst.Acct, inst.Metrics)

	return inst, nil
}

// Start begins accepting TCP logins, UDP knocks (if configured) and admin
// HTTP requests, each on its own goroutine.
func (inst *Instance) Start() error {
	go inst.tcp.Serve()
	slog.Info("uologin: login listener started", "addr", inst.tcp.Addr())

	if inst.knock != nil {
		go inst.knock.Serve()
		slog.Info("uologin: knock listener started", "port", inst.cfg.Knock.Port)
	}

	if inst.cfg.Listen.APIPort != 0 {
		if err := inst.admin.Start(inst.cfg.Listen.APIPort); err != nil {
			return err
		}
	}
	return nil
}

// Reload swaps in a freshly parsed configuration's game-server list, the
// send_remote_ip flag and the knock firewall set. Bind-time settings
// (ports, knock requirement, user DB path) take effect only on process
// restart.
func (inst *Instance) Reload(cfg *config.Config) {
	inst.Servers.Reload(cfg.GameServers)
	inst.sendRemoteIP.Store(cfg.SendRemoteIP)
	if inst.knock != nil {
		inst.knock.SetNftSet(cfg.Knock.NftSet)
	}
}

// Stop shuts down every collaborator in dependency order: listeners first
// (so no new connection starts mid-shutdown), then the admin server, then
// the accounting map's cleanup loop, and finally the credential store's
// worker pool, which is joined last since in-flight checks may still be
// outstanding when the listeners stop accepting.
func (inst *Instance) Stop() {
	inst.tcp.Stop()
	if inst.knock != nil {
		inst.knock.Stop()
	}
	if err := inst.admin.Stop(); err != nil {
		slog.Warn("uologin: admin server shutdown error", "err", err)
	}
	inst.Acct.Stop()
	if err := inst.Store.Close(); err != nil {
		slog.Warn("uologin: credential store close error", "err", err)
	}
}
