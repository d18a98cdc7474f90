// Package metrics exposes the login proxy's Prometheus counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the login proxy.
type Collector struct {
	Registry *prometheus.Registry

	clientConnections prometheus.Gauge
	serverConnections prometheus.Gauge

	clientConnectionsAccepted    prometheus.Counter
	serverConnectionsEstablished prometheus.Counter
	serverConnectionsFailed      prometheus.Counter

	acceptedKnocks  prometheus.Counter
	rejectedKnocks  prometheus.Counter
	missingKnocks   prometheus.Counter
	malformedKnocks prometheus.Counter

	acceptedLogins  prometheus.Counter
	rejectedLogins  prometheus.Counter
	malformedLogins prometheus.Counter

	delayedConnections prometheus.Counter

	clientBytes prometheus.Counter
	serverBytes prometheus.Counter
}

// New creates and registers all Prometheus metrics using a dedicated registry.
// Safe to call multiple times (e.g. in tests) since each call creates an
// independent registry that doesn't conflict with others.
//
// Counter names deliberately omit the conventional _total suffix: existing
// dashboards and alerts key on the exact names the original exporter
// published, and renaming them would silently break every query.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		clientConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uologin_client_connections",
			Help: "Number of currently open client connections",
		}),
		serverConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uologin_server_connections",
			Help: "Number of currently open upstream game server connections",
		}),
		clientConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_client_connections_accepted",
			Help: "Total client connections accepted by the TCP listener",
		}),
		serverConnectionsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_server_connections_established",
			Help: "Total upstream connections successfully established",
		}),
		serverConnectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_server_connections_failed",
			Help: "Total upstream connection attempts that failed",
		}),
		acceptedKnocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_accepted_knocks",
			Help: "Total UDP knocks that passed credential verification",
		}),
		rejectedKnocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_rejected_knocks",
			Help: "Total UDP knocks that failed credential verification",
		}),
		missingKnocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_missing_knocks",
			Help: "Total TCP connections refused because the client never knocked",
		}),
		malformedKnocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_malformed_knocks",
			Help: "Total UDP datagrams that were not a well-formed knock",
		}),
		acceptedLogins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_accepted_logins",
			Help: "Total TCP logins that passed credential verification",
		}),
		rejectedLogins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_rejected_logins",
			Help: "Total TCP logins that failed credential verification",
		}),
		malformedLogins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_malformed_logins",
			Help: "Total TCP connections with a malformed handshake",
		}),
		delayedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_delayed_connections",
			Help: "Total connections routed through the tarpit delay",
		}),
		clientBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_client_bytes",
			Help: "Total bytes forwarded from clients to upstream game servers",
		}),
		serverBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uologin_server_bytes",
			Help: "Total bytes forwarded from upstream game servers to clients",
		}),
	}

	reg.MustRegister(
		c.clientConnections,
		c.serverConnections,
		c.clientConnectionsAccepted,
		c.serverConnectionsEstablished,
		c.serverConnectionsFailed,
		c.acceptedKnocks,
		c.rejectedKnocks,
		c.missingKnocks,
		c.malformedKnocks,
		c.acceptedLogins,
		c.rejectedLogins,
		c.malformedLogins,
		c.delayedConnections,
		c.clientBytes,
		c.serverBytes,
	)

	return c
}

func (c *Collector) ClientConnected()    { c.clientConnections.Inc() }
func (c *Collector) ClientDisconnected() { c.clientConnections.Dec() }
func (c *Collector) ServerConnected()    { c.serverConnections.Inc() }
func (c *Collector) ServerDisconnected() { c.serverConnections.Dec() }

func (c *Collector) ClientConnectionAccepted()    { c.clientConnectionsAccepted.Inc() }
func (c *Collector) ServerConnectionEstablished() { c.serverConnectionsEstablished.Inc() }
func (c *Collector) ServerConnectionFailed()      { c.serverConnectionsFailed.Inc() }

func (c *Collector) AcceptedKnock()  { c.acceptedKnocks.Inc() }
func (c *Collector) RejectedKnock()  { c.rejectedKnocks.Inc() }
func (c *Collector) MissingKnock()   { c.missingKnocks.Inc() }
func (c *Collector) MalformedKnock() { c.malformedKnocks.Inc() }

func (c *Collector) AcceptedLogin()  { c.acceptedLogins.Inc() }
func (c *Collector) RejectedLogin()  { c.rejectedLogins.Inc() }
func (c *Collector) MalformedLogin() { c.malformedLogins.Inc() }

func (c *Collector) DelayedConnection() { c.delayedConnections.Inc() }

func (c *Collector) ClientBytes(n int) { c.clientBytes.Add(float64(n)) }
func (c *Collector) ServerBytes(n int) { c.serverBytes.Add(float64(n)) }
