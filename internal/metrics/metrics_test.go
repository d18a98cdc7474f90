package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestConnectionGauges(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ClientConnected()
	c.ClientConnected()
	c.ClientDisconnected()
	if v := getGaugeValue(c.clientConnections); v != 1 {
		t.Errorf("expected client connections=1, got %v", v)
	}

	c.ServerConnected()
	if v := getGaugeValue(c.serverConnections); v != 1 {
		t.Errorf("expected server connections=1, got %v", v)
	}
	c.ServerDisconnected()
	if v := getGaugeValue(c.serverConnections); v != 0 {
		t.Errorf("expected server connections=0, got %v", v)
	}
}

func TestLoginCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.AcceptedLogin()
	c.AcceptedLogin()
	c.RejectedLogin()
	c.MalformedLogin()

	if v := getCounterValue(c.acceptedLogins); v != 2 {
		t.Errorf("expected accepted logins=2, got %v", v)
	}
	if v := getCounterValue(c.rejectedLogins); v != 1 {
		t.Errorf("expected rejected logins=1, got %v", v)
	}
	if v := getCounterValue(c.malformedLogins); v != 1 {
		t.Errorf("expected malformed logins=1, got %v", v)
	}
}

func TestKnockCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.AcceptedKnock()
	c.RejectedKnock()
	c.RejectedKnock()
	c.MissingKnock()
	c.MalformedKnock()

	if v := getCounterValue(c.acceptedKnocks); v != 1 {
		t.Errorf("expected accepted knocks=1, got %v", v)
	}
	if v := getCounterValue(c.rejectedKnocks); v != 2 {
		t.Errorf("expected rejected knocks=2, got %v", v)
	}
	if v := getCounterValue(c.missingKnocks); v != 1 {
		t.Errorf("expected missing knocks=1, got %v", v)
	}
	if v := getCounterValue(c.malformedKnocks); v != 1 {
		t.Errorf("expected malformed knocks=1, got %v", v)
	}
}

func TestByteCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ClientBytes(100)
	c.ClientBytes(50)
	c.ServerBytes(200)

	if v := getCounterValue(c.clientBytes); v != 150 {
		t.Errorf("expected client bytes=150, got %v", v)
	}
	if v := getCounterValue(c.serverBytes); v != 200 {
		t.Errorf("expected server bytes=200, got %v", v)
	}
}

func TestDelayedConnectionCounter(t *testing.T) {
	c, _ := newTestCollector(t)

	c.DelayedConnection()
	c.DelayedConnection()
	c.DelayedConnection()

	if v := getCounterValue(c.delayedConnections); v != 3 {
		t.Errorf("expected delayed connections=3, got %v", v)
	}
}

func TestServerConnectionOutcomes(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ServerConnectionEstablished()
	c.ServerConnectionEstablished()
	c.ServerConnectionFailed()

	if v := getCounterValue(c.serverConnectionsEstablished); v != 2 {
		t.Errorf("expected established=2, got %v", v)
	}
	if v := getCounterValue(c.serverConnectionsFailed); v != 1 {
		t.Errorf("expected failed=1, got %v", v)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic because each creates
	// its own registry instead of using the global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.AcceptedLogin()
	c2.AcceptedLogin()
	c2.AcceptedLogin()

	if v := getCounterValue(c1.acceptedLogins); v != 1 {
		t.Errorf("c1 expected accepted=1, got %v", v)
	}
	if v := getCounterValue(c2.acceptedLogins); v != 2 {
		t.Errorf("c2 expected accepted=2, got %v", v)
	}
}

func TestGatherExposesAllFamilies(t *testing.T) {
	c, reg := newTestCollector(t)
	c.AcceptedLogin()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family")
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "uologin_accepted_logins" {
			found = true
		}
	}
	if !found {
		t.Error("uologin_accepted_logins not found in gathered families")
	}
}
