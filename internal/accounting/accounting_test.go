package accounting

import (
	"net"
	"testing"
	"time"
)

func addr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 2593}
}

func TestKeyForIPv4(t *testing.T) {
	k1 := keyFor(addr("10.0.0.1"))
	k2 := keyFor(addr("10.0.0.1"))
	k3 := keyFor(addr("10.0.0.2"))
	if k1 != k2 {
		t.Error("same address must produce the same key")
	}
	if k1 == k3 {
		t.Error("different addresses should not collide in this simple case")
	}
}

func TestKeyForV4MappedMatchesV4(t *testing.T) {
	plain := keyFor(addr("10.0.0.1"))
	mapped := keyFor(addr("::ffff:10.0.0.1"))
	if plain != mapped {
		t.Error("v4-mapped address should fold to the same key as its v4 form")
	}
}

func TestAdmitRespectsCap(t *testing.T) {
	m := NewMap(2, false)
	defer m.Stop()

	a := addr("192.0.2.1")
	if _, ok := m.Admit(a); !ok {
		t.Fatal("first connection should be admitted")
	}
	if _, ok := m.Admit(a); !ok {
		t.Fatal("second connection should be admitted")
	}
	if _, ok := m.Admit(a); ok {
		t.Fatal("third connection should be rejected by the cap")
	}
}

func TestAdmitUnlimitedWhenCapZero(t *testing.T) {
	m := NewMap(0, false)
	defer m.Stop()

	a := addr("192.0.2.2")
	for i := 0; i < 50; i++ {
		if _, ok := m.Admit(a); !ok {
			t.Fatalf("connection %d should be admitted with no cap", i)
		}
	}
}

func TestReleaseFreesCapacity(t *testing.T) {
	m := NewMap(1, false)
	defer m.Stop()

	a := addr("192.0.2.3")
	if _, ok := m.Admit(a); !ok {
		t.Fatal("first connection should be admitted")
	}
	if _, ok := m.Admit(a); ok {
		t.Fatal("second connection should be rejected")
	}
	m.Release(a)
	if _, ok := m.Admit(a); !ok {
		t.Fatal("connection should be admitted again after release")
	}
}

func TestChargeEscalatesAndDecaysDelay(t *testing.T) {
	r := &Record{bucket: newTokenBucket(tokenRate, tokenBurst, time.Unix(0, 0)), tarpit: true}
	now := time.Unix(0, 0)

	// Burn through the burst allowance with malformed-login charges.
	for i := 0; i < 3; i++ {
		r.Charge(now, CostMalformedLogin)
	}
	if r.Delay() == 0 {
		t.Fatal("expected a nonzero tarpit delay after repeated malformed logins")
	}

	prev := r.Delay()
	now = now.Add(2 * time.Second)
	r.Charge(now, CostAcceptedLogin)
	if r.Delay() > prev {
		t.Error("delay should not increase once the client stays within tarpit window with a cheap charge")
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	r := &Record{bucket: newTokenBucket(tokenRate, tokenBurst, time.Unix(0, 0)), tarpit: true}
	now := time.Unix(0, 0)
	for i := 0; i < 2000; i++ {
		r.Charge(now, CostMalformedLogin)
	}
	if r.Delay() > delayMax {
		t.Errorf("delay must be capped at %v, got %v", delayMax, r.Delay())
	}
}

func TestRecordExpiresAfterTTL(t *testing.T) {
	r := &Record{bucket: newTokenBucket(tokenRate, tokenBurst, time.Unix(0, 0)), tarpit: true}
	r.addConnection()
	now := time.Unix(0, 0)
	r.removeConnection(now)

	if r.expired(now) {
		t.Error("record should not be expired immediately after last connection removed")
	}
	if !r.expired(now.Add(recordTTL + time.Second)) {
		t.Error("record should be expired once past its TTL")
	}
}

func TestKnockFlag(t *testing.T) {
	r := &Record{bucket: newTokenBucket(tokenRate, tokenBurst, time.Unix(0, 0)), tarpit: true}
	if r.Knocked() {
		t.Fatal("new record should not be knocked")
	}
	r.SetKnocked()
	if !r.Knocked() {
		t.Fatal("record should be knocked after SetKnocked")
	}
}

func TestChargeInertWithoutTarpit(t *testing.T) {
	r := &Record{bucket: newTokenBucket(tokenRate, tokenBurst, time.Unix(0, 0))}
	now := time.Unix(0, 0)
	for i := 0; i < 50; i++ {
		r.Charge(now, CostMalformedLogin)
	}
	if r.Delay() != 0 {
		t.Errorf("no delay should accrue with the tarpit disabled, got %v", r.Delay())
	}
}
