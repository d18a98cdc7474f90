package servers

import (
	"testing"

	"github.com/mkellermann/uologin/internal/config"
)

func TestAtAndSole(t *testing.T) {
	l := New([]config.GameServer{{Name: "Atlantic", Host: "10.0.0.1", Port: 7775}})
	e, ok := l.Sole()
	if !ok || e.Name != "Atlantic" {
		t.Fatalf("expected sole entry Atlantic, got %+v ok=%v", e, ok)
	}

	e2, err := l.At(0)
	if err != nil || e2.Addr != "10.0.0.1:7775" {
		t.Fatalf("unexpected At(0): %+v err=%v", e2, err)
	}
}

func TestAtOutOfRange(t *testing.T) {
	l := New([]config.GameServer{{Name: "Atlantic", Host: "10.0.0.1", Port: 7775}})
	if _, err := l.At(5); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}

func TestSoleFalseWithMultiple(t *testing.T) {
	l := New([]config.GameServer{
		{Name: "Atlantic", Host: "10.0.0.1", Port: 7775},
		{Name: "Europa", Host: "10.0.0.2", Port: 7775},
	})
	if _, ok := l.Sole(); ok {
		t.Fatal("expected Sole to report false with multiple servers")
	}
}

func TestReloadReplacesEntries(t *testing.T) {
	l := New([]config.GameServer{{Name: "Atlantic", Host: "10.0.0.1", Port: 7775}})
	l.Reload([]config.GameServer{{Name: "Europa", Host: "10.0.0.2", Port: 7775}})

	e, ok := l.Sole()
	if !ok || e.Name != "Europa" {
		t.Fatalf("expected reload to replace entries, got %+v", e)
	}
}

func TestWireEntriesIndexing(t *testing.T) {
	l := New([]config.GameServer{
		{Name: "Atlantic", Host: "10.0.0.1", Port: 7775},
		{Name: "Europa", Host: "10.0.0.2", Port: 7775},
	})
	we := l.WireEntries()
	if len(we) != 2 || we[0].Index != 0 || we[1].Index != 1 {
		t.Fatalf("unexpected wire entries: %+v", we)
	}
}
