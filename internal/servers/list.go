// Package servers holds the configured list of upstream UO game servers,
// readable lock-free by connection goroutines and swapped wholesale on
// config reload.
package servers

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mkellermann/uologin/internal/config"
	"github.com/mkellermann/uologin/internal/wire"
)

// Entry is one resolvable upstream game server.
type Entry struct {
	Name string
	Addr string
}

// List holds an ordered, index-addressable set of game servers.
type List struct {
	snap atomic.Value // []Entry
	wmu  sync.Mutex
}

// New builds a List from configured game servers.
func New(cfgServers []config.GameServer) *List {
	l := &List{}
	l.snap.Store(toEntries(cfgServers))
	return l
}

func toEntries(cfgServers []config.GameServer) []Entry {
	entries := make([]Entry, len(cfgServers))
	for i, gs := range cfgServers {
		entries[i] = Entry{Name: gs.Name, Addr: gs.Addr()}
	}
	return entries
}

// Entries returns the current server list. The returned slice must not be
// mutated; callers needing to react to future changes should call Entries
// again rather than caching it long-term.
func (l *List) Entries() []Entry {
	return l.snap.Load().([]Entry)
}

// Len returns the number of configured servers.
func (l *List) Len() int {
	return len(l.Entries())
}

// At returns the entry for index, as selected by a client's PlayServer
// packet.
func (l *List) At(index uint16) (Entry, error) {
	entries := l.Entries()
	if int(index) >= len(entries) {
		return Entry{}, fmt.Errorf("servers: index %d out of range (have %d servers)", index, len(entries))
	}
	return entries[index], nil
}

// Sole returns the single configured server, used when there is exactly
// one and the ServerList/PlayServer dialogue can be skipped entirely.
func (l *List) Sole() (Entry, bool) {
	entries := l.Entries()
	if len(entries) != 1 {
		return Entry{}, false
	}
	return entries[0], true
}

// WireEntries builds the ServerList packet rows for the current server set.
func (l *List) WireEntries() []wire.ServerEntry {
	entries := l.Entries()
	out := make([]wire.ServerEntry, len(entries))
	for i, e := range entries {
		out[i] = wire.ServerEntry{Index: uint16(i), Name: e.Name}
	}
	return out
}

// Reload atomically replaces the server list, e.g. on config hot-reload.
func (l *List) Reload(cfgServers []config.GameServer) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	l.snap.Store(toEntries(cfgServers))
}
