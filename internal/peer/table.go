// internal/peer/table.go
package peer

import (
	"sort"
	"sync"
	"time"

	"p2pchat/internal/proto"
)

// Status is the connection lifecycle state of a known peer.
type Status int

const (
	StatusUnknown Status = iota
	StatusConnecting
	StatusConnected
	StatusStale
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusStale:
		return "STALE"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// rttAlpha implements the classic EMA: rtt = sample/8 + 7*rtt/8.
const rttAlpha = 8

// missingCycles is the hysteresis before a directory-absent peer goes STALE.
const missingCycles = 2

// DirectoryRecord is the table's view of one DISCOVER entry.
type DirectoryRecord struct {
	Name      string
	Namespace string
	IP        string
	Port      int
	TTL       int
	ExpiresIn int
}

// Peer is a snapshot of one peer descriptor. Mutations go through the Table.
type Peer struct {
	Identity  string
	Name      string
	Namespace string

	Addr string
	Port int

	Status   Status
	LastSeen time.Time

	RTT    time.Duration
	HasRTT bool

	ReconnectAttempts int
	NextRetry         time.Time

	TTL       int
	ExpiresIn int
}

type entry struct {
	peer   Peer
	missed int
}

// Table is the thread-safe registry of every peer the client knows about,
// keyed by identity. One mutex, short critical sections.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// UpsertFromDirectory merges one fresh directory record. New coordinates
// replace the stored ones and the TTL refreshes, but a CONNECTED peer never
// gets downgraded. A FAILED peer returns to UNKNOWN when its coordinates
// changed, making it eligible for the reconciler again. Reports whether the
// record was previously unknown.
func (t *Table) UpsertFromDirectory(rec DirectoryRecord) bool {
	id := proto.Identity(rec.Name, rec.Namespace)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		t.entries[id] = &entry{peer: Peer{
			Identity:  id,
			Name:      rec.Name,
			Namespace: rec.Namespace,
			Addr:      rec.IP,
			Port:      rec.Port,
			Status:    StatusUnknown,
			LastSeen:  now,
			TTL:       rec.TTL,
			ExpiresIn: rec.ExpiresIn,
		}}
		return true
	}
	moved := e.peer.Addr != rec.IP || e.peer.Port != rec.Port
	e.peer.Addr = rec.IP
	e.peer.Port = rec.Port
	e.peer.TTL = rec.TTL
	e.peer.ExpiresIn = rec.ExpiresIn
	e.peer.LastSeen = now
	e.missed = 0
	if e.peer.Status == StatusFailed && moved {
		e.peer.Status = StatusUnknown
		e.peer.ReconnectAttempts = 0
		e.peer.NextRetry = time.Time{}
	}
	return false
}

// MarkMissingAsStale walks the table after a directory refresh and promotes
// CONNECTED peers absent from the snapshot to STALE, but only on the second
// consecutive absent cycle. Peers in other statuses only have their absence
// counted. Returns the identities that transitioned.
func (t *Table) MarkMissingAsStale(present map[string]struct{}) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []string
	for id, e := range t.entries {
		if _, ok := present[id]; ok {
			e.missed = 0
			continue
		}
		e.missed++
		if e.missed >= missingCycles && e.peer.Status == StatusConnected {
			e.peer.Status = StatusStale
			e.peer.RTT = 0
			e.peer.HasRTT = false
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// SetStatus transitions a peer. Leaving CONNECTED clears the RTT so it is
// only ever defined for connected peers.
func (t *Table) SetStatus(id string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		if status == StatusUnknown || status == StatusConnecting || status == StatusConnected {
			name, ns, err := proto.ParseIdentity(id)
			if err != nil {
				return
			}
			t.entries[id] = &entry{peer: Peer{Identity: id, Name: name, Namespace: ns, Status: status}}
		}
		return
	}
	if status != StatusConnected && e.peer.Status == StatusConnected {
		e.peer.RTT = 0
		e.peer.HasRTT = false
	}
	if status == StatusConnected {
		e.peer.ReconnectAttempts = 0
		e.peer.NextRetry = time.Time{}
		e.peer.LastSeen = time.Now()
	}
	e.peer.Status = status
}

// RecordRTT folds one keep-alive sample into the smoothed RTT. Samples for
// peers that are not CONNECTED are discarded.
func (t *Table) RecordRTT(id string, sample time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.peer.Status != StatusConnected {
		return
	}
	if !e.peer.HasRTT {
		e.peer.RTT = sample
		e.peer.HasRTT = true
		return
	}
	e.peer.RTT = sample/rttAlpha + e.peer.RTT*(rttAlpha-1)/rttAlpha
}

// RecordAttempt bumps the reconnect counter and schedules the next retry.
// Returns the new attempt count.
func (t *Table) RecordAttempt(id string, nextRetry time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0
	}
	e.peer.ReconnectAttempts++
	e.peer.NextRetry = nextRetry
	return e.peer.ReconnectAttempts
}

// Lookup returns a copy of one descriptor.
func (t *Table) Lookup(id string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Peer{}, false
	}
	return e.peer, true
}

// Snapshot returns copies of every descriptor, sorted by identity.
func (t *Table) Snapshot() []Peer {
	t.mu.Lock()
	out := make([]Peer, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.peer)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Due returns peers eligible for an outbound attempt: UNKNOWN or STALE, with
// known coordinates, whose next-retry time has passed.
func (t *Table) Due(now time.Time) []Peer {
	t.mu.Lock()
	out := make([]Peer, 0)
	for _, e := range t.entries {
		p := e.peer
		if p.Status != StatusUnknown && p.Status != StatusStale {
			continue
		}
		if p.Addr == "" || p.Port == 0 {
			continue
		}
		if !p.NextRetry.IsZero() && p.NextRetry.After(now) {
			continue
		}
		out = append(out, p)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Stats summarizes statuses for /conn.
func (t *Table) Stats() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[string]int{"total": len(t.entries)}
	for _, e := range t.entries {
		out[e.peer.Status.String()]++
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
