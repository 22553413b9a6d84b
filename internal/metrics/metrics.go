package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

// Snapshot is the JSON form written on shutdown. /conn does not show it.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Sessions    SessionMetrics `json:"sessions"`
	Router      RouterMetrics  `json:"router"`
}

type SessionMetrics struct {
	Opened           uint64 `json:"opened"`
	Closed           uint64 `json:"closed"`
	DialAttempts     uint64 `json:"dial_attempts"`
	DialFailures     uint64 `json:"dial_failures"`
	KeepaliveClosed  uint64 `json:"keepalive_closed"`
	DuplicateResolved uint64 `json:"duplicate_resolved"`
}

type RouterMetrics struct {
	SendOriginated uint64 `json:"send_originated"`
	PubOriginated  uint64 `json:"pub_originated"`
	Delivered      uint64 `json:"delivered"`
	Relayed        uint64 `json:"relayed"`
	DropDuplicate  uint64 `json:"drop_duplicate"`
	DropTTL        uint64 `json:"drop_ttl"`
	AckReceived    uint64 `json:"ack_received"`
	AckTimeout     uint64 `json:"ack_timeout"`
	NoRoute        uint64 `json:"no_route"`
	Busy           uint64 `json:"busy"`
}

// Metrics is a set of atomic counters shared across the daemon and router.
type Metrics struct {
	sessionsOpened    atomic.Uint64
	sessionsClosed    atomic.Uint64
	dialAttempts      atomic.Uint64
	dialFailures      atomic.Uint64
	keepaliveClosed   atomic.Uint64
	duplicateResolved atomic.Uint64

	sendOriginated atomic.Uint64
	pubOriginated  atomic.Uint64
	delivered      atomic.Uint64
	relayed        atomic.Uint64
	dropDuplicate  atomic.Uint64
	dropTTL        atomic.Uint64
	ackReceived    atomic.Uint64
	ackTimeout     atomic.Uint64
	noRoute        atomic.Uint64
	busy           atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSessionsOpened()    { m.sessionsOpened.Add(1) }
func (m *Metrics) IncSessionsClosed()    { m.sessionsClosed.Add(1) }
func (m *Metrics) IncDialAttempts()      { m.dialAttempts.Add(1) }
func (m *Metrics) IncDialFailures()      { m.dialFailures.Add(1) }
func (m *Metrics) IncKeepaliveClosed()   { m.keepaliveClosed.Add(1) }
func (m *Metrics) IncDuplicateResolved() { m.duplicateResolved.Add(1) }

func (m *Metrics) IncSendOriginated() { m.sendOriginated.Add(1) }
func (m *Metrics) IncPubOriginated()  { m.pubOriginated.Add(1) }
func (m *Metrics) IncDelivered()      { m.delivered.Add(1) }
func (m *Metrics) IncRelayed()        { m.relayed.Add(1) }
func (m *Metrics) IncDropDuplicate()  { m.dropDuplicate.Add(1) }
func (m *Metrics) IncDropTTL()        { m.dropTTL.Add(1) }
func (m *Metrics) IncAckReceived()    { m.ackReceived.Add(1) }
func (m *Metrics) IncAckTimeout()     { m.ackTimeout.Add(1) }
func (m *Metrics) IncNoRoute()        { m.noRoute.Add(1) }
func (m *Metrics) IncBusy()           { m.busy.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Sessions: SessionMetrics{
			Opened:            m.sessionsOpened.Load(),
			Closed:            m.sessionsClosed.Load(),
			DialAttempts:      m.dialAttempts.Load(),
			DialFailures:      m.dialFailures.Load(),
			KeepaliveClosed:   m.keepaliveClosed.Load(),
			DuplicateResolved: m.duplicateResolved.Load(),
		},
		Router: RouterMetrics{
			SendOriginated: m.sendOriginated.Load(),
			PubOriginated:  m.pubOriginated.Load(),
			Delivered:      m.delivered.Load(),
			Relayed:        m.relayed.Load(),
			DropDuplicate:  m.dropDuplicate.Load(),
			DropTTL:        m.dropTTL.Load(),
			AckReceived:    m.ackReceived.Load(),
			AckTimeout:     m.ackTimeout.Load(),
			NoRoute:        m.noRoute.Load(),
			Busy:           m.busy.Load(),
		},
	}
}

// WriteSnapshot persists the current counters, typically at shutdown.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
