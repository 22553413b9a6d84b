// internal/router/router.go
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"p2pchat/internal/metrics"
	"p2pchat/internal/proto"
	"p2pchat/internal/session"
)

const (
	// Seen-set bounds: capacity and retention sized for classroom-scale
	// flooding, retention well past the slowest expected traversal.
	SeenCapacity  = 4096
	SeenRetention = 30 * time.Second

	// RouteFreshness bounds how long a WHO_HAS_HIT keeps steering unicasts.
	RouteFreshness = 60 * time.Second

	AckTimeout    = 5 * time.Second
	WhoHasWindow  = 2 * time.Second
	sweepInterval = 500 * time.Millisecond
)

var (
	ErrBadDestination = errors.New("bad destination")
	ErrNoRoute        = errors.New(proto.CodeNoRoute)
)

// SessionSet is the router's read-only view of the orchestrator-owned
// session table.
type SessionSet interface {
	Session(identity string) (*session.Session, bool)
	Sessions() []*session.Session
}

// Delivery is an inbound payload handed to the shell adapter.
type Delivery struct {
	Src     string
	Dst     string
	Payload string
}

// Note is an asynchronous send outcome surfaced to the shell adapter.
type Note struct {
	Code   string
	MsgID  string
	Peer   string
	Detail string
}

// seenEntry remembers which session a flooded frame arrived on, so replies
// can retrace the path. Empty means the frame originated locally.
type seenEntry struct {
	inbound string
}

type pendingAck struct {
	dst      string
	deadline time.Time
}

type parkedSend struct {
	frame      proto.Frame
	deadline   time.Time
	originated bool
}

// Config wires a Router into the rest of the client.
type Config struct {
	Identity string
	RelayTTL int
	Sessions SessionSet
	Deliver  func(Delivery)
	Notify   func(Note)
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Router classifies, deduplicates, forwards, acknowledges and times out
// messages. It owns the seen-set, the route cache and the pending-ACK map;
// sessions and the peer table belong to the orchestrator.
type Router struct {
	identity  string
	namespace string
	relayTTL  int

	sessions SessionSet
	deliver  func(Delivery)
	notify   func(Note)

	clk clock.Clock
	log *zap.Logger
	met *metrics.Metrics

	seen   *expirable.LRU[uint64, seenEntry]
	routes *expirable.LRU[string, string]

	// backtrack maps a relayed unicast's msg_id to the session it arrived
	// on, so the end-to-end ACK can retrace the path hop by hop.
	backtrack *expirable.LRU[string, string]

	mu     sync.Mutex
	acks   map[string]pendingAck
	parked map[string][]parkedSend
}

func New(cfg Config) *Router {
	if cfg.RelayTTL <= 0 {
		cfg.RelayTTL = proto.DefaultRelayTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Router{
		identity:  cfg.Identity,
		namespace: proto.NamespaceOf(cfg.Identity),
		relayTTL:  cfg.RelayTTL,
		sessions:  cfg.Sessions,
		deliver:   cfg.Deliver,
		notify:    cfg.Notify,
		clk:       cfg.Clock,
		log:       cfg.Logger.Named("router"),
		met:       cfg.Metrics,
		seen:      expirable.NewLRU[uint64, seenEntry](SeenCapacity, nil, SeenRetention),
		routes:    expirable.NewLRU[string, string](SeenCapacity, nil, RouteFreshness),
		backtrack: expirable.NewLRU[string, string](SeenCapacity, nil, SeenRetention),
		acks:      make(map[string]pendingAck),
		parked:    make(map[string][]parkedSend),
	}
}

// Run drives the ACK and discovery-window sweeper until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	ticker := r.clk.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(r.clk.Now())
		}
	}
}

func seenKey(src, msgID string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(src)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(msgID)
	return h.Sum64()
}

// markSeen records (src, msg_id) with the inbound session. Reports false
// when the pair was already present.
func (r *Router) markSeen(src, msgID, inbound string) bool {
	key := seenKey(src, msgID)
	if _, ok := r.seen.Get(key); ok {
		return false
	}
	r.seen.Add(key, seenEntry{inbound: inbound})
	return true
}

func (r *Router) seenInbound(src, msgID string) (string, bool) {
	e, ok := r.seen.Get(seenKey(src, msgID))
	if !ok {
		return "", false
	}
	return e.inbound, true
}

// Send originates a unicast. The returned message id identifies the
// eventual ACK or failure Note; immediate errors cover bad destinations and
// a direct or cached next-hop session that refuses the frame (busy or no
// longer open) only.
func (r *Router) Send(dst, payload string) (string, error) {
	kind, _ := proto.ClassifyDst(dst)
	if kind != proto.DstPeer {
		return "", fmt.Errorf("%w: %q is not a peer identity", ErrBadDestination, dst)
	}
	msgID := proto.NewMsgID()
	f := proto.Frame{
		Type:    proto.KindSend,
		MsgID:   msgID,
		Src:     r.identity,
		Dst:     dst,
		Payload: payload,
		TTL:     r.relayTTL,
	}
	r.met.IncSendOriginated()

	if s, ok := r.sessions.Session(dst); ok {
		return msgID, r.sendWithAck(s, f)
	}
	if hop, ok := r.routes.Get(dst); ok {
		if s, ok := r.sessions.Session(hop); ok {
			return msgID, r.sendWithAck(s, f)
		}
		r.routes.Remove(dst)
	}
	r.park(f, true)
	r.floodWhoHas(dst, r.relayTTL, "")
	return msgID, nil
}

// Publish originates a namespace-cast ("#ns") or a global broadcast ("*"):
// one copy per open session, marked in the seen-set so echoes die here.
func (r *Router) Publish(dst, payload string) (string, error) {
	kind, _ := proto.ClassifyDst(dst)
	if kind != proto.DstNamespace && kind != proto.DstBroadcast {
		return "", fmt.Errorf("%w: %q is not a namespace or broadcast", ErrBadDestination, dst)
	}
	msgID := proto.NewMsgID()
	f := proto.Frame{
		Type:    proto.KindPub,
		MsgID:   msgID,
		Src:     r.identity,
		Dst:     dst,
		Payload: payload,
		TTL:     r.relayTTL,
	}
	r.met.IncPubOriginated()
	r.markSeen(r.identity, msgID, "")
	for _, s := range r.sessions.Sessions() {
		if err := s.Enqueue(f); err != nil {
			// Backpressure policy: a PUB copy to a busy session is dropped.
			r.met.IncBusy()
		}
	}
	return msgID, nil
}

func (r *Router) sendWithAck(s *session.Session, f proto.Frame) error {
	r.mu.Lock()
	r.acks[f.MsgID] = pendingAck{dst: f.Dst, deadline: r.clk.Now().Add(AckTimeout)}
	r.mu.Unlock()
	if err := s.Enqueue(f); err != nil {
		r.mu.Lock()
		delete(r.acks, f.MsgID)
		r.mu.Unlock()
		if errors.Is(err, session.ErrBusy) {
			r.met.IncBusy()
		}
		return err
	}
	return nil
}

func (r *Router) park(f proto.Frame, originated bool) {
	r.mu.Lock()
	r.parked[f.Dst] = append(r.parked[f.Dst], parkedSend{
		frame:      f,
		deadline:   r.clk.Now().Add(WhoHasWindow),
		originated: originated,
	})
	r.mu.Unlock()
}

// floodWhoHas emits a fresh discovery probe on every open session except
// the excluded one (split horizon for relayed probes).
func (r *Router) floodWhoHas(dst string, ttl int, exclude string) {
	if ttl <= 0 {
		return
	}
	whoID := proto.NewMsgID()
	r.markSeen(r.identity, whoID, "")
	f := proto.Frame{Type: proto.KindWhoHas, MsgID: whoID, Src: r.identity, Dst: dst, TTL: ttl}
	for _, s := range r.sessions.Sessions() {
		if s.RemoteIdentity() == exclude {
			continue
		}
		_ = s.Enqueue(f)
	}
}

// HandleFrame dispatches one inbound frame. It runs on the session reader
// goroutine and must stay non-blocking.
func (r *Router) HandleFrame(s *session.Session, f proto.Frame) {
	switch f.Type {
	case proto.KindSend:
		r.handleSend(s, f)
	case proto.KindAck:
		r.handleAck(f)
	case proto.KindPub:
		r.handlePub(s, f)
	case proto.KindWhoHas:
		r.handleWhoHas(s, f)
	case proto.KindWhoHasHit:
		r.handleWhoHasHit(s, f)
	case proto.KindError:
		r.handleError(s, f)
	default:
		r.log.Debug("unhandled frame kind", zap.String("type", f.Type), zap.String("from", s.RemoteIdentity()))
	}
}

func (r *Router) handleSend(s *session.Session, f proto.Frame) {
	if f.Dst == r.identity {
		// End-to-end ACK; delivery stays idempotent across duplicate paths.
		fresh := r.markSeen(f.Src, f.MsgID, s.RemoteIdentity())
		_ = s.Enqueue(proto.Frame{Type: proto.KindAck, Ref: f.MsgID})
		if fresh && r.deliver != nil {
			r.met.IncDelivered()
			r.deliver(Delivery{Src: f.Src, Dst: f.Dst, Payload: f.Payload})
		}
		return
	}
	if !r.markSeen(f.Src, f.MsgID, s.RemoteIdentity()) {
		r.met.IncDropDuplicate()
		return
	}
	f.TTL--
	if f.TTL <= 0 {
		r.met.IncDropTTL()
		_ = s.Enqueue(proto.Frame{Type: proto.KindError, Code: proto.CodeTTLExpired, Ref: f.MsgID})
		return
	}
	r.backtrack.Add(f.MsgID, s.RemoteIdentity())
	r.forwardUnicast(s.RemoteIdentity(), f)
}

func (r *Router) forwardUnicast(inbound string, f proto.Frame) {
	if s, ok := r.sessions.Session(f.Dst); ok && s.RemoteIdentity() != inbound {
		r.met.IncRelayed()
		_ = s.Enqueue(f)
		return
	}
	if hop, ok := r.routes.Get(f.Dst); ok && hop != inbound {
		if s, ok := r.sessions.Session(hop); ok {
			r.met.IncRelayed()
			_ = s.Enqueue(f)
			return
		}
		r.routes.Remove(f.Dst)
	}
	r.park(f, false)
	r.floodWhoHas(f.Dst, f.TTL, inbound)
}

func (r *Router) handlePub(s *session.Session, f proto.Frame) {
	if !r.markSeen(f.Src, f.MsgID, s.RemoteIdentity()) {
		r.met.IncDropDuplicate()
		return
	}
	kind, ns := proto.ClassifyDst(f.Dst)
	if r.deliver != nil && (kind == proto.DstBroadcast || (kind == proto.DstNamespace && ns == r.namespace)) {
		r.met.IncDelivered()
		r.deliver(Delivery{Src: f.Src, Dst: f.Dst, Payload: f.Payload})
	}
	f.TTL--
	if f.TTL <= 0 {
		r.met.IncDropTTL()
		return
	}
	inbound := s.RemoteIdentity()
	forwarded := false
	for _, sess := range r.sessions.Sessions() {
		if sess.RemoteIdentity() == inbound {
			continue
		}
		if err := sess.Enqueue(f); err != nil {
			r.met.IncBusy()
			continue
		}
		forwarded = true
	}
	if forwarded {
		r.met.IncRelayed()
	}
}

func (r *Router) handleWhoHas(s *session.Session, f proto.Frame) {
	if f.Dst == r.identity {
		_ = s.Enqueue(proto.Frame{
			Type:  proto.KindWhoHasHit,
			MsgID: f.MsgID,
			Src:   f.Src,
			Dst:   f.Dst,
			Via:   r.identity,
			TTL:   f.TTL,
		})
		return
	}
	if !r.markSeen(f.Src, f.MsgID, s.RemoteIdentity()) {
		r.met.IncDropDuplicate()
		return
	}
	f.TTL--
	if f.TTL <= 0 {
		r.met.IncDropTTL()
		return
	}
	inbound := s.RemoteIdentity()
	for _, sess := range r.sessions.Sessions() {
		if sess.RemoteIdentity() == inbound {
			continue
		}
		_ = sess.Enqueue(f)
	}
}

// handleWhoHasHit learns the route and either completes parked sends (we
// asked) or retraces the probe's reverse path recorded in the seen-set.
func (r *Router) handleWhoHasHit(s *session.Session, f proto.Frame) {
	r.routes.Add(f.Dst, s.RemoteIdentity())
	if f.Src == r.identity {
		r.completeParked(f.Dst)
		return
	}
	inbound, ok := r.seenInbound(f.Src, f.MsgID)
	if !ok || inbound == "" {
		return
	}
	if sess, ok := r.sessions.Session(inbound); ok {
		_ = sess.Enqueue(f)
	}
}

func (r *Router) completeParked(dst string) {
	r.mu.Lock()
	sends := r.parked[dst]
	delete(r.parked, dst)
	r.mu.Unlock()
	if len(sends) == 0 {
		return
	}
	hop, ok := r.routes.Get(dst)
	var sess *session.Session
	if ok {
		sess, ok = r.sessions.Session(hop)
	}
	for _, ps := range sends {
		if !ok {
			if ps.originated {
				r.failSend(ps.frame.MsgID, dst, proto.CodeNoRoute)
			}
			continue
		}
		if ps.originated {
			if err := r.sendWithAck(sess, ps.frame); err != nil {
				r.failSend(ps.frame.MsgID, dst, proto.CodeBusy)
			}
			continue
		}
		r.met.IncRelayed()
		_ = sess.Enqueue(ps.frame)
	}
}

func (r *Router) handleAck(f proto.Frame) {
	r.mu.Lock()
	pa, ok := r.acks[f.Ref]
	if ok {
		delete(r.acks, f.Ref)
	}
	r.mu.Unlock()
	if !ok {
		// Not ours: retrace a relayed unicast's path toward its origin.
		if inbound, found := r.backtrack.Get(f.Ref); found {
			r.backtrack.Remove(f.Ref)
			if sess, up := r.sessions.Session(inbound); up {
				_ = sess.Enqueue(f)
			}
		}
		return
	}
	r.met.IncAckReceived()
	if r.notify != nil {
		r.notify(Note{Code: "ack", MsgID: f.Ref, Peer: pa.dst})
	}
}

func (r *Router) handleError(s *session.Session, f proto.Frame) {
	r.log.Debug("peer error frame",
		zap.String("from", s.RemoteIdentity()),
		zap.String("code", f.Code),
		zap.String("ref", f.Ref))
	if f.Ref == "" {
		return
	}
	r.mu.Lock()
	pa, ok := r.acks[f.Ref]
	if ok {
		delete(r.acks, f.Ref)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if r.notify != nil {
		r.notify(Note{Code: f.Code, MsgID: f.Ref, Peer: pa.dst, Detail: f.Detail})
	}
}

func (r *Router) failSend(msgID, dst, code string) {
	switch code {
	case proto.CodeNoRoute:
		r.met.IncNoRoute()
	case proto.CodeBusy:
		r.met.IncBusy()
	}
	if r.notify != nil {
		r.notify(Note{Code: code, MsgID: msgID, Peer: dst})
	}
}

// sweep expires pending ACKs and discovery windows.
func (r *Router) sweep(now time.Time) {
	var timedOut []Note
	var noRoute []parkedSend

	r.mu.Lock()
	for id, pa := range r.acks {
		if now.After(pa.deadline) {
			delete(r.acks, id)
			timedOut = append(timedOut, Note{Code: proto.CodeAckTimeout, MsgID: id, Peer: pa.dst})
		}
	}
	for dst, sends := range r.parked {
		keep := sends[:0]
		for _, ps := range sends {
			if now.After(ps.deadline) {
				noRoute = append(noRoute, ps)
				continue
			}
			keep = append(keep, ps)
		}
		if len(keep) == 0 {
			delete(r.parked, dst)
		} else {
			r.parked[dst] = keep
		}
	}
	r.mu.Unlock()

	for _, n := range timedOut {
		r.met.IncAckTimeout()
		if r.notify != nil {
			r.notify(n)
		}
	}
	for _, ps := range noRoute {
		if ps.originated {
			r.failSend(ps.frame.MsgID, ps.frame.Dst, proto.CodeNoRoute)
		}
	}
}

// DropRoutesVia invalidates cache entries that point through a session that
// just closed.
func (r *Router) DropRoutesVia(identity string) {
	for _, dst := range r.routes.Keys() {
		if hop, ok := r.routes.Get(dst); ok && hop == identity {
			r.routes.Remove(dst)
		}
	}
}

// PendingAcks reports the number of in-flight unicasts, for /conn.
func (r *Router) PendingAcks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acks)
}
