// internal/daemon/daemon.go
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/taskgroup"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"p2pchat/internal/config"
	"p2pchat/internal/metrics"
	"p2pchat/internal/peer"
	"p2pchat/internal/proto"
	"p2pchat/internal/rendezvous"
	"p2pchat/internal/router"
	"p2pchat/internal/session"
)

const (
	reconcileInterval  = 30 * time.Second
	maxConcurrentDials = 8
	maxBackoff         = 5 * time.Minute
	shutdownBudget     = 5 * time.Second

	// Every fourth discovery tick also asks for all namespaces.
	wildcardEvery = 4
)

// registerRetryBackoff is a variable so tests can shrink it.
var registerRetryBackoff = 30 * time.Second

// Options carries the injectable collaborators of a Daemon.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Deliver func(router.Delivery)
	Notify  func(router.Note)
}

// Daemon owns the peer table and the session set, and runs the discovery
// worker, the connection reconciler and the reconnect scheduler.
type Daemon struct {
	cfg      config.Config
	identity string
	log      *zap.Logger
	met      *metrics.Metrics
	clk      clock.Clock

	table  *peer.Table
	dir    *rendezvous.Client
	router *router.Router

	mu         sync.Mutex
	sessions   map[string]*session.Session
	registered bool

	listener *session.Listener
	tasks    *taskgroup.Group
	cancel   context.CancelFunc
	dialSem  *semaphore.Weighted
	kick     chan struct{}
	closing  atomic.Bool
}

func New(cfg config.Config, opts Options) *Daemon {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	d := &Daemon{
		cfg:      cfg,
		identity: cfg.Identity(),
		log:      opts.Logger.Named("daemon"),
		met:      opts.Metrics,
		clk:      opts.Clock,
		table:    peer.NewTable(),
		dir:      rendezvous.NewClient(cfg.RendezvousAddr(), opts.Logger),
		sessions: make(map[string]*session.Session),
		dialSem:  semaphore.NewWeighted(maxConcurrentDials),
		kick:     make(chan struct{}, 1),
	}
	d.router = router.New(router.Config{
		Identity: d.identity,
		RelayTTL: cfg.RelayTTL,
		Sessions: d,
		Deliver:  opts.Deliver,
		Notify:   opts.Notify,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	return d
}

// Session implements router.SessionSet.
func (d *Daemon) Session(identity string) (*session.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[identity]
	if !ok || s.State() != session.StateOpen {
		return nil, false
	}
	return s, true
}

// Sessions implements router.SessionSet.
func (d *Daemon) Sessions() []*session.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		if s.State() == session.StateOpen {
			out = append(out, s)
		}
	}
	return out
}

func (d *Daemon) Router() *router.Router {
	return d.router
}

func (d *Daemon) Identity() string {
	return d.identity
}

func (d *Daemon) PeerSnapshot() []peer.Peer {
	return d.table.Snapshot()
}

func (d *Daemon) PeerStats() map[string]int {
	return d.table.Stats()
}

func (d *Daemon) sessionConfig() session.Config {
	return session.Config{
		LocalIdentity: d.identity,
		Features:      []string{proto.FeatureRelay, proto.FeatureNamespace},
		PingInterval:  d.cfg.PingInterval(),
		QueueSize:     session.DefaultQueueSize,
		Clock:         d.clk,
		Logger:        d.log,
	}
}

// Start brings the listener up, registers with the directory, then launches
// the workers. The rendezvous contract requires REGISTER to succeed before
// the first DISCOVER.
func (d *Daemon) Start(ctx context.Context) error {
	ln, err := session.Listen(d.cfg.ListenAddr(), d.sessionConfig(), d.onInbound)
	if err != nil {
		return err
	}
	d.listener = ln
	d.log.Info("listening for peers", zap.String("addr", ln.Addr().String()))

	if err := d.register(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	g := taskgroup.New(nil)
	d.tasks = g
	g.Go(func() error { return d.listener.Run(wctx) })
	g.Go(func() error { return d.router.Run(wctx) })
	g.Go(func() error { d.discoveryLoop(wctx); return nil })
	g.Go(func() error { d.reconcileLoop(wctx); return nil })

	// Prime the peer table right away instead of waiting a full tick.
	d.discoverOnce(wctx, true)
	d.Reconnect()
	return nil
}

// register retries transient failures with a 30 s backoff; validation
// rejections are fatal to startup.
func (d *Daemon) register(ctx context.Context) error {
	for {
		_, err := d.dir.Register(ctx, d.cfg.Name, d.cfg.Namespace, d.cfg.ListenPort, d.cfg.TTLSeconds)
		if err == nil {
			d.mu.Lock()
			d.registered = true
			d.mu.Unlock()
			return nil
		}
		var dirErr *rendezvous.DirectoryError
		if errors.As(err, &dirErr) && dirErr.IsValidation() {
			return fmt.Errorf("register rejected: %w", err)
		}
		wait := registerRetryBackoff
		if errors.Is(err, rendezvous.ErrRateLimited) {
			if held := d.dir.HeldFor(); held > wait {
				wait = held
			}
		}
		d.log.Warn("register failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clk.After(wait):
		}
	}
}

func (d *Daemon) discoveryLoop(ctx context.Context) {
	ticker := d.clk.Ticker(d.cfg.DiscoveryInterval())
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			d.discoverOnce(ctx, tick%wildcardEvery == 0)
			d.Reconnect()
		}
	}
}

// discoverOnce reconciles the peer table with one directory snapshot. On
// non-wildcard ticks only the local namespace is fresh, so peers from other
// realms are exempt from the missing-peer hysteresis.
func (d *Daemon) discoverOnce(ctx context.Context, wildcard bool) {
	if held := d.dir.HeldFor(); held > 0 {
		d.log.Debug("directory held off", zap.Duration("remaining", held))
		return
	}
	namespace := d.cfg.Namespace
	if wildcard {
		namespace = ""
	}
	records, err := d.dir.Discover(ctx, namespace)
	if err != nil {
		d.log.Warn("discover failed", zap.Error(err))
		return
	}
	present := make(map[string]struct{}, len(records))
	fresh := 0
	for _, rec := range records {
		id := rec.Identity()
		if id == d.identity {
			continue
		}
		present[id] = struct{}{}
		if d.table.UpsertFromDirectory(peer.DirectoryRecord{
			Name:      rec.Name,
			Namespace: rec.Namespace,
			IP:        rec.IP,
			Port:      rec.Port,
			TTL:       rec.TTL,
			ExpiresIn: rec.ExpiresIn,
		}) {
			fresh++
			d.log.Info("peer discovered", zap.String("peer", id),
				zap.String("addr", net.JoinHostPort(rec.IP, strconv.Itoa(rec.Port))))
		}
	}
	if !wildcard {
		for _, p := range d.table.Snapshot() {
			if p.Namespace != d.cfg.Namespace {
				present[p.Identity] = struct{}{}
			}
		}
	}
	for _, id := range d.table.MarkMissingAsStale(present) {
		d.log.Info("peer missing from directory", zap.String("peer", id))
		d.closeSessionFor(id, session.ReasonShutdown)
	}
	if fresh > 0 {
		d.log.Info("discovery round", zap.Int("new", fresh), zap.Int("records", len(records)))
	}
}

func (d *Daemon) reconcileLoop(ctx context.Context) {
	ticker := d.clk.Ticker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reconcileOnce(ctx)
		case <-d.kick:
			d.reconcileOnce(ctx)
		}
	}
}

// Reconnect asks the reconciler to run now, as /reconnect does.
func (d *Daemon) Reconnect() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Daemon) reconcileOnce(ctx context.Context) {
	now := d.clk.Now()
	for _, p := range d.table.Due(now) {
		if d.sessionCount() >= d.cfg.MaxSessions {
			return
		}
		if _, ok := d.Session(p.Identity); ok {
			continue
		}
		if !d.dialSem.TryAcquire(1) {
			return
		}
		go d.dialPeer(ctx, p)
	}
}

func (d *Daemon) dialPeer(ctx context.Context, p peer.Peer) {
	defer d.dialSem.Release(1)
	d.met.IncDialAttempts()
	d.table.SetStatus(p.Identity, peer.StatusConnecting)
	addr := net.JoinHostPort(p.Addr, strconv.Itoa(p.Port))
	s, err := session.Dial(ctx, addr, d.sessionConfig())
	if err != nil {
		d.met.IncDialFailures()
		d.log.Debug("dial failed", zap.String("peer", p.Identity), zap.String("addr", addr), zap.Error(err))
		d.table.SetStatus(p.Identity, peer.StatusStale)
		d.scheduleRetry(p.Identity)
		return
	}
	if s.RemoteIdentity() != p.Identity {
		d.log.Warn("peer identity mismatch",
			zap.String("expected", p.Identity), zap.String("got", s.RemoteIdentity()))
	}
	d.adoptSession(s)
}

// scheduleRetry arms the exponential backoff for the next outbound attempt
// and retires the peer to FAILED once the attempt cap is reached.
func (d *Daemon) scheduleRetry(id string) {
	p, ok := d.table.Lookup(id)
	if !ok {
		return
	}
	delay := backoffDelay(d.cfg.ReconnectBackoffBase(), p.ReconnectAttempts)
	attempts := d.table.RecordAttempt(id, d.clk.Now().Add(delay))
	if attempts >= d.cfg.MaxReconnectAttempts {
		d.log.Info("peer failed after max reconnect attempts",
			zap.String("peer", id), zap.Int("attempts", attempts))
		d.table.SetStatus(id, peer.StatusFailed)
		return
	}
	d.log.Debug("reconnect scheduled",
		zap.String("peer", id), zap.Int("attempts", attempts), zap.Duration("delay", delay))
}

// backoffDelay is base << attempts clamped to the five minute ceiling.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts > 30 {
		attempts = 30
	}
	delay := base << attempts
	if delay > maxBackoff || delay <= 0 {
		return maxBackoff
	}
	return delay
}

func (d *Daemon) onInbound(s *session.Session) {
	d.adoptSession(s)
}

// adoptSession installs one open session, resolving the dual-connect race:
// the surviving session is the one whose outbound direction came from the
// lexicographically smaller identity.
func (d *Daemon) adoptSession(s *session.Session) {
	remote := s.RemoteIdentity()
	if remote == d.identity {
		s.Close(session.ReasonDuplicate)
		return
	}
	if d.closing.Load() {
		s.Close(session.ReasonShutdown)
		return
	}

	d.mu.Lock()
	existing, ok := d.sessions[remote]
	if ok && existing.State() == session.StateOpen && existing != s {
		winner := d.pickDuplicate(existing, s)
		if winner == existing {
			d.mu.Unlock()
			d.met.IncDuplicateResolved()
			d.log.Debug("duplicate session dropped", zap.String("peer", remote))
			s.Close(session.ReasonDuplicate)
			return
		}
		d.sessions[remote] = s
		d.mu.Unlock()
		d.met.IncDuplicateResolved()
		d.log.Debug("duplicate session replaced", zap.String("peer", remote))
		existing.Close(session.ReasonDuplicate)
	} else {
		if len(d.sessions) >= d.cfg.MaxSessions {
			d.mu.Unlock()
			d.log.Warn("session cap reached, refusing peer", zap.String("peer", remote))
			s.Close(session.ReasonShutdown)
			return
		}
		d.sessions[remote] = s
		d.mu.Unlock()
	}

	d.met.IncSessionsOpened()
	d.table.SetStatus(remote, peer.StatusConnected)
	d.log.Info("session open",
		zap.String("peer", remote),
		zap.Bool("outbound", s.Outbound()),
		zap.Strings("features", s.Features()))
	s.Start(d.router.HandleFrame, d.onRTT, d.onSessionClosed)
}

// pickDuplicate returns the session to keep out of two open sessions with
// the same remote identity.
func (d *Daemon) pickDuplicate(existing, candidate *session.Session) *session.Session {
	remote := candidate.RemoteIdentity()
	smaller := d.identity
	if remote < smaller {
		smaller = remote
	}
	originator := func(s *session.Session) string {
		if s.Outbound() {
			return d.identity
		}
		return s.RemoteIdentity()
	}
	if originator(existing) == smaller {
		return existing
	}
	if originator(candidate) == smaller {
		return candidate
	}
	return existing
}

func (d *Daemon) onRTT(s *session.Session, sample time.Duration) {
	d.table.RecordRTT(s.RemoteIdentity(), sample)
}

func (d *Daemon) onSessionClosed(s *session.Session, reason string) {
	remote := s.RemoteIdentity()
	d.met.IncSessionsClosed()
	if reason == session.ReasonKeepalive {
		d.met.IncKeepaliveClosed()
	}

	d.mu.Lock()
	cur, ok := d.sessions[remote]
	if !ok || cur != s {
		// Superseded by a duplicate-resolution replacement; the live
		// session owns the peer state.
		d.mu.Unlock()
		return
	}
	delete(d.sessions, remote)
	d.mu.Unlock()

	d.router.DropRoutesVia(remote)
	if d.closing.Load() {
		return
	}
	d.log.Info("session closed", zap.String("peer", remote), zap.String("reason", reason))
	d.table.SetStatus(remote, peer.StatusStale)
	if !session.Graceful(reason) {
		d.scheduleRetry(remote)
	}
}

func (d *Daemon) closeSessionFor(id, reason string) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if ok {
		s.Close(reason)
	}
}

func (d *Daemon) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// SessionInfo is one row of /conn and /rtt output.
type SessionInfo struct {
	Identity string
	State    string
	Outbound bool
	Addr     string
	RTT      time.Duration
	HasRTT   bool
}

func (d *Daemon) SessionSnapshot() []SessionInfo {
	d.mu.Lock()
	sessions := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := SessionInfo{
			Identity: s.RemoteIdentity(),
			State:    s.State().String(),
			Outbound: s.Outbound(),
			Addr:     s.RemoteAddr().String(),
		}
		if p, ok := d.table.Lookup(s.RemoteIdentity()); ok {
			info.RTT = p.RTT
			info.HasRTT = p.HasRTT
		}
		out = append(out, info)
	}
	return out
}

// Shutdown drains a BYE on every session, sends exactly one UNREGISTER and
// force-closes whatever remains, all within the five second budget.
func (d *Daemon) Shutdown() error {
	if !d.closing.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	d.mu.Lock()
	sessions := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	registered := d.registered
	d.mu.Unlock()

	for _, s := range sessions {
		s.Close(session.ReasonShutdown)
	}

	var errs error
	if registered {
		if err := d.dir.Unregister(ctx, d.cfg.Name, d.cfg.Namespace, d.cfg.ListenPort); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unregister: %w", err))
		}
		d.mu.Lock()
		d.registered = false
		d.mu.Unlock()
	}

	if d.cancel != nil {
		d.cancel()
	}
	if d.listener != nil {
		_ = d.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		if d.tasks != nil {
			d.tasks.Wait()
		}
		for _, s := range sessions {
			s.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("shutdown budget exceeded"))
	}
	return errs
}
