// internal/session/session.go
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"

	"p2pchat/internal/proto"
)

// State is the lifecycle of one session. Closed is absorbing; reconnecting
// always builds a fresh Session.
type State int32

const (
	StateNew State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "NEW"
	}
}

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultQueueSize        = 256

	// maxOutstandingPings intervals without a matching PONG close the session.
	maxOutstandingPings = 3

	writeTimeout  = 10 * time.Second
	byeTimeout    = time.Second
	badFrameLimit = 3
	badFrameSpan  = 10 * time.Second
)

var (
	ErrBusy      = errors.New(proto.CodeBusy)
	ErrNotOpen   = errors.New("session not open")
	ErrHandshake = errors.New("handshake failed")
)

// Close reasons passed to the OnClose callback. The "bye:" prefix marks a
// remote-initiated close carrying the peer's reason.
const (
	ReasonShutdown  = "shutdown"
	ReasonDuplicate = "duplicate"
	ReasonKeepalive = proto.CodeKeepalive
	ReasonProtocol  = "protocol_error"
	ReasonIO        = "io_error"
	ByePrefix       = "bye:"
)

// Config carries the per-session tunables. Zero values pick the defaults.
type Config struct {
	LocalIdentity    string
	Features         []string
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	QueueSize        int
	Clock            clock.Clock
	Logger           *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Session is one persistent framed TCP conversation with a remote peer. The
// reader and writer run independently; the writer drains a bounded queue so
// a slow peer never blocks inbound delivery.
type Session struct {
	cfg      Config
	conn     net.Conn
	br       *bufio.Reader
	remote   string
	features []string
	outbound bool

	state atomic.Int32
	out   chan proto.Frame

	onFrame func(*Session, proto.Frame)
	onRTT   func(*Session, time.Duration)
	onClose func(*Session, string)

	tasks  *taskgroup.Group
	cancel context.CancelFunc

	// wmu serializes the writer goroutine and the direct error-path
	// writes so frames never interleave on the wire.
	wmu sync.Mutex

	mu          sync.Mutex
	pings       map[string]time.Time
	badFrames   []time.Time
	closeReason string

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn net.Conn, cfg Config, outbound bool) *Session {
	return &Session{
		cfg:      cfg,
		conn:     conn,
		br:       bufio.NewReader(conn),
		outbound: outbound,
		out:      make(chan proto.Frame, cfg.QueueSize),
		pings:    make(map[string]time.Time),
		done:     make(chan struct{}),
	}
}

// Dial opens an outbound session: TCP connect plus HELLO/HELLO_OK, both
// bounded by the handshake timeout.
func Dial(ctx context.Context, addr string, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	d := net.Dialer{Timeout: cfg.HandshakeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	s, err := Outbound(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Outbound performs the initiator side of the handshake on an established
// connection.
func Outbound(conn net.Conn, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	s := newSession(conn, cfg, true)
	s.state.Store(int32(StateHandshaking))
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello := proto.Frame{Type: proto.KindHello, Identity: cfg.LocalIdentity, Features: cfg.Features}
	if err := proto.WriteFrame(conn, hello); err != nil {
		return nil, fmt.Errorf("%w: write hello: %v", ErrHandshake, err)
	}
	reply, err := s.readHandshakeFrame()
	if err != nil {
		return nil, err
	}
	switch reply.Type {
	case proto.KindHelloOK:
		if _, _, err := proto.ParseIdentity(reply.Identity); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		s.remote = reply.Identity
		s.features = proto.IntersectFeatures(cfg.Features, reply.Features)
	case proto.KindError:
		return nil, fmt.Errorf("%w: refused: %s", ErrHandshake, reply.Code)
	default:
		return nil, fmt.Errorf("%w: unexpected %s", ErrHandshake, reply.Type)
	}
	s.state.Store(int32(StateOpen))
	return s, nil
}

// Inbound performs the responder side of the handshake on an accepted
// connection.
func Inbound(conn net.Conn, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	s := newSession(conn, cfg, false)
	s.state.Store(int32(StateHandshaking))
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello, err := s.readHandshakeFrame()
	if err != nil {
		if errors.Is(err, proto.ErrLineTooLong) {
			_ = proto.WriteFrame(conn, proto.Frame{Type: proto.KindError, Code: proto.CodeLineTooLong, Limit: proto.MaxLineBytes})
		} else if errors.Is(err, proto.ErrInvalidJSON) {
			_ = proto.WriteFrame(conn, proto.Frame{Type: proto.KindError, Code: proto.CodeInvalidJSON})
		}
		return nil, err
	}
	if hello.Type != proto.KindHello {
		_ = proto.WriteFrame(conn, proto.Frame{Type: proto.KindError, Code: proto.CodeBadFormat, Detail: "expected HELLO"})
		return nil, fmt.Errorf("%w: first frame %s", ErrHandshake, hello.Type)
	}
	if _, _, err := proto.ParseIdentity(hello.Identity); err != nil {
		_ = proto.WriteFrame(conn, proto.Frame{Type: proto.KindError, Code: proto.CodeBadFormat, Detail: "bad identity"})
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	s.remote = hello.Identity
	s.features = proto.IntersectFeatures(cfg.Features, hello.Features)
	ok := proto.Frame{Type: proto.KindHelloOK, Identity: cfg.LocalIdentity, Features: cfg.Features}
	if err := proto.WriteFrame(conn, ok); err != nil {
		return nil, fmt.Errorf("%w: write hello_ok: %v", ErrHandshake, err)
	}
	s.state.Store(int32(StateOpen))
	return s, nil
}

func (s *Session) readHandshakeFrame() (proto.Frame, error) {
	line, err := proto.ReadLine(s.br)
	if err != nil {
		if errors.Is(err, proto.ErrLineTooLong) {
			return proto.Frame{}, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		return proto.Frame{}, fmt.Errorf("%w: read: %v", ErrHandshake, err)
	}
	f, err := proto.DecodeFrame(line)
	if err != nil {
		return proto.Frame{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return f, nil
}

// Start launches the reader, writer and keep-alive activities. Callbacks
// run on session goroutines and must not block for long; onClose fires
// exactly once.
func (s *Session) Start(onFrame func(*Session, proto.Frame), onRTT func(*Session, time.Duration), onClose func(*Session, string)) {
	s.onFrame = onFrame
	s.onRTT = onRTT
	s.onClose = onClose

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g := taskgroup.New(nil)
	s.tasks = g
	g.Go(func() error { s.readLoop(); return nil })
	g.Go(func() error { s.writeLoop(ctx); return nil })
	g.Go(func() error { s.keepaliveLoop(ctx); return nil })
}

func (s *Session) readLoop() {
	for {
		line, err := proto.ReadLine(s.br)
		if err != nil {
			switch {
			case errors.Is(err, proto.ErrLineTooLong):
				s.writeDirect(proto.Frame{Type: proto.KindError, Code: proto.CodeLineTooLong, Limit: proto.MaxLineBytes})
				s.closeWith(proto.CodeLineTooLong)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				s.closeWith(ReasonIO)
			default:
				s.closeWith(ReasonIO)
			}
			return
		}
		f, err := proto.DecodeFrame(line)
		if err != nil {
			s.writeDirect(proto.Frame{Type: proto.KindError, Code: proto.CodeInvalidJSON})
			if s.recordBadFrame() {
				s.closeWith(ReasonProtocol)
				return
			}
			continue
		}
		if s.handleControl(f) {
			continue
		}
		if s.onFrame != nil {
			s.onFrame(s, f)
		}
	}
}

// handleControl consumes PING/PONG/BYE inline; everything else goes up.
func (s *Session) handleControl(f proto.Frame) bool {
	switch f.Type {
	case proto.KindPing:
		// Reply on the normal queue; a full queue loses the pong and the
		// peer accounts it as a missed interval.
		_ = s.Enqueue(proto.Frame{Type: proto.KindPong, Nonce: f.Nonce})
		return true
	case proto.KindPong:
		s.mu.Lock()
		sentAt, ok := s.pings[f.Nonce]
		if ok {
			s.pings = make(map[string]time.Time)
		}
		s.mu.Unlock()
		if ok && s.onRTT != nil {
			s.onRTT(s, s.cfg.Clock.Now().Sub(sentAt))
		}
		return true
	case proto.KindBye:
		s.closeWith(ByePrefix + f.Reason)
		return true
	}
	return false
}

// recordBadFrame reports whether the third undecodable frame arrived within
// the offense window.
func (s *Session) recordBadFrame() bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := s.badFrames[:0]
	for _, ts := range s.badFrames {
		if now.Sub(ts) < badFrameSpan {
			keep = append(keep, ts)
		}
	}
	s.badFrames = append(keep, now)
	return len(s.badFrames) >= badFrameLimit
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.out:
			s.wmu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := proto.WriteFrame(s.conn, f)
			s.wmu.Unlock()
			if err != nil {
				s.closeWith(ReasonIO)
				return
			}
		}
	}
}

func (s *Session) keepaliveLoop(ctx context.Context) {
	s.sendPing()
	ticker := s.cfg.Clock.Ticker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			outstanding := len(s.pings)
			s.mu.Unlock()
			if outstanding >= maxOutstandingPings {
				s.cfg.Logger.Debug("keepalive timeout",
					zap.String("peer", s.remote), zap.Int("outstanding", outstanding))
				s.closeWith(ReasonKeepalive)
				return
			}
			s.sendPing()
		}
	}
}

func (s *Session) sendPing() {
	nonce := proto.NewNonce()
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	s.pings[nonce] = now
	s.mu.Unlock()
	_ = s.Enqueue(proto.Frame{Type: proto.KindPing, Nonce: nonce, TSend: now.UnixMilli()})
}

// Enqueue submits one frame to the writer. The queue is bounded; overflow
// returns ErrBusy without closing the session.
func (s *Session) Enqueue(f proto.Frame) error {
	if s.State() != StateOpen {
		return ErrNotOpen
	}
	select {
	case s.out <- f:
		return nil
	default:
		return ErrBusy
	}
}

// writeDirect bypasses the queue for error frames emitted on the read path.
func (s *Session) writeDirect(f proto.Frame) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(byeTimeout))
	_ = proto.WriteFrame(s.conn, f)
}

// Close tears the session down with the given reason. Safe to call from any
// goroutine, any number of times.
func (s *Session) Close(reason string) {
	s.closeWith(reason)
}

func (s *Session) closeWith(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		if sendsBye(reason) {
			_ = s.conn.SetWriteDeadline(time.Now().Add(byeTimeout))
			_ = proto.WriteFrame(s.conn, proto.Frame{Type: proto.KindBye, Reason: byeReason(reason)})
		}
		_ = s.conn.Close()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		s.state.Store(int32(StateClosed))
		close(s.done)
		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}

// sendsBye reports whether a close reason is local-initiated and should
// drain a best-effort BYE to the peer.
func sendsBye(reason string) bool {
	switch reason {
	case ReasonIO:
		return false
	}
	return !isRemoteBye(reason)
}

func isRemoteBye(reason string) bool {
	return len(reason) > len(ByePrefix) && reason[:len(ByePrefix)] == ByePrefix
}

// Graceful reports whether a close reason should suppress reconnect
// scheduling.
func Graceful(reason string) bool {
	switch reason {
	case ReasonShutdown, ReasonDuplicate:
		return true
	case ByePrefix + "shutdown", ByePrefix + ReasonDuplicate:
		return true
	}
	return false
}

func byeReason(reason string) string {
	if reason == ReasonKeepalive {
		return "keepalive"
	}
	return reason
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) RemoteIdentity() string {
	return s.remote
}

func (s *Session) Features() []string {
	return s.features
}

// Outbound reports whether the local peer initiated this session.
func (s *Session) Outbound() bool {
	return s.outbound
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Done closes when the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until every session goroutine has exited.
func (s *Session) Wait() {
	if s.tasks != nil {
		s.tasks.Wait()
	}
}
