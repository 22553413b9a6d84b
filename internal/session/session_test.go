package session

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"

	"p2pchat/internal/proto"
)

func testConfig(identity string) Config {
	return Config{
		LocalIdentity:    identity,
		Features:         []string{proto.FeatureRelay, proto.FeatureNamespace},
		HandshakeTimeout: 2 * time.Second,
	}
}

// rawPeer drives the remote end of a pipe by hand: answers the handshake,
// then feeds every decoded frame to handle (nil handle discards).
func rawPeer(t *testing.T, conn net.Conn, identity string, handle func(proto.Frame, net.Conn)) {
	t.Helper()
	go func() {
		br := bufio.NewReader(conn)
		line, err := proto.ReadLine(br)
		if err != nil {
			return
		}
		f, err := proto.DecodeFrame(line)
		if err != nil || f.Type != proto.KindHello {
			return
		}
		_ = proto.WriteFrame(conn, proto.Frame{Type: proto.KindHelloOK, Identity: identity, Features: f.Features})
		for {
			line, err := proto.ReadLine(br)
			if err != nil {
				return
			}
			f, err := proto.DecodeFrame(line)
			if err != nil {
				continue
			}
			if handle != nil {
				handle(f, conn)
			}
		}
	}()
}

func TestHandshakePipe(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var (
		sb  *Session
		err2 error
		wg  sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sb, err2 = Inbound(b, testConfig("bob@CIC"))
	}()
	sa, err := Outbound(a, testConfig("alice@CIC"))
	wg.Wait()
	if err != nil || err2 != nil {
		t.Fatalf("handshake: %v / %v", err, err2)
	}
	if sa.RemoteIdentity() != "bob@CIC" || sb.RemoteIdentity() != "alice@CIC" {
		t.Fatalf("identities: %s / %s", sa.RemoteIdentity(), sb.RemoteIdentity())
	}
	if sa.State() != StateOpen || sb.State() != StateOpen {
		t.Fatalf("states: %v / %v", sa.State(), sb.State())
	}
	if !sa.Outbound() || sb.Outbound() {
		t.Fatalf("direction flags wrong")
	}
	if len(sa.Features()) != 2 {
		t.Fatalf("negotiated features: %v", sa.Features())
	}
}

func TestHandshakeRefusedByError(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		br := bufio.NewReader(b)
		_, _ = proto.ReadLine(br)
		_ = proto.WriteFrame(b, proto.Frame{Type: proto.KindError, Code: proto.CodeUnauthorized})
	}()
	if _, err := Outbound(a, testConfig("alice@CIC")); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected handshake refusal, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	cfg := testConfig("alice@CIC")
	cfg.HandshakeTimeout = 50 * time.Millisecond
	start := time.Now()
	if _, err := Inbound(a, cfg); err == nil {
		t.Fatalf("expected timeout with silent client")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took too long")
	}
}

func TestEnqueueBusy(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	cfg := testConfig("alice@CIC")
	cfg.QueueSize = 1
	rawPeer(t, b, "bob@CIC", nil)
	sa, err := Outbound(a, cfg)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	// Writer not started: the queue holds exactly one frame.
	if err := sa.Enqueue(proto.Frame{Type: proto.KindSend, MsgID: "1"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := sa.Enqueue(proto.Frame{Type: proto.KindSend, MsgID: "2"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestKeepaliveRTT(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := net.Pipe()

	cfgA := testConfig("alice@CIC")
	cfgA.PingInterval = 20 * time.Millisecond
	cfgB := testConfig("bob@CIC")

	var (
		sb *Session
		wg sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		sb, err = Inbound(b, cfgB)
		if err != nil {
			t.Errorf("inbound: %v", err)
		}
	}()
	sa, err := Outbound(a, cfgA)
	wg.Wait()
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}

	rttCh := make(chan time.Duration, 8)
	sa.Start(nil, func(_ *Session, d time.Duration) { rttCh <- d }, nil)
	sb.Start(nil, nil, nil)
	defer func() {
		sa.Close(ReasonShutdown)
		sb.Close(ReasonShutdown)
		sa.Wait()
		sb.Wait()
	}()

	select {
	case d := <-rttCh:
		if d < 0 {
			t.Fatalf("negative rtt %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no rtt sample observed")
	}
}

func TestKeepaliveTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := net.Pipe()
	defer b.Close()

	mock := clock.NewMock()
	cfg := testConfig("alice@CIC")
	cfg.Clock = mock
	cfg.PingInterval = 30 * time.Second

	rawPeer(t, b, "bob@CIC", nil) // reads pings, never answers
	sa, err := Outbound(a, cfg)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	reasonCh := make(chan string, 1)
	sa.Start(nil, nil, func(_ *Session, reason string) { reasonCh <- reason })

	// Three silent intervals close the session.
	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		mock.Add(cfg.PingInterval)
	}
	select {
	case reason := <-reasonCh:
		if reason != ReasonKeepalive {
			t.Fatalf("close reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close on missed pongs")
	}
	sa.Wait()
}

func TestPongResetsOutstanding(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := net.Pipe()
	defer b.Close()

	mock := clock.NewMock()
	cfg := testConfig("alice@CIC")
	cfg.Clock = mock
	cfg.PingInterval = 30 * time.Second

	rawPeer(t, b, "bob@CIC", func(f proto.Frame, conn net.Conn) {
		if f.Type == proto.KindPing {
			_ = proto.WriteFrame(conn, proto.Frame{Type: proto.KindPong, Nonce: f.Nonce})
		}
	})
	sa, err := Outbound(a, cfg)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	closed := make(chan string, 1)
	sa.Start(nil, nil, func(_ *Session, reason string) { closed <- reason })

	for i := 0; i < 6; i++ {
		time.Sleep(10 * time.Millisecond)
		mock.Add(cfg.PingInterval)
	}
	select {
	case reason := <-closed:
		t.Fatalf("session closed unexpectedly: %s", reason)
	case <-time.After(100 * time.Millisecond):
	}
	sa.Close(ReasonShutdown)
	sa.Wait()
}

func TestLineTooLongClosesWithError(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := net.Pipe()
	defer b.Close()

	rawDone := make(chan proto.Frame, 4)
	rawPeer(t, b, "bob@CIC", func(f proto.Frame, _ net.Conn) { rawDone <- f })
	sa, err := Outbound(a, testConfig("alice@CIC"))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	closed := make(chan string, 1)
	sa.Start(nil, nil, func(_ *Session, reason string) { closed <- reason })

	// Oversized line arrives from the peer side.
	go func() {
		huge := strings.Repeat("x", proto.MaxLineBytes+2)
		_, _ = b.Write([]byte(huge + "\n"))
	}()

	select {
	case reason := <-closed:
		if reason != proto.CodeLineTooLong {
			t.Fatalf("close reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close on oversized line")
	}
	// The peer received the protocol error (keep-alive pings may precede it).
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-rawDone:
			if f.Type != proto.KindError {
				continue
			}
			if f.Code != proto.CodeLineTooLong || f.Limit != proto.MaxLineBytes {
				t.Fatalf("unexpected error frame: %+v", f)
			}
			sa.Wait()
			return
		case <-deadline:
			t.Fatalf("peer never saw line_too_long error")
		}
	}
}

func TestInvalidJSONThreeStrikes(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := net.Pipe()
	defer b.Close()

	rawPeer(t, b, "bob@CIC", nil)
	sa, err := Outbound(a, testConfig("alice@CIC"))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	closed := make(chan string, 1)
	sa.Start(nil, nil, func(_ *Session, reason string) { closed <- reason })

	for i := 0; i < 3; i++ {
		if _, err := b.Write([]byte("{broken\n")); err != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case reason := <-closed:
		if reason != ReasonProtocol {
			t.Fatalf("close reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session survived three bad frames")
	}
	sa.Wait()
}

func TestRemoteByeCloses(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := net.Pipe()
	defer b.Close()

	rawPeer(t, b, "bob@CIC", nil)
	sa, err := Outbound(a, testConfig("alice@CIC"))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	closed := make(chan string, 1)
	sa.Start(nil, nil, func(_ *Session, reason string) { closed <- reason })

	_ = proto.WriteFrame(b, proto.Frame{Type: proto.KindBye, Reason: "shutdown"})
	select {
	case reason := <-closed:
		if reason != ByePrefix+"shutdown" {
			t.Fatalf("close reason = %q", reason)
		}
		if !Graceful(reason) {
			t.Fatalf("remote shutdown should be graceful")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close on BYE")
	}
	sa.Wait()
}

func TestListenerHandsOffSessions(t *testing.T) {
	defer leaktest.Check(t)()
	sessions := make(chan *Session, 1)
	ln, err := Listen("127.0.0.1:0", testConfig("bob@CIC"), func(s *Session) { sessions <- s })
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- ln.Run(ctx) }()

	sa, err := Dial(context.Background(), ln.Addr().String(), testConfig("alice@CIC"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var sb *Session
	select {
	case sb = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener never delivered the session")
	}
	if sb.RemoteIdentity() != "alice@CIC" {
		t.Fatalf("remote identity %s", sb.RemoteIdentity())
	}
	sa.Close(ReasonShutdown)
	sb.Close(ReasonShutdown)
	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("run: %v", err)
	}
}
