// internal/session/listener.go
package session

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// Listener accepts inbound TCP connections, performs the responder
// handshake, and hands each open session to the orchestrator callback.
type Listener struct {
	ln        net.Listener
	cfg       Config
	onSession func(*Session)
	log       *zap.Logger
}

func Listen(addr string, cfg Config, onSession func(*Session)) (*Listener, error) {
	cfg = cfg.withDefaults()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{
		ln:        ln,
		cfg:       cfg,
		onSession: onSession,
		log:       cfg.Logger.Named("listener"),
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Run accepts until the listener closes or ctx is cancelled. Each handshake
// runs on its own goroutine so a slow client cannot stall the accept loop.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func(conn net.Conn) {
			s, err := Inbound(conn, l.cfg)
			if err != nil {
				l.log.Debug("inbound handshake failed",
					zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
				_ = conn.Close()
				return
			}
			l.log.Debug("inbound session open",
				zap.String("peer", s.RemoteIdentity()),
				zap.String("remote", conn.RemoteAddr().String()))
			l.onSession(s)
		}(conn)
	}
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
