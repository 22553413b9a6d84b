package rendezvous

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"p2pchat/internal/proto"
)

// fakeDirectory answers each connection with one canned JSON line.
func fakeDirectory(t *testing.T, handler func(req map[string]any) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				line, err := proto.ReadLine(bufio.NewReader(conn))
				if err != nil {
					return
				}
				var req map[string]any
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				_, _ = conn.Write([]byte(handler(req) + "\n"))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestRegisterDiscoverUnregister(t *testing.T) {
	addr := fakeDirectory(t, func(req map[string]any) string {
		switch req["type"] {
		case "REGISTER":
			return `{"status":"OK","ttl":7200,"observed_ip":"203.0.113.9","observed_port":6001}`
		case "DISCOVER":
			return `{"status":"OK","peers":[{"ip":"203.0.113.9","port":6001,"name":"alice","namespace":"CIC","ttl":7200,"expires_in":7100}]}`
		case "UNREGISTER":
			return `{"status":"OK"}`
		}
		return `{"status":"ERROR","message":"bad_format"}`
	})

	c := NewClient(addr, zap.NewNop())
	ctx := context.Background()

	res, err := c.Register(ctx, "alice", "CIC", 6001, 7200)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.ObservedIP != "203.0.113.9" || res.ObservedPort != 6001 || res.TTL != 7200 {
		t.Fatalf("unexpected register result: %+v", res)
	}

	peers, err := c.Discover(ctx, "CIC")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(peers) != 1 || peers[0].Identity() != "alice@CIC" {
		t.Fatalf("unexpected peers: %+v", peers)
	}

	if err := c.Unregister(ctx, "alice", "CIC", 6001); err != nil {
		t.Fatalf("unregister: %v", err)
	}
}

func TestValidationErrorSurfaced(t *testing.T) {
	addr := fakeDirectory(t, func(map[string]any) string {
		return `{"status":"ERROR","message":"bad_name"}`
	})
	c := NewClient(addr, zap.NewNop())
	_, err := c.Register(context.Background(), "", "CIC", 6001, 7200)
	var dirErr *DirectoryError
	if !errors.As(err, &dirErr) {
		t.Fatalf("expected DirectoryError, got %v", err)
	}
	if dirErr.Code != "bad_name" || !dirErr.IsValidation() {
		t.Fatalf("unexpected directory error: %+v", dirErr)
	}
}

func TestRateLimitArmsHold(t *testing.T) {
	addr := fakeDirectory(t, func(map[string]any) string {
		return `{"status":"ERROR","message":"rate_limited"}`
	})
	c := NewClient(addr, zap.NewNop())
	_, err := c.Discover(context.Background(), "")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if held := c.HeldFor(); held <= 50*time.Second {
		t.Fatalf("expected hold of about a minute, got %v", held)
	}
	// Subsequent calls fail locally without touching the network.
	if _, err := c.Discover(context.Background(), ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected held-off ErrRateLimited, got %v", err)
	}
}

func TestNotRegistered(t *testing.T) {
	addr := fakeDirectory(t, func(map[string]any) string {
		return `{"status":"ERROR","message":"peer_not_registered"}`
	})
	c := NewClient(addr, zap.NewNop())
	if err := c.Unregister(context.Background(), "alice", "CIC", 6001); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}
