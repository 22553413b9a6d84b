// internal/rendezvous/client.go
package rendezvous

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"p2pchat/internal/proto"
)

const (
	DefaultTimeout  = 10 * time.Second
	RateLimitedHold = 60 * time.Second
)

// DirectoryError carries an error code returned by the rendezvous service.
type DirectoryError struct {
	Code string
}

func (e *DirectoryError) Error() string {
	return "rendezvous: " + e.Code
}

// IsValidation reports whether the code is a request-validation failure that
// retrying cannot fix.
func (e *DirectoryError) IsValidation() bool {
	switch e.Code {
	case "bad_name", "bad_namespace", "bad_port", "bad_ttl", "invalid_json", "line_too_long":
		return true
	}
	return false
}

var (
	ErrRateLimited   = errors.New("rendezvous: " + proto.CodeRateLimited)
	ErrNotRegistered = errors.New("rendezvous: " + proto.CodeNotRegistered)
)

// PeerRecord is one entry of a DISCOVER response.
type PeerRecord struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	TTL       int    `json:"ttl"`
	ExpiresIn int    `json:"expires_in"`
}

// Identity returns the record's peer identity.
func (r PeerRecord) Identity() string {
	return proto.Identity(r.Name, r.Namespace)
}

// RegisterResult reports what the directory granted and observed.
type RegisterResult struct {
	TTL          int
	ObservedIP   string
	ObservedPort int
}

// Client performs one-shot request/response exchanges with the rendezvous
// directory. Every operation opens a fresh TCP connection, writes one JSON
// line and reads one back. A rate_limited response arms a hold-off that
// blocks all directory calls for a minute.
type Client struct {
	addr    string
	timeout time.Duration
	log     *zap.Logger

	mu        sync.Mutex
	holdUntil time.Time
}

func NewClient(addr string, logger *zap.Logger) *Client {
	return &Client{
		addr:    addr,
		timeout: DefaultTimeout,
		log:     logger.Named("rendezvous"),
	}
}

// HeldFor reports how long directory calls stay suspended after a
// rate_limited response. Zero means calls may proceed.
func (c *Client) HeldFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rem := time.Until(c.holdUntil); rem > 0 {
		return rem
	}
	return 0
}

func (c *Client) armHold() {
	c.mu.Lock()
	c.holdUntil = time.Now().Add(RateLimitedHold)
	c.mu.Unlock()
	c.log.Warn("directory rate limited, holding off", zap.Duration("hold", RateLimitedHold))
}

type request struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
	Port      int    `json:"port,omitempty"`
	TTL       int    `json:"ttl,omitempty"`
}

type response struct {
	Status       string       `json:"status"`
	Message      string       `json:"message"`
	ErrorCode    string       `json:"error"`
	Limit        int          `json:"limit"`
	TTL          int          `json:"ttl"`
	ObservedIP   string       `json:"observed_ip"`
	ObservedPort int          `json:"observed_port"`
	Peers        []PeerRecord `json:"peers"`
}

func (c *Client) exchange(ctx context.Context, req request) (*response, error) {
	if rem := c.HeldFor(); rem > 0 {
		return nil, fmt.Errorf("%w: held for %s", ErrRateLimited, rem.Round(time.Second))
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial rendezvous: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write rendezvous: %w", err)
	}
	raw, err := proto.ReadLine(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("read rendezvous: %w", err)
	}
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse rendezvous response: %w", err)
	}
	if resp.Status != "OK" {
		code := resp.Message
		if code == "" {
			code = resp.ErrorCode
		}
		switch code {
		case proto.CodeRateLimited:
			c.armHold()
			return nil, ErrRateLimited
		case proto.CodeNotRegistered:
			return nil, ErrNotRegistered
		case "":
			return nil, fmt.Errorf("rendezvous: unexpected response %q", raw)
		default:
			return nil, &DirectoryError{Code: code}
		}
	}
	return &resp, nil
}

// Register announces this peer. It must succeed before Discover or
// Unregister are attempted from the same source address.
func (c *Client) Register(ctx context.Context, name, namespace string, port, ttl int) (RegisterResult, error) {
	resp, err := c.exchange(ctx, request{
		Type:      "REGISTER",
		Namespace: namespace,
		Name:      name,
		Port:      port,
		TTL:       ttl,
	})
	if err != nil {
		return RegisterResult{}, err
	}
	res := RegisterResult{TTL: resp.TTL, ObservedIP: resp.ObservedIP, ObservedPort: resp.ObservedPort}
	c.log.Info("registered with directory",
		zap.String("observed_ip", res.ObservedIP),
		zap.Int("observed_port", res.ObservedPort),
		zap.Int("ttl", res.TTL))
	return res, nil
}

// Discover lists active peers. An empty namespace asks for all namespaces.
func (c *Client) Discover(ctx context.Context, namespace string) ([]PeerRecord, error) {
	resp, err := c.exchange(ctx, request{Type: "DISCOVER", Namespace: namespace})
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// Unregister removes this peer's directory entry during graceful shutdown.
func (c *Client) Unregister(ctx context.Context, name, namespace string, port int) error {
	_, err := c.exchange(ctx, request{
		Type:      "UNREGISTER",
		Namespace: namespace,
		Name:      name,
		Port:      port,
	})
	if err != nil {
		return err
	}
	c.log.Info("unregistered from directory")
	return nil
}
