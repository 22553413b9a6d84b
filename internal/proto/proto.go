// internal/proto/proto.go
package proto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Frame kinds carried in the "type" field of every peer frame.
const (
	KindHello     = "HELLO"
	KindHelloOK   = "HELLO_OK"
	KindPing      = "PING"
	KindPong      = "PONG"
	KindSend      = "SEND"
	KindAck       = "ACK"
	KindPub       = "PUB"
	KindWhoHas    = "WHO_HAS"
	KindWhoHasHit = "WHO_HAS_HIT"
	KindBye       = "BYE"
	KindError     = "ERROR"
)

// Wire error codes, shared by the peer and rendezvous protocols.
const (
	CodeLineTooLong   = "line_too_long"
	CodeInvalidJSON   = "invalid_json"
	CodeBadFormat     = "bad_format"
	CodeNoRoute       = "no_route"
	CodeTTLExpired    = "ttl_expired"
	CodeAckTimeout    = "ack_timeout"
	CodeKeepalive     = "keepalive_timeout"
	CodeBusy          = "busy"
	CodeUnauthorized  = "unauthorized"
	CodeRateLimited   = "rate_limited"
	CodeNotRegistered = "peer_not_registered"
)

const (
	MaxLineBytes    = 32 * 1024
	MaxIdentityPart = 64
	DefaultRelayTTL = 8
	BroadcastDst    = "*"
	NamespacePrefix = "#"
)

// Features advertised during the HELLO exchange. Unknown features received
// from a peer are ignored.
const (
	FeatureRelay     = "relay"
	FeatureNamespace = "namespace"
)

// Frame is the single envelope for every peer-to-peer message. Only the
// fields relevant to the kind are populated; the rest stay omitted on the
// wire.
type Frame struct {
	Type     string   `json:"type"`
	Identity string   `json:"identity,omitempty"`
	Features []string `json:"features,omitempty"`
	Nonce    string   `json:"nonce,omitempty"`
	TSend    int64    `json:"t_send,omitempty"`
	MsgID    string   `json:"msg_id,omitempty"`
	Src      string   `json:"src,omitempty"`
	Dst      string   `json:"dst,omitempty"`
	TTL      int      `json:"ttl,omitempty"`
	Payload  string   `json:"payload,omitempty"`
	Via      string   `json:"via,omitempty"`
	Ref      string   `json:"ref,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Code     string   `json:"code,omitempty"`
	Detail   string   `json:"detail,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// NewMsgID returns a fresh opaque message identifier.
func NewMsgID() string {
	return uuid.NewString()
}

// NewNonce returns a fresh keep-alive nonce.
func NewNonce() string {
	return uuid.NewString()
}

var ErrBadIdentity = errors.New("bad identity")

// ParseIdentity splits "name@namespace" and validates both parts.
func ParseIdentity(id string) (name, namespace string, err error) {
	at := strings.LastIndex(id, "@")
	if at < 0 {
		return "", "", fmt.Errorf("%w: missing @ in %q", ErrBadIdentity, id)
	}
	name, namespace = id[:at], id[at+1:]
	if name == "" || namespace == "" {
		return "", "", fmt.Errorf("%w: empty part in %q", ErrBadIdentity, id)
	}
	if len(name) > MaxIdentityPart || len(namespace) > MaxIdentityPart {
		return "", "", fmt.Errorf("%w: part exceeds %d chars", ErrBadIdentity, MaxIdentityPart)
	}
	return name, namespace, nil
}

// Identity joins a name and namespace into the wire identity form.
func Identity(name, namespace string) string {
	return name + "@" + namespace
}

// NamespaceOf returns the realm of a peer identity, or "" when the identity
// is malformed.
func NamespaceOf(id string) string {
	_, ns, err := ParseIdentity(id)
	if err != nil {
		return ""
	}
	return ns
}

// DstKind classifies a destination specifier.
type DstKind int

const (
	DstPeer DstKind = iota
	DstNamespace
	DstBroadcast
	DstInvalid
)

// ClassifyDst reports how a destination specifier routes. For DstNamespace
// the returned string is the namespace without the leading '#'.
func ClassifyDst(dst string) (DstKind, string) {
	switch {
	case dst == BroadcastDst:
		return DstBroadcast, ""
	case strings.HasPrefix(dst, NamespacePrefix):
		ns := dst[len(NamespacePrefix):]
		if ns == "" || len(ns) > MaxIdentityPart {
			return DstInvalid, ""
		}
		return DstNamespace, ns
	default:
		if _, _, err := ParseIdentity(dst); err != nil {
			return DstInvalid, ""
		}
		return DstPeer, dst
	}
}

// IntersectFeatures returns the features present in both advertised sets,
// preserving the order of ours.
func IntersectFeatures(ours, theirs []string) []string {
	set := make(map[string]struct{}, len(theirs))
	for _, f := range theirs {
		set[f] = struct{}{}
	}
	out := make([]string, 0, len(ours))
	for _, f := range ours {
		if _, ok := set[f]; ok {
			out = append(out, f)
		}
	}
	return out
}
