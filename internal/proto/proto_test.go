package proto

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParseIdentity(t *testing.T) {
	cases := []struct {
		in        string
		name, ns  string
		wantError bool
	}{
		{in: "alice@CIC", name: "alice", ns: "CIC"},
		{in: "bob@UnB", name: "bob", ns: "UnB"},
		{in: "noat", wantError: true},
		{in: "@CIC", wantError: true},
		{in: "alice@", wantError: true},
		{in: strings.Repeat("x", 65) + "@CIC", wantError: true},
		{in: "alice@" + strings.Repeat("y", 65), wantError: true},
		{in: strings.Repeat("x", 64) + "@" + strings.Repeat("y", 64)},
	}
	for _, tc := range cases {
		name, ns, err := ParseIdentity(tc.in)
		if tc.wantError {
			if err == nil {
				t.Errorf("ParseIdentity(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseIdentity(%q): %v", tc.in, err)
			continue
		}
		if tc.name != "" && (name != tc.name || ns != tc.ns) {
			t.Errorf("ParseIdentity(%q) = %q, %q", tc.in, name, ns)
		}
	}
}

func TestClassifyDst(t *testing.T) {
	cases := []struct {
		in   string
		kind DstKind
		arg  string
	}{
		{"*", DstBroadcast, ""},
		{"#CIC", DstNamespace, "CIC"},
		{"alice@CIC", DstPeer, "alice@CIC"},
		{"#", DstInvalid, ""},
		{"nonsense", DstInvalid, ""},
	}
	for _, tc := range cases {
		kind, arg := ClassifyDst(tc.in)
		if kind != tc.kind || arg != tc.arg {
			t.Errorf("ClassifyDst(%q) = %v, %q; want %v, %q", tc.in, kind, arg, tc.kind, tc.arg)
		}
	}
}

func TestReadLineCap(t *testing.T) {
	big := strings.Repeat("a", MaxLineBytes+1) + "\n"
	r := bufio.NewReader(strings.NewReader(big))
	if _, err := ReadLine(r); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}

func TestReadLineSpansBuffer(t *testing.T) {
	payload := strings.Repeat("b", 10000)
	r := bufio.NewReaderSize(strings.NewReader(payload+"\nnext\n"), 64)
	line, err := ReadLine(r)
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	if string(line) != payload {
		t.Fatalf("line mismatch: got %d bytes", len(line))
	}
	next, err := ReadLine(r)
	if err != nil || string(next) != "next" {
		t.Fatalf("second line: %q, %v", next, err)
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	if _, err := DecodeFrame([]byte("{not json")); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
	if _, err := DecodeFrame([]byte(`{"msg_id":"x"}`)); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected missing type error, got %v", err)
	}
	if _, err := DecodeFrame([]byte{0xff, 0xfe, '{', '}'}); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected utf-8 error, got %v", err)
	}
}

func TestWriteFrameLineShape(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{Type: KindSend, MsgID: "m1", Src: "alice@CIC", Dst: "bob@CIC", Payload: "hi", TTL: 8}
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	data := buf.Bytes()
	if data[len(data)-1] != '\n' {
		t.Fatalf("frame not LF terminated")
	}
	if bytes.Count(data, []byte("\n")) != 1 {
		t.Fatalf("frame contains embedded newline")
	}
	got, err := DecodeFrame(bytes.TrimRight(data, "\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != KindSend || got.Dst != "bob@CIC" || got.TTL != 8 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestIntersectFeatures(t *testing.T) {
	got := IntersectFeatures([]string{FeatureRelay, FeatureNamespace}, []string{FeatureNamespace, "future-thing"})
	if len(got) != 1 || got[0] != FeatureNamespace {
		t.Fatalf("unexpected intersection: %v", got)
	}
}
