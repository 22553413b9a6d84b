package proto

import (
	"testing"

	"p2pchat/internal/testutil"
)

// FuzzDecodeFrame checks the wire decoder never panics or hangs on
// arbitrary input, and that every accepted frame survives re-encoding.
func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte(`{"type":"SEND","msg_id":"m","src":"a@X","dst":"b@X","payload":"hi","ttl":8}`))
	f.Add([]byte(`{"type":"PING","nonce":"n","t_send":123}`))
	f.Add([]byte(`{"type":"ERROR","code":"line_too_long","limit":32768}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`not json at all`))
	f.Add([]byte{0xff, 0xfe})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			frame, err := DecodeFrame(data)
			if err != nil {
				return
			}
			if frame.Type == "" {
				t.Fatalf("decoder accepted a frame without a type")
			}
			if _, err := EncodeFrame(frame); err != nil && err != ErrLineTooLong {
				t.Fatalf("re-encode failed: %v", err)
			}
		})
	})
}
