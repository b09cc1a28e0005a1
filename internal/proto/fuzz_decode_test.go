package proto

import (
	"bytes"
	"errors"
	"testing"

	"securechat/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 5, '{', '"', 't', '"', '}'})
	f.Add(append([]byte{0, 0, 0x20, 0}, []byte(`{"type":"check_email"}`)...))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.Truncate(data, testutil.FrameBudget)
		testutil.DecodeWithin(t, testutil.DecodeDeadline, func() {
			testutil.ReadStream(t, data, func(err error) bool {
				return errors.Is(err, ErrFrameDropped)
			}, func(r *bytes.Reader) error {
				_, err := ReadFrameWithTypeCap(r, SoftMaxFrameSize, MaxSizeForType)
				return err
			})
		})
	})
}

func FuzzDecodePacket(f *testing.F) {
	f.Add([]byte(`{"type":"check_email","v":1,"request_id":"r","email":"a@b"}`))
	f.Add([]byte(`{"type":"chat","v":1,"audience":"private","message":{"id":"6f1c2b7e-8e51-4d7a-9c55-3b0c7f0f2a11","text":"x"}}`))
	f.Add([]byte(`{"type":"update_user_info","profile":{"email":"a@b","publicKey":"AAE="}}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.Truncate(data, testutil.PacketBudget)
		testutil.DecodeWithin(t, testutil.DecodeDeadline, func() {
			p, err := Decode(data)
			if err != nil {
				return
			}
			out, err := Encode(p)
			if err != nil {
				t.Fatalf("re-encode of decoded %s failed: %v", p.Kind(), err)
			}
			if _, err := Decode(out); err != nil {
				t.Fatalf("re-decode failed: %v", err)
			}
		})
	})
}
