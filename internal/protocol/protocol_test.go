package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame := Encode(KindUpdate, []byte("hello-update"))

	msgs, err := DecodeAll(frame)
	if err != nil {
		t.Fatalf("DecodeAll returned error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Kind != KindUpdate {
		t.Fatalf("expected KindUpdate, got %v", msgs[0].Kind)
	}
	if !bytes.Equal(msgs[0].Payload, []byte("hello-update")) {
		t.Fatalf("payload mismatch: %q", msgs[0].Payload)
	}
}

func TestEncodeCompositeDecodesInOrder(t *testing.T) {
	buf := EncodeComposite(
		Message{Kind: KindSyncStep1, Payload: []byte("sv")},
		Message{Kind: KindUpdate, Payload: []byte("up")},
		Message{Kind: KindAwareness, Payload: []byte("aw")},
	)

	msgs, err := DecodeAll(buf)
	if err != nil {
		t.Fatalf("DecodeAll returned error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wantKinds := []Kind{KindSyncStep1, KindUpdate, KindAwareness}
	for i, want := range wantKinds {
		if msgs[i].Kind != want {
			t.Errorf("message %d: got kind %v, want %v", i, msgs[i].Kind, want)
		}
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	frame := Encode(KindAwareness, nil)
	msgs, err := DecodeAll(frame)
	if err != nil {
		t.Fatalf("DecodeAll returned error: %v", err)
	}
	if len(msgs[0].Payload) != 0 {
		t.Fatalf("expected empty payload, got %q", msgs[0].Payload)
	}
}

func TestDecodeAllRejectsMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0xff}, // varint continuation bit set, no following byte
		{3, 1}, // claims body length 3 but only 1 byte follows
	}
	for i, c := range cases {
		if _, err := DecodeAll(c); err != ErrMalformed {
			t.Errorf("case %d: expected ErrMalformed, got %v", i, err)
		}
	}
}
