package wsv3

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Type: Stdout, SessionID: "s1", Payload: []byte("hello")}
	raw := Encode(f)
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != f.Type || decoded.SessionID != f.SessionID || !bytes.Equal(decoded.Payload, f.Payload) {
		t.Fatalf("round-trip mismatch: got %+v", decoded)
	}
}

func TestFrameRoundTripEmptySessionID(t *testing.T) {
	f := Frame{Type: Event, SessionID: "", Payload: []byte(`{"type":"connected"}`)}
	raw := Encode(f)
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.SessionID != "" {
		t.Fatalf("expected empty session id, got %q", decoded.SessionID)
	}
}

func TestSubscribePayloadRoundTrip(t *testing.T) {
	raw := EncodeSubscribePayload(FlagStdout | FlagEvents)
	flags, err := DecodeSubscribePayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if flags != 5 {
		t.Fatalf("expected flags=5, got %d", flags)
	}
}

func TestSubscribeFrameEncodingScenario4(t *testing.T) {
	f := Frame{Type: Subscribe, SessionID: "s1", Payload: EncodeSubscribePayload(FlagStdout | FlagEvents)}
	decoded, err := Decode(Encode(f))
	if err != nil {
		t.Fatal(err)
	}
	flags, err := DecodeSubscribePayload(decoded.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != Subscribe || decoded.SessionID != "s1" || flags != 5 {
		t.Fatalf("unexpected decode: type=%v sid=%q flags=%d", decoded.Type, decoded.SessionID, flags)
	}
}

func TestResizePayloadExactBytes(t *testing.T) {
	payload := EncodeResizePayload(132, 43)
	want := []byte{0x00, 0x84, 0x00, 0x2B}
	if !bytes.Equal(payload, want) {
		t.Fatalf("expected %x, got %x", want, payload)
	}
	cols, rows, err := DecodeResizePayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	if cols != 132 || rows != 43 {
		t.Fatalf("expected 132x43, got %dx%d", cols, rows)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{1, 0}); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestDecodeRejectsTruncatedSessionID(t *testing.T) {
	raw := []byte{byte(Stdout), 0x00, 0x05, 'a', 'b'}
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for truncated session id")
	}
}
