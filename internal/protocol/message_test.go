package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypePlayCommand, 1712345678901, "dev-1", "sess-1", PlayCommandPayload{
		VideoURL:  "https://example.com/v1",
		StartTime: 12.5,
		SyncTime:  1712345679000,
	})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Type != msg.Type {
		t.Errorf("Type mismatch: expected %s, got %s", msg.Type, decoded.Type)
	}
	if decoded.Timestamp != msg.Timestamp {
		t.Errorf("Timestamp mismatch: expected %d, got %d", msg.Timestamp, decoded.Timestamp)
	}
	if decoded.DeviceID != msg.DeviceID {
		t.Errorf("DeviceID mismatch: expected %s, got %s", msg.DeviceID, decoded.DeviceID)
	}
	if decoded.SessionID != msg.SessionID {
		t.Errorf("SessionID mismatch: expected %s, got %s", msg.SessionID, decoded.SessionID)
	}
	if decoded.Checksum != msg.Checksum {
		t.Errorf("Checksum mismatch: expected %s, got %s", msg.Checksum, decoded.Checksum)
	}
	if err := Verify(decoded); err != nil {
		t.Errorf("Verify failed on round-tripped message: %v", err)
	}

	payload, err := ParsePayload(decoded)
	if err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	play, ok := payload.(*PlayCommandPayload)
	if !ok {
		t.Fatalf("expected *PlayCommandPayload, got %T", payload)
	}
	if play.VideoURL != "https://example.com/v1" {
		t.Errorf("VideoURL mismatch: got %s", play.VideoURL)
	}
	if play.StartTime != 12.5 {
		t.Errorf("StartTime mismatch: got %f", play.StartTime)
	}
}

func TestDecodeGarbage(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{"binary garbage", []byte{0xff, 0xfe, 0x00, 0x42}},
		{"truncated json", []byte(`{"type":"play-com`)},
		{"empty object", []byte(`{}`)},
		{"unknown type", []byte(`{"type":"warp-command","timestamp":1,"deviceId":"d","sessionId":"s"}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			if err == nil {
				t.Fatal("expected decode error, got nil")
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Errorf("expected *DecodeError, got %T: %v", err, err)
			}
		})
	}
}

func TestVerifyChecksumMismatch(t *testing.T) {
	msg, err := NewMessage(TypeStatusUpdate, 1, "dev-1", "sess-1", StatusUpdatePayload{Status: "watching"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	msg.Data = json.RawMessage(`{"status":"buffering"}`)
	if err := Verify(msg); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestVerifyNoChecksumPasses(t *testing.T) {
	msg := &Message{Type: TypeSyncRequest, Timestamp: 1, DeviceID: "dev-1", SessionID: "sess-1"}
	if err := Verify(msg); err != nil {
		t.Errorf("message without checksum should verify: %v", err)
	}
}

func TestChecksumDeterministic(t *testing.T) {
	payload := []byte(`{"videoId":"v1","currentTime":42}`)
	if Checksum(payload) != Checksum(payload) {
		t.Error("checksum should be deterministic for identical payloads")
	}
	if Checksum(payload) == Checksum([]byte(`{"videoId":"v2"}`)) {
		t.Error("different payloads should not collide on these inputs")
	}
}
