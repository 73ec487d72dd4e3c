package proto

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping","nonce":1}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameRejectsBadSize(t *testing.T) {
	var hdr [4]byte
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("expected zero-size frame to fail")
	}
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("expected oversize frame to fail")
	}
}

func TestReadFrameTypeCap(t *testing.T) {
	big := bytes.Repeat([]byte("a"), SoftMaxFrameSize+10)
	env, err := EncodeEnvelope(Envelope{Type: MsgTypePing, Payload: big})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, env); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(&buf, SoftMaxFrameSize, MaxSizeForType); err == nil {
		t.Fatalf("expected ping over cap to be refused")
	}

	env, err = EncodeEnvelope(Envelope{Type: MsgTypeInventoryResp, Payload: big})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	buf.Reset()
	if err := WriteFrame(&buf, env); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrameWithTypeCap(&buf, SoftMaxFrameSize, MaxSizeForType)
	if err != nil {
		t.Fatalf("inventory_resp within cap: %v", err)
	}
	if !bytes.Equal(got, env) {
		t.Fatalf("frame mismatch")
	}
}
