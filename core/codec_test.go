package core

import "testing"

func TestCanonicalJSONKeyOrderInvariant(t *testing.T) {
	d1 := map[string]any{"b": 1, "a": 2}
	d2 := map[string]any{"a": 2, "b": 1}
	r1, err := CanonicalJSON(d1)
	if err != nil {
		t.Fatalf("CanonicalJSON d1: %v", err)
	}
	r2, err := CanonicalJSON(d2)
	if err != nil {
		t.Fatalf("CanonicalJSON d2: %v", err)
	}
	if string(r1) != string(r2) {
		t.Fatalf("canonical forms differ: %s vs %s", r1, r2)
	}
	if string(r1) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical form: %s", r1)
	}
}

func TestEncodeDecodeV2RoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	env := Envelope{Kind: "hello", TS: 1, Nonce: "n1"}
	framed, err := Encode(env, EnvelopeVersionV2, id, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	frames := DecodeEnvelopes(framed)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	decoded := frames[0].Envelope
	if decoded.Kind != "hello" || decoded.Nonce != "n1" || decoded.AgentID != id.AgentID() {
		t.Fatalf("decoded envelope mismatch: %+v", decoded)
	}

	kk := &KnownKeys{keys: map[string]string{}}
	verified, err := VerifyEnvelope(decoded, kk)
	if err != nil {
		t.Fatalf("VerifyEnvelope: %v", err)
	}
	if verified == nil || !*verified {
		t.Fatalf("expected verification to succeed")
	}
}

func TestVerifyEnvelopeV1Unsigned(t *testing.T) {
	env := Envelope{Kind: "hello", TS: 1, Nonce: "n1"}
	verified, err := VerifyEnvelope(env, nil)
	if err != nil {
		t.Fatalf("VerifyEnvelope: %v", err)
	}
	if verified != nil {
		t.Fatalf("expected nil verification result for unsigned envelope")
	}
}

func TestLearnOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	kk, err := NewKnownKeys(store)
	if err != nil {
		t.Fatalf("NewKnownKeys: %v", err)
	}
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	framed, err := Encode(Envelope{Kind: "hello", TS: 1, Nonce: "n1"}, EnvelopeVersionV2, id, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame := DecodeEnvelopes(framed)[0]
	if err := kk.LearnFromEnvelope(frame.Envelope); err != nil {
		t.Fatalf("LearnFromEnvelope: %v", err)
	}
	got, ok := kk.Get(id.AgentID())
	if !ok || got != id.PublicKeyHex() {
		t.Fatalf("expected learned key for %s", id.AgentID())
	}
}
