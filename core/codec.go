package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// EnvelopeVersionV1 is the legacy, unsigned envelope version.
	EnvelopeVersionV1 = 1
	// EnvelopeVersionV2 is the signed envelope version; Beacon nodes emit v2
	// by default.
	EnvelopeVersionV2 = 2

	frameOpenPrefix  = "[BEACON v"
	frameOpenSuffix  = "]"
	frameCloseMarker = "[/BEACON]"
)

// Envelope is the tagged-variant record carried between nodes. Header fields
// are typed; Ext preserves any field the current code doesn't recognize so
// encode/decode round-trips unknown envelopes unchanged.
type Envelope struct {
	Kind  string `json:"kind"`
	TS    int64  `json:"ts"`
	Nonce string `json:"nonce"`

	AgentID string `json:"agent_id,omitempty"`
	Pubkey  string `json:"pubkey,omitempty"`
	Sig     string `json:"sig,omitempty"`

	Ext map[string]any `json:"-"`
}

// MarshalJSON flattens Ext alongside the typed header fields.
func (e Envelope) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	for k, v := range e.Ext {
		m[k] = v
	}
	m["kind"] = e.Kind
	m["ts"] = e.TS
	m["nonce"] = e.Nonce
	if e.AgentID != "" {
		m["agent_id"] = e.AgentID
	}
	if e.Pubkey != "" {
		m["pubkey"] = e.Pubkey
	}
	if e.Sig != "" {
		m["sig"] = e.Sig
	}
	return json.Marshal(m)
}

// UnmarshalJSON extracts the typed header fields and stashes everything else
// in Ext.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	e.Ext = map[string]any{}
	for k, v := range m {
		switch k {
		case "kind":
			if s, ok := v.(string); ok {
				e.Kind = s
			}
		case "ts":
			e.TS = toInt64(v)
		case "nonce":
			if s, ok := v.(string); ok {
				e.Nonce = s
			}
		case "agent_id":
			if s, ok := v.(string); ok {
				e.AgentID = s
			}
		case "pubkey":
			if s, ok := v.(string); ok {
				e.Pubkey = s
			}
		case "sig":
			if s, ok := v.(string); ok {
				e.Sig = s
			}
		default:
			e.Ext[k] = v
		}
	}
	return nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}

// Get reads an extension field.
func (e Envelope) Get(key string) (any, bool) {
	v, ok := e.Ext[key]
	return v, ok
}

// GetString reads a string extension field, returning "" if absent or not a
// string.
func (e Envelope) GetString(key string) string {
	if v, ok := e.Ext[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetOr reads an extension field, returning fallback if absent.
func (e Envelope) GetOr(key string, fallback any) any {
	if v, ok := e.Ext[key]; ok {
		return v
	}
	return fallback
}

// Set assigns an extension field.
func (e *Envelope) Set(key string, value any) {
	if e.Ext == nil {
		e.Ext = map[string]any{}
	}
	e.Ext[key] = value
}

// CanonicalJSON serializes v as JSON with lexicographically sorted object
// keys and minimal separators ("," and ":"). Used for every signature and
// hash computation in this repository.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalEncode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalEncode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := canonicalEncode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalEncode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// envelopeSigningBytes returns the canonical JSON of the envelope with sig
// removed, the exact bytes that get signed and re-verified.
func envelopeSigningBytes(env Envelope) ([]byte, error) {
	cp := env
	cp.Sig = ""
	return CanonicalJSON(cp)
}

// Encode frames payload as "[BEACON v{version}]\n{json}\n[/BEACON]". When
// version is v2 and identity is non-nil, AgentID, optional Pubkey, and Sig
// are attached before signing.
func Encode(payload Envelope, version int, identity *Identity, includePubkey bool) (string, error) {
	env := payload
	if version == EnvelopeVersionV2 && identity != nil {
		env.AgentID = identity.AgentID()
		if includePubkey {
			env.Pubkey = identity.PublicKeyHex()
		}
		signBytes, err := envelopeSigningBytes(env)
		if err != nil {
			return "", fmt.Errorf("canonicalize for signing: %w", err)
		}
		env.Sig = hex.EncodeToString(identity.Sign(signBytes))
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return fmt.Sprintf("%s%d%s\n%s\n%s", frameOpenPrefix, version, frameOpenSuffix, raw, frameCloseMarker), nil
}

// DecodedFrame pairs a parsed envelope with the version its frame declared.
type DecodedFrame struct {
	Envelope Envelope
	Version  int
}

// DecodeEnvelopes scans text for "[BEACON vN]...[/BEACON]" frames and parses
// each as JSON. Unparseable frames are skipped, not fatal.
func DecodeEnvelopes(text string) []DecodedFrame {
	var out []DecodedFrame
	rest := text
	for {
		openIdx := strings.Index(rest, frameOpenPrefix)
		if openIdx < 0 {
			break
		}
		rest = rest[openIdx:]
		closeTagIdx := strings.Index(rest, frameOpenSuffix)
		if closeTagIdx < 0 {
			break
		}
		versionStr := rest[len(frameOpenPrefix):closeTagIdx]
		version, err := strconv.Atoi(strings.TrimSpace(versionStr))
		if err != nil {
			rest = rest[closeTagIdx+1:]
			continue
		}
		body := rest[closeTagIdx+1:]
		endIdx := strings.Index(body, frameCloseMarker)
		if endIdx < 0 {
			break
		}
		payload := strings.TrimSpace(body[:endIdx])
		var env Envelope
		if err := json.Unmarshal([]byte(payload), &env); err == nil {
			out = append(out, DecodedFrame{Envelope: env, Version: version})
		}
		rest = body[endIdx+len(frameCloseMarker):]
	}
	return out
}

// KnownKeys is a trust-on-first-use map from agent_id to hex public key.
type KnownKeys struct {
	store *Store
	mu    sync.RWMutex
	keys  map[string]string
}

const knownKeysFile = "known_keys.json"

// NewKnownKeys loads (or initializes) the known-keys map from store.
func NewKnownKeys(store *Store) (*KnownKeys, error) {
	kk := &KnownKeys{store: store, keys: map[string]string{}}
	if err := store.SnapshotLoad(knownKeysFile, &kk.keys); err != nil {
		return nil, err
	}
	if kk.keys == nil {
		kk.keys = map[string]string{}
	}
	return kk, nil
}

// Get returns the known public key hex for agentID, if any.
func (k *KnownKeys) Get(agentID string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.keys[agentID]
	return v, ok
}

// Trust records agentID -> pubkeyHex explicitly (operator-initiated pin).
func (k *KnownKeys) Trust(agentID, pubkeyHex string) error {
	k.mu.Lock()
	k.keys[agentID] = pubkeyHex
	snapshot := make(map[string]string, len(k.keys))
	for ak, av := range k.keys {
		snapshot[ak] = av
	}
	k.mu.Unlock()
	return k.store.SnapshotSave(knownKeysFile, snapshot)
}

// LearnFromEnvelope implements trust-on-first-use: if env carries an embedded
// pubkey that derives env.AgentID and the agent is not already known, the
// mapping is learned and persisted.
func (k *KnownKeys) LearnFromEnvelope(env Envelope) error {
	if env.AgentID == "" || env.Pubkey == "" {
		return nil
	}
	if _, known := k.Get(env.AgentID); known {
		return nil
	}
	pub, err := hex.DecodeString(env.Pubkey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil
	}
	if DeriveAgentID(pub) != env.AgentID {
		return nil
	}
	return k.Trust(env.AgentID, env.Pubkey)
}

// VerifyEnvelope verifies env's signature. It returns (nil, nil) for
// unsigned v1 envelopes (no signature to verify), and (*bool, nil) for v2.
// The public key is resolved from the embedded Pubkey first, then
// knownKeys[AgentID].
func VerifyEnvelope(env Envelope, knownKeys *KnownKeys) (*bool, error) {
	if env.Sig == "" {
		return nil, nil
	}
	pubHex := env.Pubkey
	if pubHex == "" && knownKeys != nil {
		if v, ok := knownKeys.Get(env.AgentID); ok {
			pubHex = v
		}
	}
	if pubHex == "" {
		f := false
		return &f, nil
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		f := false
		return &f, nil
	}
	if env.AgentID != "" && DeriveAgentID(pub) != env.AgentID {
		f := false
		return &f, nil
	}
	sigBytes, err := hex.DecodeString(env.Sig)
	if err != nil {
		f := false
		return &f, nil
	}
	signBytes, err := envelopeSigningBytes(env)
	if err != nil {
		return nil, fmt.Errorf("canonicalize for verification: %w", err)
	}
	ok := ed25519.Verify(pub, signBytes, sigBytes)
	return &ok, nil
}
