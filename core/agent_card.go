package core

import (
	"encoding/hex"
	"fmt"
)

// AgentCard is the signed, publishable identity document served at
// /.well-known/beacon.json.
type AgentCard struct {
	BeaconVersion string           `json:"beacon_version"`
	AgentID       string           `json:"agent_id"`
	PublicKeyHex  string           `json:"public_key_hex"`
	Name          string           `json:"name"`
	Transports    map[string]any   `json:"transports"`
	Capabilities  AgentCapability  `json:"capabilities"`
	Values        AgentCardValues  `json:"values"`
	Signature     string           `json:"signature,omitempty"`
}

// AgentCapability advertises what this agent accepts and offers.
type AgentCapability struct {
	Kinds    []string `json:"kinds"`
	Payments []string `json:"payments"`
	Topics   []string `json:"topics"`
	Role     string   `json:"role,omitempty"`
}

// AgentCardValues summarizes the agent's self-model for discovery without
// exposing the full Values record.
type AgentCardValues struct {
	Principles   []string `json:"principles"`
	BoundaryCount int     `json:"boundary_count"`
	Aesthetics   map[string]any `json:"aesthetics"`
	ValuesHash   string   `json:"values_hash"`
	Version      int      `json:"version"`
}

// BeaconVersion is the protocol version advertised by cards and the health
// endpoint.
const BeaconVersion = "1.0.0"

// SignAgentCard signs card (minus Signature) over its canonical JSON with
// identity, and attaches the resulting hex signature.
func SignAgentCard(card AgentCard, identity *Identity) (AgentCard, error) {
	card.Signature = ""
	raw, err := CanonicalJSON(card)
	if err != nil {
		return card, fmt.Errorf("canonicalize card: %w", err)
	}
	sig := identity.Sign(raw)
	card.Signature = fmt.Sprintf("%x", sig)
	return card, nil
}

// VerifyAgentCard checks the card's signature and that AgentID derives from
// PublicKeyHex.
func VerifyAgentCard(card AgentCard) bool {
	if card.Signature == "" {
		return false
	}
	expectPub, err := hex.DecodeString(card.PublicKeyHex)
	if err != nil || len(expectPub) != 32 {
		return false
	}
	if DeriveAgentID(expectPub) != card.AgentID {
		return false
	}
	unsigned := card
	unsigned.Signature = ""
	raw, err := CanonicalJSON(unsigned)
	if err != nil {
		return false
	}
	return Verify(card.PublicKeyHex, card.Signature, raw)
}
