package core

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

const anchorLogFile = "anchors.jsonl"

// CommitmentHash computes the SHA-256 commitment hash of data: a dict is
// canonicalized to JSON first, a string or []byte is hashed directly.
func CommitmentHash(data any) (string, error) {
	switch v := data.(type) {
	case string:
		return SHA256Hex([]byte(v)), nil
	case []byte:
		return SHA256Hex(v), nil
	default:
		raw, err := CanonicalJSON(data)
		if err != nil {
			return "", err
		}
		return SHA256Hex(raw), nil
	}
}

// Anchor submits and verifies hash commitments against the ledger, logging
// every attempt locally so an agent can audit its own anchoring history
// even if the ledger itself is unreachable.
type Anchor struct {
	store    *Store
	client   *LedgerClient
	identity *Identity
}

// NewAnchor constructs an Anchor component over store, submitting through
// client and signing with identity.
func NewAnchor(store *Store, client *LedgerClient, identity *Identity) *Anchor {
	return &Anchor{store: store, client: client, identity: identity}
}

// AnchorRecord is a logged local record of one anchor attempt.
type AnchorRecord struct {
	TS         int64  `json:"ts"`
	Commitment string `json:"commitment"`
	DataType   string `json:"data_type"`
	Status     string `json:"status"`
	AnchorID   string `json:"anchor_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// AnchorData hashes data, signs the commitment, and submits it to the
// ledger, returning the anchor ID (or "" if the submit failed).
func (a *Anchor) AnchorData(ctx context.Context, data any, dataType string, metadata map[string]any) (string, error) {
	commitment, err := CommitmentHash(data)
	if err != nil {
		return "", err
	}
	return a.submit(ctx, commitment, dataType, metadata)
}

// AnchorBytes anchors pre-computed raw bytes.
func (a *Anchor) AnchorBytes(ctx context.Context, raw []byte, dataType string, metadata map[string]any) (string, error) {
	return a.submit(ctx, SHA256Hex(raw), dataType, metadata)
}

func (a *Anchor) submit(ctx context.Context, commitment, dataType string, metadata map[string]any) (string, error) {
	if a.identity == nil {
		return "", errors.New("anchor: no identity available for signing")
	}
	sig := hex.EncodeToString(a.identity.Sign([]byte(commitment)))
	pubkey := a.identity.PublicKeyHex()

	var metaStr string
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err == nil {
			metaStr = string(raw)
		}
	}

	resp, err := a.client.AnchorSubmit(ctx, AnchorSubmitRequest{
		Commitment: commitment, DataType: dataType, MetadataStr: metaStr, Signature: sig, PublicKey: pubkey,
	})
	now := time.Now().Unix()
	if err != nil {
		status := "error"
		if errors.Is(err, ErrDuplicateCommitment) {
			status = "duplicate"
		}
		_ = a.store.AppendJSONL(anchorLogFile, AnchorRecord{TS: now, Commitment: commitment, DataType: dataType, Status: status, Error: err.Error()})
		if status == "duplicate" {
			return "", nil
		}
		return "", err
	}

	_ = a.store.AppendJSONL(anchorLogFile, AnchorRecord{TS: now, Commitment: commitment, DataType: dataType, Status: "ok", AnchorID: resp.AnchorID})
	return resp.AnchorID, nil
}

// Verify checks whether commitment exists on-chain, returning the anchor
// record or nil.
func (a *Anchor) Verify(ctx context.Context, commitment string) (map[string]any, error) {
	resp, err := a.client.AnchorVerify(ctx, commitment)
	if err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Anchor, nil
}

// VerifyData hashes data and checks if that hash is anchored.
func (a *Anchor) VerifyData(ctx context.Context, data any) (map[string]any, error) {
	commitment, err := CommitmentHash(data)
	if err != nil {
		return nil, err
	}
	return a.Verify(ctx, commitment)
}

// MyAnchors lists anchors submitted by this identity's derived address.
func (a *Anchor) MyAnchors(ctx context.Context, limit int) ([]map[string]any, error) {
	if a.identity == nil {
		return nil, nil
	}
	resp, err := a.client.AnchorList(ctx, a.identity.AgentID(), limit)
	if err != nil {
		return nil, err
	}
	return resp.Anchors, nil
}

// History returns the local JSONL log of every anchor attempt, most recent
// first.
func (a *Anchor) History(limit int) ([]AnchorRecord, error) {
	lines, err := a.store.TailJSONL(anchorLogFile, limit)
	if err != nil {
		return nil, err
	}
	out := make([]AnchorRecord, 0, len(lines))
	for _, line := range lines {
		var rec AnchorRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// AnchorAction anchors a completed executor action (an outbox drain
// result), skipping anything that didn't actually send.
func AnchorAction(ctx context.Context, result ExecResult, manager *Anchor) (string, error) {
	if result.Status != "sent" {
		return "", nil
	}
	data := map[string]any{"action_id": result.ActionID, "method": result.Method, "ts": time.Now().Unix()}
	return manager.AnchorData(ctx, data, "beacon_action", map[string]any{"action_id": result.ActionID})
}

// AnchorEpoch anchors an epoch settlement summary.
func AnchorEpoch(ctx context.Context, epoch int64, settlements []map[string]any, manager *Anchor) (string, error) {
	data := map[string]any{"epoch": epoch, "settlement_count": len(settlements), "settlements": settlements}
	return manager.AnchorData(ctx, data, "epoch_settlement", map[string]any{"epoch": epoch, "count": len(settlements)})
}
