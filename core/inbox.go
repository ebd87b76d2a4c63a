package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	inboxLogFile    = "inbox.jsonl"
	maxReadNonces   = 10000
)

// InboxRecord is one enriched, persisted ingress record.
type InboxRecord struct {
	Platform   string    `json:"platform"`
	From       string    `json:"from"`
	ReceivedAt time.Time `json:"received_at"`
	Text       string    `json:"text"`
	Envelope   Envelope  `json:"envelope"`
	Verified   *bool     `json:"verified"`
	IsRead     bool      `json:"is_read"`
}

// IngestInput is the raw material for one Ingest call.
type IngestInput struct {
	Platform   string
	From       string
	Text       string
	Envelope   Envelope
	ReceivedAt time.Time
}

// Inbox ingests envelopes from any transport: learn-on-first-use keys,
// verify, dedup by nonce, and persist enriched records.
type Inbox struct {
	store     *Store
	known     *KnownKeys
	state     *State
	logger    *logrus.Logger
}

// NewInbox constructs an Inbox over store, sharing known keys and read-nonce
// state with the rest of the node.
func NewInbox(store *Store, known *KnownKeys, state *State, logger *logrus.Logger) *Inbox {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Inbox{store: store, known: known, state: state, logger: logger}
}

// Ingest runs the five-step pipeline from §4.5: learn key, verify, append,
// leaving nonce-read marking to an explicit MarkRead call.
func (ib *Inbox) Ingest(in IngestInput) (*InboxRecord, error) {
	env := in.Envelope
	if err := ib.known.LearnFromEnvelope(env); err != nil {
		ib.logger.WithError(err).Debug("inbox: learn-on-first-use failed")
	}

	verified, err := VerifyEnvelope(env, ib.known)
	if err != nil {
		ib.logger.WithError(err).WithField("nonce", env.Nonce).Warn("inbox: verification error, treating as unverified")
		f := false
		verified = &f
	}

	rec := InboxRecord{
		Platform:   in.Platform,
		From:       in.From,
		ReceivedAt: in.ReceivedAt,
		Text:       in.Text,
		Envelope:   env,
		Verified:   verified,
		IsRead:     false,
	}
	if err := ib.store.AppendJSONL(inboxLogFile, rec); err != nil {
		return nil, fmt.Errorf("append inbox log: %w", err)
	}
	return &rec, nil
}

// ReadFilter narrows ReadInbox results.
type ReadFilter struct {
	Kind       string
	AgentID    string
	SinceUnix  int64
	UnreadOnly bool
	Limit      int
}

// ReadInbox returns matching records, most recent last, honoring Limit (0 =
// unbounded).
func (ib *Inbox) ReadInbox(filter ReadFilter) ([]InboxRecord, error) {
	var out []InboxRecord
	err := ib.store.ReadAllJSONL(inboxLogFile, func(line []byte) error {
		var rec InboxRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		if filter.Kind != "" && rec.Envelope.Kind != filter.Kind {
			return nil
		}
		if filter.AgentID != "" && rec.Envelope.AgentID != filter.AgentID {
			return nil
		}
		if filter.SinceUnix != 0 && rec.Envelope.TS < filter.SinceUnix {
			return nil
		}
		if filter.UnreadOnly {
			if ib.state.IsNonceRead(rec.Envelope.Nonce) {
				return nil
			}
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// MarkRead marks nonce as read-once-processed, persisted via State.
func (ib *Inbox) MarkRead(nonce string) error {
	return ib.state.MarkNonceRead(nonce)
}

// InboxCount returns the number of records, optionally unread only.
func (ib *Inbox) InboxCount(unreadOnly bool) (int, error) {
	recs, err := ib.ReadInbox(ReadFilter{UnreadOnly: unreadOnly})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// GetEntryByNonce returns the first record matching nonce, if any.
func (ib *Inbox) GetEntryByNonce(nonce string) (*InboxRecord, error) {
	recs, err := ib.ReadInbox(ReadFilter{})
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Envelope.Nonce == nonce {
			return &recs[i], nil
		}
	}
	return nil, nil
}
