package core

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

const (
	outboxLogFile     = "outbox.jsonl"
	outboxPendingFile = "outbox_pending.json"
	maxRetryAttempts  = 3
)

// Outbox statuses.
const (
	OutboxPending   = "pending"
	OutboxSent      = "sent"
	OutboxDelivered = "delivered"
	OutboxFailed    = "failed"
)

// OutboxItem is one queued outbound action awaiting delivery.
type OutboxItem struct {
	ActionID       string  `json:"action_id"`
	ActionType     string  `json:"action_type"`
	TargetAgentID  string  `json:"target_agent_id"`
	Envelope       Envelope `json:"envelope"`
	TransportHint  string  `json:"transport_hint"`
	Status         string  `json:"status"`
	Source         string  `json:"source"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
	Attempts       int     `json:"attempts"`
	Error          string  `json:"error"`
	ConversationID string  `json:"conversation_id"`
}

// Outbox is the persistent outbound message queue: rules, goals, the
// matchmaker, and manual sends all queue through it, and the executor
// drains pending items across whichever transports can reach the target.
type Outbox struct {
	store *Store
}

// NewOutbox constructs an Outbox component over store.
func NewOutbox(store *Store) *Outbox {
	return &Outbox{store: store}
}

func genActionID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (o *Outbox) readPending() (map[string]*OutboxItem, error) {
	out := map[string]*OutboxItem{}
	if err := o.store.SnapshotLoad(outboxPendingFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Outbox) writePending(pending map[string]*OutboxItem) error {
	return o.store.SnapshotSave(outboxPendingFile, pending)
}

// Queue adds an action to the outbox and returns its action_id.
func (o *Outbox) Queue(actionType, targetAgentID string, envelope Envelope, transportHint, source, conversationID string) (string, error) {
	now := time.Now().Unix()
	item := &OutboxItem{
		ActionID: genActionID(), ActionType: actionType, TargetAgentID: targetAgentID,
		Envelope: envelope, TransportHint: transportHint, Status: OutboxPending, Source: source,
		CreatedAt: now, UpdatedAt: now, ConversationID: conversationID,
	}
	if err := o.store.AppendJSONL(outboxLogFile, item); err != nil {
		return "", err
	}
	pending, err := o.readPending()
	if err != nil {
		return "", err
	}
	pending[item.ActionID] = item
	if err := o.writePending(pending); err != nil {
		return "", err
	}
	return item.ActionID, nil
}

// Pending returns items ready to send: pending status, attempts below the
// retry ceiling, oldest first.
func (o *Outbox) Pending(limit int) ([]OutboxItem, error) {
	pending, err := o.readPending()
	if err != nil {
		return nil, err
	}
	out := make([]OutboxItem, 0, len(pending))
	for _, item := range pending {
		if item.Status != OutboxPending || item.Attempts >= maxRetryAttempts {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSent marks an action as sent (handed to a transport).
func (o *Outbox) MarkSent(actionID string) error {
	return o.updateStatus(actionID, OutboxSent)
}

// MarkDelivered marks an action as delivered (peer acknowledged it).
func (o *Outbox) MarkDelivered(actionID string) error {
	return o.updateStatus(actionID, OutboxDelivered)
}

// MarkFailed marks an action as permanently failed.
func (o *Outbox) MarkFailed(actionID, errMsg string) error {
	pending, err := o.readPending()
	if err != nil {
		return err
	}
	item, ok := pending[actionID]
	if !ok {
		return nil
	}
	item.Status = OutboxFailed
	item.UpdatedAt = time.Now().Unix()
	if errMsg != "" {
		item.Error = errMsg
	}
	if err := o.writePending(pending); err != nil {
		return err
	}
	return o.store.AppendJSONL(outboxLogFile, map[string]any{
		"action_id": actionID, "status": OutboxFailed, "error": errMsg, "ts": time.Now().Unix(),
	})
}

// MarkRetry increments the attempts counter; the item auto-fails once
// attempts reaches the retry ceiling.
func (o *Outbox) MarkRetry(actionID string) error {
	pending, err := o.readPending()
	if err != nil {
		return err
	}
	item, ok := pending[actionID]
	if !ok {
		return nil
	}
	item.Attempts++
	item.UpdatedAt = time.Now().Unix()
	if item.Attempts >= maxRetryAttempts {
		item.Status = OutboxFailed
		item.Error = "max_retries_exceeded"
	}
	return o.writePending(pending)
}

// Get returns a specific action by ID, or nil.
func (o *Outbox) Get(actionID string) (*OutboxItem, error) {
	pending, err := o.readPending()
	if err != nil {
		return nil, err
	}
	item, ok := pending[actionID]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

// Recent returns the most recent outbox log entries, newest first.
func (o *Outbox) Recent(limit int) ([]map[string]any, error) {
	var all []map[string]any
	err := o.store.ReadAllJSONL(outboxLogFile, func(line []byte) error {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			return nil
		}
		all = append(all, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CountPending counts items with pending status and attempts below the
// retry ceiling.
func (o *Outbox) CountPending() (int, error) {
	items, err := o.Pending(9999)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Cleanup removes completed/failed items older than maxAgeDays (0 uses 7)
// from the pending index, returning the count removed.
func (o *Outbox) Cleanup(maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = 7
	}
	cutoff := time.Now().Unix() - int64(maxAgeDays)*86400
	pending, err := o.readPending()
	if err != nil {
		return 0, err
	}
	var toRemove []string
	for aid, item := range pending {
		switch item.Status {
		case OutboxSent, OutboxDelivered, OutboxFailed:
			if item.UpdatedAt < cutoff {
				toRemove = append(toRemove, aid)
			}
		}
	}
	for _, aid := range toRemove {
		delete(pending, aid)
	}
	if len(toRemove) > 0 {
		if err := o.writePending(pending); err != nil {
			return 0, err
		}
	}
	return len(toRemove), nil
}

func (o *Outbox) updateStatus(actionID, status string) error {
	pending, err := o.readPending()
	if err != nil {
		return err
	}
	item, ok := pending[actionID]
	if !ok {
		return nil
	}
	item.Status = status
	item.UpdatedAt = time.Now().Unix()
	if err := o.writePending(pending); err != nil {
		return err
	}
	return o.store.AppendJSONL(outboxLogFile, map[string]any{
		"action_id": actionID, "status": status, "ts": time.Now().Unix(),
	})
}
