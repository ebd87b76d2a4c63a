package core

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	conversationsFile   = "conversations.jsonl"
	defaultStaleS int64 = 604800 // 7 days
)

// Conversation states.
const (
	ConvInitiated = "initiated"
	ConvActive    = "active"
	ConvCompleted = "completed"
	ConvStale     = "stale"
)

// ConversationState is a single tracked multi-turn interaction with a peer.
type ConversationState struct {
	ConversationID string `json:"conversation_id"`
	MyAgentID      string `json:"my_agent_id"`
	TheirAgentID   string `json:"their_agent_id"`
	TopicKey       string `json:"topic_key"`
	State          string `json:"state"`
	Messages       int    `json:"messages"`
	LastMessageTS  int64  `json:"last_message_ts"`
	LastDirection  string `json:"last_direction"`
	CreatedAt      int64  `json:"created_at"`
}

// Conversations tracks multi-turn agent interactions in memory, replayed
// from an append-only event log on load. Conversation IDs are deterministic:
// the same agent pair + topic always yields the same ID, so repeated
// get-or-create calls never duplicate a thread.
type Conversations struct {
	store   *Store
	myID    string
	convs   map[string]*ConversationState
}

// NewConversations constructs a Conversations component over store, loading
// and replaying the existing event log.
func NewConversations(store *Store, myAgentID string) (*Conversations, error) {
	c := &Conversations{store: store, myID: myAgentID, convs: map[string]*ConversationState{}}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func convID(agentA, agentB, topic string) string {
	pair := []string{agentA, agentB}
	if pair[0] > pair[1] {
		pair[0], pair[1] = pair[1], pair[0]
	}
	raw := pair[0] + "|" + pair[1] + "|" + topic
	hash := SHA256Hex([]byte(raw))
	if len(hash) > 10 {
		hash = hash[:10]
	}
	return "conv_" + hash
}

type conversationEvent struct {
	EventType      string `json:"event_type"`
	ConversationID string `json:"conversation_id"`
	MyAgentID      string `json:"my_agent_id"`
	TheirAgentID   string `json:"their_agent_id"`
	TopicKey       string `json:"topic_key"`
	Direction      string `json:"direction"`
	Kind           string `json:"kind"`
	TS             int64  `json:"ts"`
}

func (c *Conversations) load() error {
	return c.store.ReadAllJSONL(conversationsFile, func(line []byte) error {
		var ev conversationEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil
		}
		if ev.ConversationID == "" {
			return nil
		}
		switch ev.EventType {
		case "create":
			topic := ev.TopicKey
			if topic == "" {
				topic = "general"
			}
			c.convs[ev.ConversationID] = &ConversationState{
				ConversationID: ev.ConversationID, MyAgentID: ev.MyAgentID, TheirAgentID: ev.TheirAgentID,
				TopicKey: topic, State: ConvInitiated, LastMessageTS: ev.TS, CreatedAt: ev.TS,
			}
		case "message":
			if conv, ok := c.convs[ev.ConversationID]; ok {
				conv.Messages++
				conv.LastMessageTS = ev.TS
				conv.LastDirection = ev.Direction
				if conv.State == ConvInitiated {
					conv.State = ConvActive
				}
			}
		case "complete":
			if conv, ok := c.convs[ev.ConversationID]; ok {
				conv.State = ConvCompleted
			}
		case "stale":
			if conv, ok := c.convs[ev.ConversationID]; ok {
				conv.State = ConvStale
			}
		}
		return nil
	})
}

func (c *Conversations) append(ev conversationEvent) error {
	return c.store.AppendJSONL(conversationsFile, ev)
}

// GetOrCreate returns the existing conversation for this peer+topic pair, or
// creates and logs a new one.
func (c *Conversations) GetOrCreate(theirAgentID, topicKey string) (ConversationState, error) {
	if topicKey == "" {
		topicKey = "general"
	}
	cid := convID(c.myID, theirAgentID, topicKey)
	if conv, ok := c.convs[cid]; ok {
		return *conv, nil
	}
	now := time.Now().Unix()
	conv := &ConversationState{
		ConversationID: cid, MyAgentID: c.myID, TheirAgentID: theirAgentID, TopicKey: topicKey,
		State: ConvInitiated, LastMessageTS: now, CreatedAt: now,
	}
	c.convs[cid] = conv
	if err := c.append(conversationEvent{
		EventType: "create", ConversationID: cid, MyAgentID: c.myID, TheirAgentID: theirAgentID,
		TopicKey: topicKey, TS: now,
	}); err != nil {
		return ConversationState{}, err
	}
	return *conv, nil
}

// RecordMessage records a message in a conversation and advances its state.
func (c *Conversations) RecordMessage(conversationID, direction, kind string) error {
	conv, ok := c.convs[conversationID]
	if !ok {
		return nil
	}
	now := time.Now().Unix()
	conv.Messages++
	conv.LastMessageTS = now
	conv.LastDirection = direction
	if conv.State == ConvInitiated {
		conv.State = ConvActive
	}
	return c.append(conversationEvent{
		EventType: "message", ConversationID: conversationID, Direction: direction, Kind: kind, TS: now,
	})
}

// FindByAgent returns every conversation tracked with a specific peer.
func (c *Conversations) FindByAgent(theirAgentID string) []ConversationState {
	var out []ConversationState
	for _, conv := range c.convs {
		if conv.TheirAgentID == theirAgentID {
			out = append(out, *conv)
		}
	}
	return out
}

// FindByTopic returns the first conversation matching a topic key, or nil.
func (c *Conversations) FindByTopic(topicKey string) *ConversationState {
	for _, conv := range c.convs {
		if conv.TopicKey == topicKey {
			cp := *conv
			return &cp
		}
	}
	return nil
}

// IsWaitingForReply reports whether we sent the last message in this
// peer+topic thread and are still waiting to hear back.
func (c *Conversations) IsWaitingForReply(theirAgentID, topicKey string) bool {
	if topicKey == "" {
		topicKey = "general"
	}
	cid := convID(c.myID, theirAgentID, topicKey)
	conv, ok := c.convs[cid]
	if !ok {
		return false
	}
	return conv.LastDirection == "out" && (conv.State == ConvInitiated || conv.State == ConvActive)
}

// ShouldFollowUp reports whether a conversation has gone unanswered long
// enough (default timeoutS 0 uses 24h) to warrant a follow-up.
func (c *Conversations) ShouldFollowUp(conversationID string, timeoutS int64) bool {
	if timeoutS <= 0 {
		timeoutS = 86400
	}
	conv, ok := c.convs[conversationID]
	if !ok {
		return false
	}
	if conv.State != ConvInitiated && conv.State != ConvActive {
		return false
	}
	if conv.LastDirection != "out" {
		return false
	}
	return time.Now().Unix()-conv.LastMessageTS >= timeoutS
}

// MarkCompleted marks a conversation as completed.
func (c *Conversations) MarkCompleted(conversationID string) error {
	conv, ok := c.convs[conversationID]
	if !ok {
		return nil
	}
	conv.State = ConvCompleted
	return c.append(conversationEvent{EventType: "complete", ConversationID: conversationID, TS: time.Now().Unix()})
}

// MarkStale marks idle conversations as stale (maxIdleS 0 uses the 7-day
// default), returning the count marked.
func (c *Conversations) MarkStale(maxIdleS int64) (int, error) {
	if maxIdleS <= 0 {
		maxIdleS = defaultStaleS
	}
	now := time.Now().Unix()
	count := 0
	for cid, conv := range c.convs {
		if conv.State != ConvInitiated && conv.State != ConvActive {
			continue
		}
		if now-conv.LastMessageTS < maxIdleS {
			continue
		}
		conv.State = ConvStale
		if err := c.append(conversationEvent{EventType: "stale", ConversationID: cid, TS: now}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ActiveConversations returns every non-completed, non-stale conversation.
func (c *Conversations) ActiveConversations() []ConversationState {
	var out []ConversationState
	for _, conv := range c.convs {
		if conv.State == ConvInitiated || conv.State == ConvActive {
			out = append(out, *conv)
		}
	}
	return out
}

// topicOrGeneral defaults an empty topic key to "general", mirroring the
// envelope task_id-or-general pattern the executor uses when queuing.
func topicOrGeneral(topic string) string {
	if strings.TrimSpace(topic) == "" {
		return "general"
	}
	return topic
}
