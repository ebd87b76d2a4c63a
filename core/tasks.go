package core

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

const tasksLogFile = "tasks.jsonl"

// Task states.
const (
	TaskOpen      = "open"
	TaskOffered   = "offered"
	TaskAccepted  = "accepted"
	TaskDelivered = "delivered"
	TaskConfirmed = "confirmed"
	TaskPaid      = "paid"
	TaskCancelled = "cancelled"
	TaskRejected  = "rejected"
	TaskDisputed  = "disputed"
)

// taskTransitions is the allowed-transition table for the bounty lifecycle.
var taskTransitions = map[string][]string{
	TaskOpen:      {TaskOffered, TaskCancelled},
	TaskOffered:   {TaskAccepted, TaskRejected, TaskCancelled},
	TaskAccepted:  {TaskDelivered, TaskCancelled},
	TaskDelivered: {TaskConfirmed, TaskDisputed},
	TaskConfirmed: {TaskPaid},
	TaskDisputed:  {TaskConfirmed, TaskCancelled},
}

// kindToTaskState maps an incoming envelope kind to the target state for
// auto-transition.
var kindToTaskState = map[string]string{
	"bounty":  TaskOpen,
	"offer":   TaskOffered,
	"accept":  TaskAccepted,
	"deliver": TaskDelivered,
	"confirm": TaskConfirmed,
	"pay":     TaskPaid,
}

// TaskState is the folded, current state of a task: the union of every
// event field applied for that task_id, in log order.
type TaskState map[string]any

// GenerateTaskID returns a 12-char hex task ID from cryptographic
// randomness.
func GenerateTaskID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Tasks manages the event-sourced bounty lifecycle.
type Tasks struct {
	store *Store
}

// NewTasks constructs a Tasks component over store.
func NewTasks(store *Store) *Tasks {
	return &Tasks{store: store}
}

func (tm *Tasks) readAllEvents() ([]map[string]any, error) {
	var events []map[string]any
	err := tm.store.ReadAllJSONL(tasksLogFile, func(line []byte) error {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			return nil
		}
		events = append(events, m)
		return nil
	})
	return events, err
}

func (tm *Tasks) appendEvent(event map[string]any) error {
	return tm.store.AppendJSONL(tasksLogFile, event)
}

func (tm *Tasks) buildTaskState(taskID string) (TaskState, error) {
	events, err := tm.readAllEvents()
	if err != nil {
		return nil, err
	}
	state := TaskState{}
	found := false
	for _, e := range events {
		if id, _ := e["task_id"].(string); id == taskID {
			found = true
			for k, v := range e {
				state[k] = v
			}
		}
	}
	if !found {
		return nil, nil
	}
	return state, nil
}

// Create creates a new task from a bounty envelope, returning its task_id.
func (tm *Tasks) Create(bounty Envelope) (string, error) {
	taskID := bounty.GetString("task_id")
	if taskID == "" {
		taskID = GenerateTaskID()
	}
	poster := bounty.AgentID
	if poster == "" {
		poster = bounty.GetString("from")
	}
	event := map[string]any{
		"task_id":    taskID,
		"state":      TaskOpen,
		"poster":     poster,
		"reward_rtc": bounty.GetOr("reward_rtc", 0),
		"text":       bounty.GetString("text"),
		"bounty_url": bounty.GetString("bounty_url"),
		"links":      bounty.GetOr("links", []any{}),
		"ts":         time.Now().Unix(),
	}
	if err := tm.appendEvent(event); err != nil {
		return "", err
	}
	return taskID, nil
}

// Get returns the current folded state of taskID, or nil if it doesn't
// exist.
func (tm *Tasks) Get(taskID string) (TaskState, error) {
	return tm.buildTaskState(taskID)
}

// Transition validates and records a state transition, populating
// kind-specific event fields from envelope when provided.
func (tm *Tasks) Transition(taskID, newState string, envelope *Envelope) (map[string]any, error) {
	current, err := tm.buildTaskState(taskID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("task %s not found: %w", taskID, ErrNotFound)
	}
	currentState, _ := current["state"].(string)
	valid := taskTransitions[currentState]
	if !contains(valid, newState) {
		return nil, fmt.Errorf("invalid transition %s -> %s (valid: %v): %w", currentState, newState, valid, ErrInvalidInput)
	}

	event := map[string]any{
		"task_id": taskID,
		"state":   newState,
		"ts":      time.Now().Unix(),
	}
	if envelope != nil {
		switch newState {
		case TaskOffered:
			worker := envelope.AgentID
			if worker == "" {
				worker = envelope.GetString("from")
			}
			event["worker"] = worker
			event["offer_text"] = envelope.GetString("text")
		case TaskAccepted:
			event["accepted_worker"] = envelope.GetString("worker")
		case TaskDelivered:
			delivery := envelope.GetString("delivery_url")
			if delivery == "" {
				delivery = envelope.GetString("url")
			}
			event["delivery_url"] = delivery
			event["delivery_text"] = envelope.GetString("text")
		case TaskConfirmed:
			event["confirmed_by"] = envelope.AgentID
		case TaskPaid:
			amount := envelope.GetOr("amount_rtc", nil)
			if amount == nil {
				amount = envelope.GetOr("reward_rtc", 0)
			}
			event["amount_rtc"] = amount
			event["pay_nonce"] = envelope.Nonce
		case TaskCancelled, TaskRejected, TaskDisputed:
			reason := envelope.GetString("reason")
			if reason == "" {
				reason = envelope.GetString("text")
			}
			event["reason"] = reason
		}
	}

	if err := tm.appendEvent(event); err != nil {
		return nil, err
	}
	return event, nil
}

// ListTasks returns all tasks, optionally filtered by state, newest first.
func (tm *Tasks) ListTasks(state string) ([]TaskState, error) {
	events, err := tm.readAllEvents()
	if err != nil {
		return nil, err
	}
	var ids []string
	seen := map[string]bool{}
	for _, e := range events {
		id, _ := e["task_id"].(string)
		if id != "" && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	var out []TaskState
	for _, id := range ids {
		t, err := tm.buildTaskState(id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		if state != "" {
			if s, _ := t["state"].(string); s != state {
				continue
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return toInt64(out[i]["ts"]) > toInt64(out[j]["ts"])
	})
	return out, nil
}

// MyTasks lists tasks where myAgentID is poster or worker.
func (tm *Tasks) MyTasks(myAgentID string) ([]TaskState, error) {
	all, err := tm.ListTasks("")
	if err != nil {
		return nil, err
	}
	var out []TaskState
	for _, t := range all {
		poster, _ := t["poster"].(string)
		worker, _ := t["worker"].(string)
		if poster == myAgentID || worker == myAgentID {
			out = append(out, t)
		}
	}
	return out, nil
}

// AutoTransitionFromEnvelope maps envelope.Kind to a target state and
// attempts the transition. Invalid transitions are discarded (returns nil,
// nil) rather than raised, per §4.9.
func (tm *Tasks) AutoTransitionFromEnvelope(envelope Envelope) (map[string]any, error) {
	newState, ok := kindToTaskState[envelope.Kind]
	taskID := envelope.GetString("task_id")
	if !ok || taskID == "" || newState == TaskOpen {
		return nil, nil
	}
	event, err := tm.Transition(taskID, newState, &envelope)
	if err != nil {
		return nil, nil
	}
	return event, nil
}

// TaskSummary is a compact projection of a task's current state.
type TaskSummary struct {
	TaskID    string  `json:"task_id"`
	State     string  `json:"state"`
	Poster    string  `json:"poster"`
	Worker    string  `json:"worker"`
	RewardRTC float64 `json:"reward_rtc"`
	TS        int64   `json:"ts"`
}

// TaskSummaryFor returns a compact summary of taskID, or nil if absent.
func (tm *Tasks) TaskSummaryFor(taskID string) (*TaskSummary, error) {
	t, err := tm.Get(taskID)
	if err != nil || t == nil {
		return nil, err
	}
	state, _ := t["state"].(string)
	poster, _ := t["poster"].(string)
	worker, _ := t["worker"].(string)
	return &TaskSummary{
		TaskID:    taskID,
		State:     state,
		Poster:    poster,
		Worker:    worker,
		RewardRTC: toFloat64(t["reward_rtc"]),
		TS:        toInt64(t["ts"]),
	}, nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func toFloat64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return 0
	}
}
