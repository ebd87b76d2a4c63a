package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const journalLogFile = "journal.jsonl"

var validMoods = map[string]bool{
	"curious": true, "frustrated": true, "satisfied": true, "reflective": true,
	"energized": true, "anxious": true, "determined": true, "grateful": true,
}

// JournalEntry is one private reflective log entry. Never transmitted over
// any transport.
type JournalEntry struct {
	TS   int64          `json:"ts"`
	Text string         `json:"text"`
	Tags []string       `json:"tags,omitempty"`
	Mood string         `json:"mood,omitempty"`
	Refs map[string]any `json:"refs,omitempty"`
}

// Journal is an agent's private, append-only reflective log: mood tracking,
// tag search, and auto-journaling hooks for the main loop.
type Journal struct {
	store *Store
}

// NewJournal constructs a Journal over store.
func NewJournal(store *Store) *Journal {
	return &Journal{store: store}
}

// Write appends an entry, returning it with tags normalized to trimmed
// lowercase.
func (j *Journal) Write(text string, tags []string, mood string, refs map[string]any) (JournalEntry, error) {
	if mood != "" && !validMoods[mood] {
		return JournalEntry{}, fmt.Errorf("invalid mood %q: %w", mood, ErrInvalidInput)
	}
	entry := JournalEntry{TS: time.Now().Unix(), Text: text}
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			entry.Tags = append(entry.Tags, t)
		}
	}
	if mood != "" {
		entry.Mood = mood
	}
	if len(refs) > 0 {
		entry.Refs = refs
	}
	if err := j.store.AppendJSONL(journalLogFile, entry); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (j *Journal) readAll() ([]JournalEntry, error) {
	var out []JournalEntry
	err := j.store.ReadAllJSONL(journalLogFile, func(line []byte) error {
		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// Read returns journal entries, newest first, paginated by limit/offset.
func (j *Journal) Read(limit, offset int) ([]JournalEntry, error) {
	entries, err := j.readAll()
	if err != nil {
		return nil, err
	}
	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	if offset >= len(entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(entries) || limit <= 0 {
		end = len(entries)
	}
	return entries[offset:end], nil
}

// Search finds entries whose text or tags contain term (case-insensitive),
// newest first.
func (j *Journal) Search(term string) ([]JournalEntry, error) {
	entries, err := j.readAll()
	if err != nil {
		return nil, err
	}
	termLower := strings.ToLower(term)
	var out []JournalEntry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Text), termLower) || contains(e.Tags, termLower) {
			out = append(out, e)
		}
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Moods returns the distribution of moods across all entries.
func (j *Journal) Moods() (map[string]int, error) {
	entries, err := j.readAll()
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, e := range entries {
		if e.Mood != "" {
			counts[e.Mood]++
		}
	}
	return counts, nil
}

// TagCount pairs a tag with its occurrence frequency.
type TagCount struct {
	Tag   string
	Count int
}

// RecentTags returns the most frequent tags across all entries, capped at
// limit.
func (j *Journal) RecentTags(limit int) ([]TagCount, error) {
	entries, err := j.readAll()
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, e := range entries {
		for _, t := range e.Tags {
			counts[strings.ToLower(t)]++
		}
	}
	out := make([]TagCount, 0, len(counts))
	for t, c := range counts {
		out = append(out, TagCount{Tag: t, Count: c})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Count > out[k].Count })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the total number of journal entries.
func (j *Journal) Count() (int, error) {
	entries, err := j.readAll()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// AutoJournalBounty auto-journals receipt of a high-value bounty (>=50 RTC).
// Returns nil, nil if the bounty doesn't qualify.
func (j *Journal) AutoJournalBounty(env Envelope) (*JournalEntry, error) {
	rtc := toFloat64(env.GetOr("reward_rtc", 0.0))
	if rtc < 50 {
		return nil, nil
	}
	agentID := env.AgentID
	if agentID == "" {
		agentID = "unknown"
	}
	hint := env.GetString("text")
	if len(hint) > 80 {
		hint = hint[:80]
	}
	text := fmt.Sprintf("High-value bounty (%.2f RTC) from %s", rtc, agentID)
	if hint != "" {
		text += " — " + hint
	}
	entry, err := j.Write(text, []string{"bounty", "notable"}, "curious", map[string]any{"agent_id": agentID, "rtc": rtc})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// AutoJournalTaskComplete auto-journals completion of a task.
func (j *Journal) AutoJournalTaskComplete(taskID, agentID string) (JournalEntry, error) {
	text := fmt.Sprintf("Task %s completed", taskID)
	refs := map[string]any{"task_id": taskID}
	if agentID != "" {
		text += " with " + agentID
		refs["agent_id"] = agentID
	}
	return j.Write(text, []string{"task", "completed"}, "satisfied", refs)
}

// AutoJournalNewAgent auto-journals discovery of a new agent.
func (j *Journal) AutoJournalNewAgent(agentID, name string) (JournalEntry, error) {
	label := name
	if label == "" {
		label = agentID
	}
	return j.Write("Discovered new agent: "+label, []string{"discovery", "agent"}, "curious", map[string]any{"agent_id": agentID})
}
