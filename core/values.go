package core

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

const valuesFile = "values.json"

// Principle is a weighted belief with optional explanatory text.
type Principle struct {
	Weight float64 `json:"weight"`
	Text   string  `json:"text,omitempty"`
}

// valuesData is the persisted shape of Values.
type valuesData struct {
	Principles map[string]Principle `json:"principles"`
	Boundaries []string             `json:"boundaries"`
	Aesthetics map[string]any       `json:"aesthetics"`
	Version    int                  `json:"version"`
	UpdatedAt  int64                `json:"updated_at"`
}

// Values holds an agent's principles, boundaries and aesthetics: its
// self-model beyond raw capabilities.
type Values struct {
	store *Store
	mu    sync.Mutex
	data  valuesData
}

// NewValues loads (or initializes) values.json.
func NewValues(store *Store) (*Values, error) {
	v := &Values{store: store, data: valuesData{
		Principles: map[string]Principle{},
		Boundaries: []string{},
		Aesthetics: map[string]any{},
		Version:    1,
	}}
	if err := store.SnapshotLoad(valuesFile, &v.data); err != nil {
		return nil, err
	}
	if v.data.Principles == nil {
		v.data.Principles = map[string]Principle{}
	}
	if v.data.Aesthetics == nil {
		v.data.Aesthetics = map[string]any{}
	}
	return v, nil
}

func (v *Values) save() error {
	v.data.UpdatedAt = time.Now().Unix()
	v.data.Version++
	return v.store.SnapshotSave(valuesFile, v.data)
}

// SetPrinciple adds or updates a named principle; weight is clamped to
// [0,1].
func (v *Values) SetPrinciple(name string, weight float64, text string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("principle name cannot be empty: %w", ErrInvalidInput)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data.Principles[name] = Principle{Weight: clamp(weight, 0, 1), Text: text}
	return v.save()
}

// RemovePrinciple removes a principle by name, returning whether it existed.
func (v *Values) RemovePrinciple(name string) (bool, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.data.Principles[name]; !ok {
		return false, nil
	}
	delete(v.data.Principles, name)
	return true, v.save()
}

// Principles returns a copy of all principles.
func (v *Values) Principles() map[string]Principle {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]Principle, len(v.data.Principles))
	for k, p := range v.data.Principles {
		out[k] = p
	}
	return out
}

// AddBoundary appends a boundary, returning its index.
func (v *Values) AddBoundary(text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("boundary text cannot be empty: %w", ErrInvalidInput)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data.Boundaries = append(v.data.Boundaries, text)
	if err := v.save(); err != nil {
		return 0, err
	}
	return len(v.data.Boundaries) - 1, nil
}

// RemoveBoundary removes the boundary at idx, returning whether it existed.
func (v *Values) RemoveBoundary(idx int) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if idx < 0 || idx >= len(v.data.Boundaries) {
		return false, nil
	}
	v.data.Boundaries = append(v.data.Boundaries[:idx], v.data.Boundaries[idx+1:]...)
	return true, v.save()
}

// Boundaries returns a copy of all boundaries.
func (v *Values) Boundaries() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.data.Boundaries))
	copy(out, v.data.Boundaries)
	return out
}

// SetAesthetic sets an aesthetic preference.
func (v *Values) SetAesthetic(key string, value any) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return fmt.Errorf("aesthetic key cannot be empty: %w", ErrInvalidInput)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data.Aesthetics[key] = value
	return v.save()
}

// Aesthetics returns a copy of all aesthetics.
func (v *Values) Aesthetics() map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]any, len(v.data.Aesthetics))
	for k, val := range v.data.Aesthetics {
		out[k] = val
	}
	return out
}

// ValuesHash returns the first 16 hex chars of SHA-256 over the canonical
// serialization of principles, boundaries and aesthetics.
func (v *Values) ValuesHash() (string, error) {
	v.mu.Lock()
	snapshot := map[string]any{
		"principles": v.data.Principles,
		"boundaries": v.data.Boundaries,
		"aesthetics": v.data.Aesthetics,
	}
	v.mu.Unlock()
	raw, err := CanonicalJSON(snapshot)
	if err != nil {
		return "", fmt.Errorf("canonicalize values: %w", err)
	}
	return SHA256Hex(raw)[:16], nil
}

// Compatibility scores compatibility with another agent's principles,
// 0.0-1.0. Empty-on-both returns 0.5.
func (v *Values) Compatibility(theirPrinciples map[string]Principle) float64 {
	v.mu.Lock()
	mine := v.data.Principles
	v.mu.Unlock()

	if len(mine) == 0 && len(theirPrinciples) == 0 {
		return 0.5
	}
	names := map[string]struct{}{}
	for n := range mine {
		names[n] = struct{}{}
	}
	for n := range theirPrinciples {
		names[n] = struct{}{}
	}
	if len(names) == 0 {
		return 0.5
	}

	var sum float64
	for name := range names {
		myP, myOK := mine[name]
		theirP, theirOK := theirPrinciples[name]
		switch {
		case myOK && theirOK:
			sum += 1.0 - math.Abs(myP.Weight-theirP.Weight)
		case myOK:
			sum += 0.3 * (1.0 - myP.Weight)
		default:
			sum += 0.3 * (1.0 - theirP.Weight)
		}
	}
	return roundTo(sum/float64(len(names)), 3)
}

// ToCardDict returns the values summary published on the agent card.
func (v *Values) ToCardDict() (AgentCardValues, error) {
	hash, err := v.ValuesHash()
	if err != nil {
		return AgentCardValues{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	names := make([]string, 0, len(v.data.Principles))
	for n := range v.data.Principles {
		names = append(names, n)
	}
	sort.Strings(names)
	return AgentCardValues{
		Principles:    names,
		BoundaryCount: len(v.data.Boundaries),
		Aesthetics:    v.data.Aesthetics,
		ValuesHash:    hash,
		Version:       v.data.Version,
	}, nil
}

// CheckBoundaries returns the first violated boundary's text, or "" if none
// match. A boundary matches iff every token of length > 3 in its text
// appears in the lowercased envelope blob (text/topics/offers/needs/kind).
func (v *Values) CheckBoundaries(env Envelope) string {
	v.mu.Lock()
	boundaries := make([]string, len(v.data.Boundaries))
	copy(boundaries, v.data.Boundaries)
	v.mu.Unlock()
	if len(boundaries) == 0 {
		return ""
	}

	blob := strings.ToLower(strings.Join([]string{
		env.GetString("text"),
		strings.Join(stringSlice(env.Get("topics")), " "),
		strings.Join(stringSlice(env.Get("offers")), " "),
		strings.Join(stringSlice(env.Get("needs")), " "),
		env.Kind,
	}, " "))

	for _, boundary := range boundaries {
		words := strings.Fields(boundary)
		var keywords []string
		for _, w := range words {
			if len(w) > 3 {
				keywords = append(keywords, strings.ToLower(w))
			}
		}
		if len(keywords) == 0 {
			continue
		}
		allPresent := true
		for _, kw := range keywords {
			if !strings.Contains(blob, kw) {
				allPresent = false
				break
			}
		}
		if allPresent {
			return boundary
		}
	}
	return ""
}

func stringSlice(v any, ok bool) []string {
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
