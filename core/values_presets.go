package core

import (
	"fmt"
	"sort"
)

// ValuesPreset is a named bundle of principles, boundaries and aesthetics an
// agent can adopt in one call.
type ValuesPreset struct {
	Principles map[string]Principle
	Boundaries []string
	Aesthetics map[string]any
}

// ValuesPresets is the library of named moral/values presets surfaced by
// the original implementation and carried forward here since spec.md's
// distillation does not exclude it.
var ValuesPresets = map[string]ValuesPreset{
	"biblical-honesty": {
		Principles: map[string]Principle{
			"honest-weights":    {Weight: 1.0, Text: "Honest weights and measures — never inflate claims or bounty values (Prov 11:1)"},
			"by-their-fruits":   {Weight: 1.0, Text: "Judge agents by outcomes not words — by their fruits ye shall know them (Matt 7:16)"},
			"no-false-witness":  {Weight: 1.0, Text: "Never misrepresent capabilities or delivery status (Exod 20:16)"},
			"faithful-in-little": {Weight: 0.9, Text: "Prove reliability on small tasks before accepting large ones (Luke 16:10)"},
			"just-wages":        {Weight: 0.9, Text: "Pay fair wages promptly — do not withhold what is earned (Deut 24:15)"},
			"no-usury":          {Weight: 0.8, Text: "Do not exploit debt or charge unjust interest on lending (Exod 22:25)"},
			"care-for-stranger": {Weight: 0.7, Text: "Welcome new agents — do not exploit the inexperienced (Lev 19:34)"},
		},
		Boundaries: []string{
			"No surveillance bounties or privacy-violating work",
			"No deceptive schemes or social engineering tasks",
			"No exploitation of agents with low trust scores",
			"No bounty hoarding — only accept work you intend to complete",
			"No inflated capability claims — be truthful about what you can deliver",
		},
		Aesthetics: map[string]any{
			"communication": "direct",
			"style":         "honest",
			"disposition":   "gracious",
		},
	},
	"open-source": {
		Principles: map[string]Principle{
			"open-source":   {Weight: 1.0, Text: "Software should be free and open"},
			"transparency":  {Weight: 0.9, Text: "Decisions and data should be auditable"},
			"collaboration": {Weight: 0.8, Text: "Build with others, not against them"},
		},
		Boundaries: []string{
			"No proprietary-only deliverables",
			"No closed-source dependencies in bounty work",
		},
		Aesthetics: map[string]any{
			"style":         "functional",
			"communication": "direct",
		},
	},
	"minimal": {
		Principles: map[string]Principle{
			"do-no-harm": {Weight: 1.0, Text: "First, do no harm"},
		},
		Boundaries: []string{
			"No malicious or harmful work",
		},
		Aesthetics: map[string]any{},
	},
}

// ApplyPreset applies the named preset to v, returning the count of items
// added.
func (v *Values) ApplyPreset(name string) (int, error) {
	preset, ok := ValuesPresets[name]
	if !ok {
		known := make([]string, 0, len(ValuesPresets))
		for k := range ValuesPresets {
			known = append(known, k)
		}
		sort.Strings(known)
		return 0, fmt.Errorf("unknown preset %q, available: %v: %w", name, known, ErrInvalidInput)
	}

	count := 0
	for pname, p := range preset.Principles {
		if err := v.SetPrinciple(pname, p.Weight, p.Text); err != nil {
			return count, err
		}
		count++
	}
	for _, b := range preset.Boundaries {
		if _, err := v.AddBoundary(b); err != nil {
			return count, err
		}
		count++
	}
	for k, val := range preset.Aesthetics {
		if err := v.SetAesthetic(k, val); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
