// Package mods holds the ruleset catalogue and per-ruleset mod legality rules.
package mods

import (
	"fmt"

	"github.com/harmonia-game/multiplayer-server/internal/v1/types"
)

// Ruleset ids. The game ships four rulesets; ids outside this range are
// rejected everywhere a ruleset is accepted.
const (
	RulesetCircles int16 = 0
	RulesetDrums   int16 = 1
	RulesetFruits  int16 = 2
	RulesetKeys    int16 = 3
)

// MinRuleset and MaxRuleset bound the valid ruleset id range.
const (
	MinRuleset = RulesetCircles
	MaxRuleset = RulesetKeys
)

// ValidRuleset reports whether id names a known ruleset.
func ValidRuleset(id int16) bool {
	return id >= MinRuleset && id <= MaxRuleset
}

// Mods legal in every ruleset.
var universal = []types.Mod{
	"EZ", "NF", "HT", "DC", "HR", "SD", "PF", "DT", "NC", "HD", "FL", "AT", "CN",
}

// Mods legal only in specific rulesets.
var perRuleset = map[int16][]types.Mod{
	RulesetCircles: {"SO", "TP", "TD"},
	RulesetDrums:   {"RD", "SW"},
	RulesetFruits:  {"MR"},
	RulesetKeys:    {"4K", "5K", "6K", "7K", "8K", "9K", "FI", "MR", "RD"},
}

var legalByRuleset = buildLegalTable()

func buildLegalTable() map[int16]map[types.Mod]struct{} {
	table := make(map[int16]map[types.Mod]struct{})
	for id := MinRuleset; id <= MaxRuleset; id++ {
		set := make(map[types.Mod]struct{})
		for _, m := range universal {
			set[m] = struct{}{}
		}
		for _, m := range perRuleset[id] {
			set[m] = struct{}{}
		}
		table[id] = set
	}
	return table
}

// Legal reports whether the mod may be selected in the given ruleset.
func Legal(rulesetID int16, mod types.Mod) bool {
	set, ok := legalByRuleset[rulesetID]
	if !ok {
		return false
	}
	_, ok = set[mod]
	return ok
}

// Validate checks a required/allowed mod selection against a ruleset:
// the ruleset id must be in range, every mod must be legal for the ruleset,
// and the required and allowed sets must be disjoint.
func Validate(rulesetID int16, required, allowed []types.Mod) error {
	if !ValidRuleset(rulesetID) {
		return fmt.Errorf("%w: ruleset %d is out of range", types.ErrInvalidState, rulesetID)
	}

	requiredSet := make(map[types.Mod]struct{}, len(required))
	for _, m := range required {
		if !Legal(rulesetID, m) {
			return fmt.Errorf("%w: mod %s is not valid for ruleset %d", types.ErrInvalidState, m, rulesetID)
		}
		requiredSet[m] = struct{}{}
	}

	for _, m := range allowed {
		if !Legal(rulesetID, m) {
			return fmt.Errorf("%w: mod %s is not valid for ruleset %d", types.ErrInvalidState, m, rulesetID)
		}
		if _, dup := requiredSet[m]; dup {
			return fmt.Errorf("%w: mod %s cannot be both required and allowed", types.ErrInvalidState, m)
		}
	}

	return nil
}
