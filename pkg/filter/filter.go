// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package filter

import (
	"errors"
	"fmt"
)

// ErrConfigInvalid reports a malformed rule set. Rule sets are rejected as
// a whole at compile time; a bad rule is never silently skipped.
var ErrConfigInvalid = errors.New("invalid filter configuration")

// Rule is a literal substitution pair. Replacement must be exactly as long
// as Pattern: substitution happens in place and must never change how many
// bytes the caller believes it received.
type Rule struct {
	ID          string
	Pattern     []byte
	Replacement []byte
}

// Engine applies a fixed, ordered rule set to buffers in place.
type Engine struct {
	rules []Rule
}

// Compile validates rules and builds an Engine. Violations of the
// equal-length invariant or an empty pattern fail with ErrConfigInvalid.
func Compile(rules []Rule) (*Engine, error) {
	for i, r := range rules {
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("rule[%d]", i)
		}
		if len(r.Pattern) == 0 {
			return nil, fmt.Errorf("%w: %s has empty pattern", ErrConfigInvalid, id)
		}
		if len(r.Replacement) != len(r.Pattern) {
			return nil, fmt.Errorf("%w: %s replacement length %d != pattern length %d",
				ErrConfigInvalid, id, len(r.Replacement), len(r.Pattern))
		}
	}
	e := &Engine{rules: make([]Rule, len(rules))}
	copy(e.rules, rules)
	return e, nil
}

// Empty reports whether the engine has no rules.
func (e *Engine) Empty() bool { return len(e.rules) == 0 }

// Rules returns the compiled rule set.
func (e *Engine) Rules() []Rule { return e.rules }

// ScanAndSubstitute performs a single left-to-right pass over buf. At each
// offset the rules are tested in configured order; the first match wins,
// the matched span is overwritten with the rule's replacement, and the
// cursor advances past it, so matches never overlap and substituted text
// is not rescanned. Returns whether buf was modified, the total match
// count, and the distinct IDs of the rules that matched, in first-match
// order. buf is modified in place; its length never changes.
func (e *Engine) ScanAndSubstitute(buf []byte) (modified bool, count int, ruleIDs []string) {
	if len(buf) == 0 || len(e.rules) == 0 {
		return false, 0, nil
	}

	for pos := 0; pos < len(buf); {
		advanced := false
		for _, r := range e.rules {
			if pos+len(r.Pattern) > len(buf) {
				continue
			}
			if !matchAt(buf, pos, r.Pattern) {
				continue
			}
			copy(buf[pos:pos+len(r.Replacement)], r.Replacement)
			count++
			ruleIDs = appendUnique(ruleIDs, r.ID)
			pos += len(r.Pattern)
			advanced = true
			break
		}
		if !advanced {
			pos++
		}
	}
	return count > 0, count, ruleIDs
}

func matchAt(buf []byte, pos int, pat []byte) bool {
	for i := range pat {
		if buf[pos+i] != pat[i] {
			return false
		}
	}
	return true
}

func appendUnique(ids []string, id string) []string {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}
