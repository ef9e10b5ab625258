// Package policy decides whether an incoming file offer may be accepted
// without asking the user.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Decision is the outcome of evaluating an offer against the rules.
type Decision int

const (
	// Deny means a human has to decide.
	Deny Decision = iota
	// Allow means the offer may be accepted automatically.
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Rules is a compiled auto-accept rule set. The zero value denies everything.
type Rules struct {
	Enabled  bool
	Nicks    []string
	Masks    []*regexp.Regexp
	FoldCase bool
}

// Compile builds a rule set, compiling every mask pattern. A malformed
// pattern is reported here so it can fail configuration loading.
func Compile(enabled bool, nicks, masks []string, foldCase bool) (*Rules, error) {
	rules := &Rules{
		Enabled:  enabled,
		Nicks:    append([]string(nil), nicks...),
		FoldCase: foldCase,
	}

	for _, pattern := range masks {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid auto_accept mask %q: %w", pattern, err)
		}
		rules.Masks = append(rules.Masks, re)
	}

	return rules, nil
}

// Evaluate checks an offer from nick with the given full hostmask. Allow
// requires the rules to be enabled, a default save directory to exist, and
// either an exact nick match or a mask match. Empty lists never match.
func (r *Rules) Evaluate(nick, hostmask string, saveDirConfigured bool) Decision {
	if r == nil || !r.Enabled || !saveDirConfigured {
		return Deny
	}

	if r.matchNick(nick) || r.matchMask(hostmask) {
		return Allow
	}

	return Deny
}

func (r *Rules) matchNick(nick string) bool {
	for _, candidate := range r.Nicks {
		if r.FoldCase {
			if FoldNick(candidate) == FoldNick(nick) {
				return true
			}
			continue
		}
		if candidate == nick {
			return true
		}
	}
	return false
}

func (r *Rules) matchMask(hostmask string) bool {
	if hostmask == "" {
		return false
	}
	for _, re := range r.Masks {
		if re.MatchString(hostmask) {
			return true
		}
	}
	return false
}

// FoldNick lowercases a nick using RFC 1459 casemapping, where []\~ are the
// upper case forms of {}|^.
func FoldNick(nick string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		case r == '~':
			return '^'
		}
		return r
	}, nick)
}
