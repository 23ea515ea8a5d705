// Package compiler — basename.go
//
// Tokenizer for basename patterns. The output is the token sequence the
// kernel-side basename matcher interprets, not a userspace matcher:
//
//	literal bytes      match verbatim, '?' matches any single character
//	[0-9]              exactly one ASCII digit
//	[0-9]+             one or more ASCII digits
//	trailing '*'       prefix match (everything before it must match)
//
// Anything else — interior '*', bracket expressions other than [0-9] —
// is outside the grammar and rejected.

package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cgfence/cgfence/internal/bpflsm"
)

// errDegradeChildren signals that the pattern was a pure "*" and should
// install a children-only directory rule instead of a basename rule.
var errDegradeChildren = errors.New("pattern degrades to children-only rule")

// errPlainPlus signals a bare '+' literal (the glob shorthand), which the
// basename grammar does not cover; the caller re-routes to glob
// expansion.
var errPlainPlus = errors.New("bare '+' outside digit class")

const digitClass = "[0-9]"

// ParseBasenamePattern tokenizes one basename pattern into a rule.
func ParseBasenamePattern(pattern string) (bpflsm.BasenameRule, error) {
	var rule bpflsm.BasenameRule

	if pattern == "*" {
		return rule, errDegradeChildren
	}

	rest := pattern
	var literal strings.Builder

	flushLiteral := func() error {
		if literal.Len() == 0 {
			return nil
		}
		if err := rule.Literal(literal.String()); err != nil {
			return err
		}
		literal.Reset()
		return nil
	}

	for len(rest) > 0 {
		switch rest[0] {
		case '[':
			if !strings.HasPrefix(rest, digitClass) {
				return rule, fmt.Errorf("%w: bracket expression in %q (only %s is recognized)",
					ErrNotSupported, pattern, digitClass)
			}
			if err := flushLiteral(); err != nil {
				return rule, err
			}
			rest = rest[len(digitClass):]
			plus := strings.HasPrefix(rest, "+")
			if plus {
				rest = rest[1:]
			}
			if err := rule.Digit(plus); err != nil {
				return rule, err
			}
		case '*':
			if len(rest) != 1 {
				return rule, fmt.Errorf("%w: interior '*' in %q", ErrNotSupported, pattern)
			}
			if err := flushLiteral(); err != nil {
				return rule, err
			}
			rule.TailWildcard = true
			rest = rest[1:]
		case '+':
			return rule, errPlainPlus
		default:
			// '?' rides along inside the literal; the kernel matcher
			// treats it as a single-character wildcard.
			literal.WriteByte(rest[0])
			rest = rest[1:]
		}
	}
	if err := flushLiteral(); err != nil {
		return rule, err
	}
	if rule.Count == 0 && !rule.TailWildcard {
		return rule, fmt.Errorf("%w: empty basename pattern", ErrNotSupported)
	}
	return rule, nil
}
