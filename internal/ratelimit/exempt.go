// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ratelimit

import (
	"context"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Exemptions matches client keys against glob patterns such as "127.0.0.1"
// or "10.*". Patterns have no separators, so "*" spans dots and colons.
type Exemptions struct {
	globs []glob.Glob
}

// NewExemptions compiles patterns. Empty patterns are skipped.
func NewExemptions(patterns []string) (*Exemptions, error) {
	e := &Exemptions{}
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, oops.Code("RATELIMIT_INVALID_EXEMPTION").
				With("pattern", pattern).
				Wrap(err)
		}
		e.globs = append(e.globs, g)
	}
	return e, nil
}

// Match reports whether key matches any pattern.
func (e *Exemptions) Match(key string) bool {
	if e == nil {
		return false
	}
	for _, g := range e.globs {
		if g.Match(key) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (e *Exemptions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.globs)
}

type exemptLimiter struct {
	next       Limiter
	exemptions *Exemptions
}

// WithExemptions wraps next so matching keys are admitted without being
// counted. It returns next unchanged when there are no patterns.
func WithExemptions(next Limiter, exemptions *Exemptions) Limiter {
	if exemptions.Len() == 0 {
		return next
	}
	return &exemptLimiter{next: next, exemptions: exemptions}
}

func (l *exemptLimiter) Admit(ctx context.Context, key string) (Decision, error) {
	if l.exemptions.Match(key) {
		return Decision{Allowed: true, Exempt: true}, nil
	}
	return l.next.Admit(ctx, key)
}
