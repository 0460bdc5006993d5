// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package sanitize screens request bodies for common script-injection
// signatures.
//
// Matching is a case-insensitive pattern scan over the raw body, not HTML
// parsing. It has known false positives: a password such as "onload=1" is
// rejected. It has known false negatives: entity-, percent- or JSON-escaped
// payloads ("&#x3c;script", "%3Cscript", "\u003cscript") pass. The last form is
// what encoding/json emits for '<' by default, so bodies marshaled by Go
// clients are never matched on that signature. Output encoding at the
// rendering layer remains the real defense.
package sanitize

import "regexp"

// Rule is one named signature.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultRules are the signatures checked by Default.
var DefaultRules = []Rule{
	{Name: "script_tag", Pattern: regexp.MustCompile(`(?i)<\s*script`)},
	{Name: "javascript_uri", Pattern: regexp.MustCompile(`(?i)javascript\s*:`)},
	{Name: "event_handler", Pattern: regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)},
	{Name: "eval_call", Pattern: regexp.MustCompile(`(?i)\beval\s*\(`)},
	{Name: "css_expression", Pattern: regexp.MustCompile(`(?i)\bexpression\s*\(`)},
}

// Result is the outcome of a scan. Rule names the first matching signature.
type Result struct {
	Clean bool
	Rule  string
}

// Scanner checks bodies against an ordered rule list.
type Scanner struct {
	rules []Rule
}

// New returns a scanner over rules.
func New(rules []Rule) *Scanner {
	return &Scanner{rules: rules}
}

// Default returns a scanner over DefaultRules.
func Default() *Scanner {
	return New(DefaultRules)
}

// Scan checks body. Empty bodies are clean.
func (s *Scanner) Scan(body []byte) Result {
	for _, rule := range s.rules {
		if rule.Pattern.Match(body) {
			return Result{Rule: rule.Name}
		}
	}
	return Result{Clean: true}
}
