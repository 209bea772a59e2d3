// Package policy implements C3, the permission broker: it matches tool
// invocations against an ordered allow/ask/deny rule table, suspends runs
// awaiting a human decision, and resolves pending requests exactly once.
package policy

import (
	"regexp"
	"time"

	"github.com/SimonBear03/agent-blob/pkg/models"
)

// Rule is one entry in the ordered policy table: a capability plus an
// optional compiled argument predicate. Decision precedence across rule
// classes is deny > ask > allow; within the highest-precedence matching
// class, the first matching rule in table order wins.
type Rule struct {
	Capability string
	ArgPattern *regexp.Regexp
}

// Table is the full ordered policy: one rule list per decision class.
type Table struct {
	Allow []Rule
	Ask   []Rule
	Deny  []Rule
	// MaxAge is how long a pending request may wait before expiring to deny.
	MaxAge time.Duration
}

func (r Rule) matches(capability, argString string) bool {
	if r.Capability != capability {
		return false
	}
	if r.ArgPattern == nil {
		return true
	}
	return r.ArgPattern.MatchString(argString)
}

func matchRules(rules []Rule, capability, argString string) bool {
	for _, r := range rules {
		if r.matches(capability, argString) {
			return true
		}
	}
	return false
}

// shellWritePrimitives is the fixed table of shell write indicators that
// reclassify a shell.run call to shell.write before matching — this is a
// fixed table, never LLM-discretionary (spec §4.3).
var shellWritePrimitives = []*regexp.Regexp{
	regexp.MustCompile(`>>?`),
	regexp.MustCompile(`\btee\b`),
	regexp.MustCompile(`\bsed\s+-i\b`),
	regexp.MustCompile(`\brm\b`),
	regexp.MustCompile(`\bmv\b`),
	regexp.MustCompile(`\bchmod\b`),
	regexp.MustCompile(`\bchown\b`),
}

// ReclassifyShellCapability applies the fixed shell-write detection table:
// a shell.run invocation whose command string contains a write primitive
// is matched against shell.write policy instead.
func ReclassifyShellCapability(capability, command string) string {
	if capability != "shell.run" {
		return capability
	}
	for _, p := range shellWritePrimitives {
		if p.MatchString(command) {
			return "shell.write"
		}
	}
	return capability
}

// CheckRequest describes one capability check against the policy table.
type CheckRequest struct {
	Capability string
	ArgString  string // canonical rendering of args (e.g. the shell command)
}

// Check evaluates a capability/arg pair against the table. Unknown
// capabilities (matched by no rule in any class) default to ask.
func (t Table) Check(req CheckRequest) models.Decision {
	if matchRules(t.Deny, req.Capability, req.ArgString) {
		return models.DecisionDeny
	}
	if matchRules(t.Ask, req.Capability, req.ArgString) {
		return models.DecisionAsk
	}
	if matchRules(t.Allow, req.Capability, req.ArgString) {
		return models.DecisionAllow
	}
	return models.DecisionAsk
}
