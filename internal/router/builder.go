package router

import (
	"regexp"

	"logward/pkg/types"
)

// RuleBuilder assembles a Rule fluently:
//
//	rule, err := NewRule("errors").
//		MinLevel(types.LevelError).
//		MatchMessage(`timeout`).
//		To("alerts", "file").
//		Build()
type RuleBuilder struct {
	rule       Rule
	messageExp string
}

// NewRule starts a builder for a named rule.
func NewRule(name string) *RuleBuilder {
	return &RuleBuilder{rule: Rule{Name: name}}
}

// MinLevel sets the lower severity bound, inclusive.
func (b *RuleBuilder) MinLevel(level types.Level) *RuleBuilder {
	b.rule.MinLevel = level
	return b
}

// MaxLevel sets the upper severity bound, inclusive.
func (b *RuleBuilder) MaxLevel(level types.Level) *RuleBuilder {
	b.rule.MaxLevel = level
	return b
}

// MatchLogger sets a glob pattern on the logger name.
func (b *RuleBuilder) MatchLogger(pattern string) *RuleBuilder {
	b.rule.LoggerPattern = pattern
	return b
}

// MatchMessage sets a regexp on the message text.
func (b *RuleBuilder) MatchMessage(expr string) *RuleBuilder {
	b.messageExp = expr
	return b
}

// To sets the target sink names.
func (b *RuleBuilder) To(targets ...string) *RuleBuilder {
	b.rule.Targets = targets
	return b
}

// Stop makes the rule terminal: later rules are not evaluated for a
// matching event.
func (b *RuleBuilder) Stop() *RuleBuilder {
	b.rule.StopOnMatch = true
	return b
}

// Build compiles the message pattern and returns the rule.
func (b *RuleBuilder) Build() (Rule, error) {
	if b.messageExp != "" {
		re, err := regexp.Compile(b.messageExp)
		if err != nil {
			return Rule{}, err
		}
		b.rule.MessagePattern = re
	}
	return b.rule, nil
}
