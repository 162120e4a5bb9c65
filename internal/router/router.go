// Package router matches events against ordered rules and delivers
// them to named sinks, so an engine can send errors one way and debug
// chatter another.
package router

import (
	"fmt"
	"path"
	"regexp"
	"sync"

	"logward/pkg/types"

	"github.com/sirupsen/logrus"
)

// Rule selects events by severity band and name/message patterns and
// names the sinks that should receive them. Zero-value fields match
// everything.
type Rule struct {
	// Name identifies the rule in diagnostics.
	Name string
	// MinLevel and MaxLevel bound the severity band, inclusive.
	// MaxLevel zero means unbounded.
	MinLevel types.Level
	MaxLevel types.Level
	// LoggerPattern is a glob matched against the event's logger
	// name. Empty matches all.
	LoggerPattern string
	// MessagePattern is a compiled regexp matched against the
	// message. Nil matches all.
	MessagePattern *regexp.Regexp
	// Targets are the sink names the event goes to.
	Targets []string
	// StopOnMatch halts rule evaluation after this rule fires.
	StopOnMatch bool
}

func (r Rule) matches(event *types.LogEvent) bool {
	if event.Level < r.MinLevel {
		return false
	}
	if r.MaxLevel != 0 && event.Level > r.MaxLevel {
		return false
	}
	if r.LoggerPattern != "" {
		ok, err := path.Match(r.LoggerPattern, event.LoggerName)
		if err != nil || !ok {
			return false
		}
	}
	if r.MessagePattern != nil && !r.MessagePattern.MatchString(event.Message) {
		return false
	}
	return true
}

// Router evaluates rules in order and fans events out to named
// sinks. Events matching no rule go to the default targets.
type Router struct {
	logger *logrus.Logger

	mu             sync.RWMutex
	sinks          map[string]types.Sink
	rules          []Rule
	defaultTargets []string
}

// New returns an empty router.
func New(logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Router{
		logger: logger,
		sinks:  make(map[string]types.Sink),
	}
}

// RegisterSink makes a sink addressable by rule targets. Registering
// the same name twice replaces the sink.
func (r *Router) RegisterSink(name string, sink types.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = sink
}

// AddRule appends a rule. Order matters: earlier rules are evaluated
// first and StopOnMatch short-circuits the rest.
func (r *Router) AddRule(rule Rule) error {
	if len(rule.Targets) == 0 {
		return fmt.Errorf("rule %q has no targets", rule.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	return nil
}

// SetDefault names the sinks that receive events no rule matched.
func (r *Router) SetDefault(targets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultTargets = targets
}

// SinksFor returns the target names an event would be delivered to,
// deduplicated, without writing anything.
func (r *Router) SinksFor(event *types.LogEvent) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targetsLocked(event)
}

func (r *Router) targetsLocked(event *types.LogEvent) []string {
	var out []string
	seen := make(map[string]bool)
	matched := false
	for _, rule := range r.rules {
		if !rule.matches(event) {
			continue
		}
		matched = true
		for _, t := range rule.Targets {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
		if rule.StopOnMatch {
			return out
		}
	}
	if !matched {
		return append(out, r.defaultTargets...)
	}
	return out
}

// Dispatch writes the event to every matched sink and returns how
// many sinks accepted it. Unknown targets and sink errors are logged
// and skipped.
func (r *Router) Dispatch(event *types.LogEvent) int {
	r.mu.RLock()
	targets := r.targetsLocked(event)
	sinks := make([]struct {
		name string
		sink types.Sink
	}, 0, len(targets))
	for _, name := range targets {
		sink, ok := r.sinks[name]
		if !ok {
			r.logger.WithField("target", name).Warn("Route targets unknown sink")
			continue
		}
		sinks = append(sinks, struct {
			name string
			sink types.Sink
		}{name, sink})
	}
	r.mu.RUnlock()

	delivered := 0
	for _, ns := range sinks {
		if err := ns.sink.Write(event); err != nil {
			r.logger.WithError(err).WithField("sink", ns.name).Warn("Routed write failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Flush flushes every registered sink that supports it.
func (r *Router) Flush() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for name, sink := range r.sinks {
		if flusher, ok := sink.(types.Flusher); ok {
			if err := flusher.Flush(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("flush of sink %s failed: %w", name, err)
			}
		}
	}
	return firstErr
}

// Close closes every registered sink that supports it.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, sink := range r.sinks {
		if closer, ok := sink.(types.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close of sink %s failed: %w", name, err)
			}
		}
	}
	return firstErr
}
