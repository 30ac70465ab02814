package system_adaptation

import (
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// Condition decides whether a rule applies to the current state.
type Condition func(state *SystemState) bool

// Action reacts to the state a rule fired on.
type Action func(state *SystemState) error

// Rule is an immutable adaptation rule. Firing state lives in the engine's
// lastFired map, never on the rule itself, so registered rules can be shared
// and re-registered safely.
type Rule struct {
	Name      string
	Event     Event
	Condition Condition
	Action    Action
	Cooldown  time.Duration
	Priority  int // lower value evaluates earlier
	Enabled   bool
}

// ruleEngine evaluates rules in priority order with per-rule cooldowns.
// Callers synchronize access; the engine itself holds no lock.
type ruleEngine struct {
	rules     []Rule
	lastFired map[string]time.Time
}

func newRuleEngine() *ruleEngine {
	return &ruleEngine{
		lastFired: make(map[string]time.Time),
	}
}

func (e *ruleEngine) add(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("adaptation rule needs a name")
	}
	if rule.Condition == nil || rule.Action == nil {
		return fmt.Errorf("adaptation rule %q needs a condition and an action", rule.Name)
	}

	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority < e.rules[j].Priority
	})
	return nil
}

func (e *ruleEngine) removeByEvent(event Event) {
	kept := e.rules[:0]
	for _, rule := range e.rules {
		if rule.Event != event {
			kept = append(kept, rule)
		}
	}
	e.rules = kept
}

func (e *ruleEngine) activeCount() int {
	count := 0
	for _, rule := range e.rules {
		if rule.Enabled {
			count++
		}
	}
	return count
}

// canFire checks the enabled flag and the cooldown window.
func (e *ruleEngine) canFire(rule Rule, now time.Time) bool {
	if !rule.Enabled {
		return false
	}
	last, fired := e.lastFired[rule.Name]
	if !fired {
		return true
	}
	return now.Sub(last) >= rule.Cooldown
}

// evaluate runs every eligible rule against the state in priority order. A
// failing action is counted and isolated; later rules still evaluate.
// Returns (executed, succeeded, failed).
func (e *ruleEngine) evaluate(state *SystemState) (int, int, int) {
	now := time.Now()
	executed, succeeded, failed := 0, 0, 0

	for _, rule := range e.rules {
		if !e.canFire(rule, now) || !rule.Condition(state) {
			continue
		}

		executed++
		if err := runAction(rule, state); err != nil {
			failed++
			log.Errorf("adaptation rule %q failed: %v", rule.Name, err)
		} else {
			succeeded++
		}
		e.lastFired[rule.Name] = now
	}
	return executed, succeeded, failed
}

// runAction isolates panics along with plain action errors.
func runAction(rule Rule, state *SystemState) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action panicked: %v", rec)
		}
	}()
	return rule.Action(state)
}
