package rules

import "errors"

var (
	// ErrRuleNotFound is returned when a rule name is not in the catalog.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleExists is returned when adding a rule whose ID or name is taken.
	ErrRuleExists = errors.New("rule already exists")

	// ErrCycle is returned when a rule depends on itself.
	ErrCycle = errors.New("dependency cycle")

	// ErrEvaluation wraps runtime errors raised by a rule expression.
	ErrEvaluation = errors.New("evaluation error")
)
