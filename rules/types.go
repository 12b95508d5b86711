package rules

import "time"

// Rule is a single named rule definition.
// Name is dot-segmented ("transport . voiture") and unique within a ruleset.
// Every expression field is a CEL expression referencing other rules by their
// identifier form (see Identifier).
type Rule struct {
	ID          string
	RulesetID   string
	Name        string
	Title       string
	Description string
	Unit        string

	// Formula computes the rule value. Empty for inputs and namespaces.
	Formula string

	// Question marks the rule as a user input. An unanswered question is
	// reported as a missing variable.
	Question string

	// Default is used as the value of an unanswered question.
	Default string

	// ApplicableIf must evaluate to true for the rule to be in scope.
	ApplicableIf string

	// NotApplicableIf takes the rule out of scope when it evaluates to true.
	NotApplicableIf string

	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsQuestion reports whether the rule expects an answer from the user.
func (r *Rule) IsQuestion() bool {
	return r.Question != ""
}

// EvaluatedNode is the outcome of evaluating one rule against a situation.
type EvaluatedNode struct {
	Name string

	// Value is nil when the rule has no value: not applicable, or depending on
	// an absent value. It is never a zero value standing in for absence.
	Value any

	// Applicable is false when a parent or guard takes the rule out of scope.
	Applicable bool

	// MissingVariables lists the unanswered questions the value depends on,
	// sorted by name.
	MissingVariables []string
}
