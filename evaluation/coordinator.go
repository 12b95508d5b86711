package evaluation

import (
	"fmt"
	"time"

	"github.com/liamcoop/rulesadapter/internal/metrics"
	"github.com/liamcoop/rulesadapter/rules"
)

// Evaluator is the rule engine surface the coordinator drives.
// *rules.Engine satisfies it.
type Evaluator interface {
	Evaluate(name string) (*rules.EvaluatedNode, error)
	IsApplicable(name string) (bool, error)
}

// Coordinator evaluates named rules against the evaluator's current
// situation. It keeps no state between calls.
type Coordinator struct {
	evaluator Evaluator
}

// NewCoordinator creates a coordinator over ev.
func NewCoordinator(ev Evaluator) *Coordinator {
	return &Coordinator{evaluator: ev}
}

// EvaluateOne evaluates a single rule. Unknown rules are caller errors and
// wrap rules.ErrRuleNotFound.
func (c *Coordinator) EvaluateOne(name string) (EvaluatedRule, error) {
	n, err := c.evaluator.Evaluate(name)
	if err != nil {
		metrics.Evaluations.WithLabelValues("error").Inc()
		return EvaluatedRule{}, fmt.Errorf("evaluate %q: %w", name, err)
	}

	// Applicability is its own query rather than a reading of the value,
	// so a nil value never passes for an inapplicable rule.
	applicable, err := c.evaluator.IsApplicable(name)
	if err != nil {
		metrics.Evaluations.WithLabelValues("error").Inc()
		return EvaluatedRule{}, fmt.Errorf("evaluate applicability of %q: %w", name, err)
	}

	metrics.Evaluations.WithLabelValues("ok").Inc()
	missing := n.MissingVariables
	if missing == nil {
		missing = []string{}
	}
	return EvaluatedRule{
		NodeValue:        n.Value,
		IsApplicable:     applicable,
		MissingVariables: missing,
	}, nil
}

// EvaluateMany evaluates names in order. Duplicates are evaluated and
// reported again. The first failing rule aborts the batch: targets are
// expected to come from the catalog, so an unknown name is an integration bug.
func (c *Coordinator) EvaluateMany(names []string) (BatchResult, error) {
	start := time.Now()
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	out := make(BatchResult, 0, len(names))
	for _, name := range names {
		r, err := c.EvaluateOne(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Rule: name, Result: r})
	}
	return out, nil
}
