package evaluation

import (
	"encoding/json"
	"fmt"
)

// EvaluatedRule is the published outcome of evaluating one rule.
//
// NodeValue and IsApplicable are independent signals: a rule out of scope
// reports IsApplicable false whatever its formula would compute, and an
// in-scope rule may still have a nil NodeValue while questions it depends on
// are unanswered.
type EvaluatedRule struct {
	NodeValue        any      `json:"nodeValue"`
	IsApplicable     bool     `json:"isApplicable"`
	MissingVariables []string `json:"missingVariables"`
}

// Entry pairs a rule name with its result.
// It encodes as the JSON tuple [name, result].
type Entry struct {
	Rule   string
	Result EvaluatedRule
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Rule, e.Result})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("evaluated rule must be a [name, result] pair, got %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &e.Rule); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &e.Result)
}

// BatchResult holds results in the order the rules were requested.
type BatchResult []Entry

// Names returns the rule names of the batch, in order.
func (b BatchResult) Names() []string {
	out := make([]string, len(b))
	for i, e := range b {
		out[i] = e.Rule
	}
	return out
}
