// Package notify delivers adapter events to an external consumer.
//
// Delivery is one-way and fire-and-forget: a Channel never reports back to
// the adapter, and a missing or slow consumer must not block it.
package notify

import (
	"encoding/json"

	"github.com/liamcoop/rulesadapter/evaluation"
)

// Type names an event shape.
type Type string

const (
	// TypeSituationChanged signals a new situation. It carries no payload:
	// consumers re-evaluate what they display.
	TypeSituationChanged Type = "situationUpdated"

	// TypeRulesEvaluated carries the results of a batch evaluation.
	TypeRulesEvaluated Type = "evaluatedRules"
)

// Event is one notification.
type Event struct {
	Type  Type
	Rules evaluation.BatchResult
}

// SituationChanged returns the situation changed event.
func SituationChanged() Event {
	return Event{Type: TypeSituationChanged}
}

// RulesEvaluated returns a rules evaluated event for batch.
func RulesEvaluated(batch evaluation.BatchResult) Event {
	return Event{Type: TypeRulesEvaluated, Rules: batch}
}

// MarshalJSON encodes {"type": ...} with "rules" for evaluation events.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == TypeRulesEvaluated {
		rules := e.Rules
		if rules == nil {
			rules = evaluation.BatchResult{}
		}
		return json.Marshal(struct {
			Type  Type                   `json:"type"`
			Rules evaluation.BatchResult `json:"rules"`
		}{e.Type, rules})
	}
	return json.Marshal(struct {
		Type Type `json:"type"`
	}{e.Type})
}

// Channel receives events in the order the adapter produces them.
// Send must not block and must not panic.
type Channel interface {
	Send(Event)
}

// Discard drops every event. It is the channel of a detached adapter.
var Discard Channel = discard{}

type discard struct{}

func (discard) Send(Event) {}

// Func adapts a callback to a Channel. The callback runs synchronously on
// the adapter's goroutine and must return promptly.
type Func func(Event)

func (f Func) Send(e Event) {
	f(e)
}
