package situation

import (
	"sort"

	"github.com/liamcoop/rulesadapter/rules"
)

// Reason explains why an entry was dropped from a candidate situation.
type Reason string

const (
	ReasonUnknownRule   Reason = "unknown_rule"
	ReasonUnknownOption Reason = "unknown_option"
	ReasonEmptyAnswer   Reason = "empty_answer"
	ReasonInvalidNumber Reason = "invalid_number"
)

// Rejection is an entry dropped by Filter.
type Rejection struct {
	Rule   string `json:"rule"`
	Value  Value  `json:"value"`
	Reason Reason `json:"reason"`
}

// Catalog is the lookup Filter validates rule names against.
type Catalog interface {
	Has(name string) bool
}

// Filter drops the entries of candidate that the catalog cannot evaluate:
// unknown rule names and string answers that are neither a reserved token, a
// number, nor an option declared as "<rule> . <option>". Rejections are
// returned sorted by rule name. Filter never fails: persisted situations
// routinely outlive the rules they were answered against.
func Filter(c Catalog, candidate Situation) (Situation, []Rejection) {
	out := make(Situation, len(candidate))
	var rejected []Rejection

	for name, v := range candidate {
		if reason, ok := check(c, name, v); !ok {
			rejected = append(rejected, Rejection{Rule: name, Value: v, Reason: reason})
			continue
		}
		out[name] = v
	}

	sort.Slice(rejected, func(i, j int) bool {
		return rejected[i].Rule < rejected[j].Rule
	})
	return out, rejected
}

func check(c Catalog, name string, v Value) (Reason, bool) {
	if !c.Has(name) {
		return ReasonUnknownRule, false
	}

	switch v.Kind() {
	case KindNumber:
		if f, _ := v.Float(); !finite(f) {
			return ReasonInvalidNumber, false
		}
		return "", true
	case KindString:
		s, _ := v.Text()
		if s == YesToken || s == NoToken {
			return "", true
		}
		if _, ok := numeric(s); ok {
			return "", true
		}
		if c.Has(rules.Join(name, Unquote(s))) {
			return "", true
		}
		return ReasonUnknownOption, false
	default:
		return ReasonEmptyAnswer, false
	}
}
