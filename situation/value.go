package situation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Reserved answers of boolean questions.
const (
	YesToken = "oui"
	NoToken  = "non"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNumber Kind = iota + 1
	KindString
)

// Value is an answer: a number or a string. Booleans are the strings
// YesToken and NoToken; enum options may be single-quoted ("'velo'").
// The zero Value is invalid.
type Value struct {
	kind   Kind
	number float64
	text   string
}

// Number returns a numeric answer.
func Number(f float64) Value {
	return Value{kind: KindNumber, number: f}
}

// String returns a string answer.
func String(s string) Value {
	return Value{kind: KindString, text: s}
}

// Bool returns YesToken or NoToken.
func Bool(b bool) Value {
	if b {
		return String(YesToken)
	}
	return String(NoToken)
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind {
	return v.kind
}

// IsZero reports whether v holds no answer.
func (v Value) IsZero() bool {
	return v.kind == 0
}

// Float returns the number held by v.
func (v Value) Float() (float64, bool) {
	return v.number, v.kind == KindNumber
}

// Text returns the string held by v.
func (v Value) Text() (string, bool) {
	return v.text, v.kind == KindString
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.number, 'g', -1, 64)
	case KindString:
		return v.text
	default:
		return "<invalid>"
	}
}

// Native converts v to the value a rule sees: float64 for numbers and
// numeric strings, bool for the reserved tokens, the unquoted option otherwise.
func (v Value) Native() any {
	switch v.kind {
	case KindNumber:
		return v.number
	case KindString:
		switch v.text {
		case YesToken:
			return true
		case NoToken:
			return false
		}
		if f, ok := numeric(v.text); ok {
			return f
		}
		return Unquote(v.text)
	default:
		return nil
	}
}

// MarshalJSON encodes v as a JSON number or string, and an empty answer
// as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.number)
	case KindString:
		return json.Marshal(v.text)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a JSON number, string or boolean.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty answer")
	}

	switch data[0] {
	case 'n':
		// null leaves an empty answer, dropped when filtered
		if string(data) != "null" {
			return fmt.Errorf("invalid answer %s", data)
		}
		*v = Value{}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("answer must be a number or a string: %w", err)
		}
		*v = Number(f)
	}
	return nil
}

// Unquote strips a single leading and a single trailing quote character.
func Unquote(s string) string {
	if len(s) > 0 && (s[0] == '\'' || s[0] == '"') {
		s = s[1:]
	}
	if n := len(s); n > 0 && (s[n-1] == '\'' || s[n-1] == '"') {
		s = s[:n-1]
	}
	return s
}

// numeric parses s as a finite number. NaN and infinities are not numbers
// a rule can be answered with.
func numeric(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || !finite(f) {
		return 0, false
	}
	return f, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
