package rules

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxRules         = 5000
	maxNameLength    = 300
	maxSegmentLength = 100
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateRules validates a set of rule definitions before compilation.
// Returns an error if validation fails, nil if the set is valid. An empty set
// is valid: a new ruleset starts without rules.
func ValidateRules(defs []*Rule) error {
	if len(defs) > maxRules {
		return fmt.Errorf("ruleset contains %d rules, maximum allowed is %d", len(defs), maxRules)
	}

	names := make(map[string]bool, len(defs))
	idents := make(map[string]string, len(defs))
	for _, r := range defs {
		if r == nil {
			return fmt.Errorf("ruleset contains a nil rule")
		}
		if err := ValidateRuleName(r.Name); err != nil {
			return fmt.Errorf("invalid rule name %q: %w", r.Name, err)
		}

		name := Normalize(r.Name)
		if names[name] {
			return fmt.Errorf("duplicate rule %q", name)
		}
		names[name] = true

		// "a b" and "a_b" would be referenced through the same identifier
		ident := Identifier(name)
		if other, exists := idents[ident]; exists {
			return fmt.Errorf("rules %q and %q share identifier %q", other, name, ident)
		}
		idents[ident] = name

		if r.Default != "" && !r.IsQuestion() {
			return fmt.Errorf("rule %q has a default value but no question", name)
		}
	}

	return nil
}

// ValidateRuleName validates a dot-segmented rule name.
// Each segment, with inner spaces replaced by underscores, must be a valid
// identifier and cannot be a reserved keyword.
func ValidateRuleName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("rule name cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("rule name length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}

	for _, seg := range Segments(name) {
		if err := validateSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

func validateSegment(seg string) error {
	if seg == "" {
		return fmt.Errorf("rule name contains an empty segment")
	}
	if len(seg) > maxSegmentLength {
		return fmt.Errorf("segment length %d exceeds maximum of %d characters", len(seg), maxSegmentLength)
	}

	ident := strings.Join(strings.Fields(seg), "_")
	if !validIdentifier.MatchString(ident) {
		return fmt.Errorf("segment %q must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ once spaces are replaced by underscores", seg)
	}

	if isReservedKeyword(ident) {
		return fmt.Errorf("cannot use reserved keyword %q as a segment", ident)
	}

	return nil
}

// isReservedKeyword checks if a segment would shadow a CEL keyword or type name
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		// Boolean and null literals
		"true":  true,
		"false": true,
		"null":  true,
		// Control flow
		"if":       true,
		"else":     true,
		"for":      true,
		"while":    true,
		"break":    true,
		"continue": true,
		"return":   true,
		// Declarations
		"var":      true,
		"let":      true,
		"const":    true,
		"function": true,
		// Other keywords
		"in":        true,
		"as":        true,
		"import":    true,
		"package":   true,
		"namespace": true,
		"loop":      true,
		"void":      true,
		// Type identifiers
		"int":       true,
		"uint":      true,
		"double":    true,
		"bool":      true,
		"string":    true,
		"bytes":     true,
		"list":      true,
		"map":       true,
		"null_type": true,
		"type":      true,
		"dyn":       true,
	}

	return reservedKeywords[name]
}
