package rules

import "strings"

// Separator joins the segments of a rule name.
const Separator = " . "

// Segments splits a rule name into its trimmed segments.
func Segments(name string) []string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// Normalize returns the canonical form of a rule name, "a . b".
func Normalize(name string) string {
	return strings.Join(Segments(name), Separator)
}

// Join builds a rule name from segments or sub-names.
func Join(parts ...string) string {
	return Normalize(strings.Join(parts, "."))
}

// Parent returns the name of the enclosing rule, or "" for a top-level rule.
func Parent(name string) string {
	segs := Segments(name)
	if len(segs) < 2 {
		return ""
	}
	return strings.Join(segs[:len(segs)-1], Separator)
}

// Identifier returns the name under which formulas reference the rule:
// segments joined with dots, inner spaces replaced by underscores.
// "transport . prix total" becomes "transport.prix_total".
func Identifier(name string) string {
	segs := Segments(name)
	for i, s := range segs {
		segs[i] = strings.Join(strings.Fields(s), "_")
	}
	return strings.Join(segs, ".")
}
