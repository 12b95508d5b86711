package rules

import (
	"fmt"
	"strings"
	"testing"
)

// TestValidateRules_Empty verifies an empty ruleset is valid
func TestValidateRules_Empty(t *testing.T) {
	if err := ValidateRules(nil); err != nil {
		t.Errorf("ValidateRules(nil) = %v, want nil", err)
	}
}

// TestValidateRules_TooManyRules verifies the ruleset size limit
func TestValidateRules_TooManyRules(t *testing.T) {
	defs := make([]*Rule, 0, maxRules+1)
	for i := 0; i <= maxRules; i++ {
		defs = append(defs, &Rule{Name: fmt.Sprintf("r%d", i)})
	}

	err := ValidateRules(defs)
	if err == nil {
		t.Fatal("Expected error for too many rules, got nil")
	}
	if !strings.Contains(err.Error(), fmt.Sprint(maxRules)) {
		t.Errorf("Expected error message about the maximum, got: %v", err)
	}
}

// TestValidateRules_NilRule verifies nil entries are rejected
func TestValidateRules_NilRule(t *testing.T) {
	if err := ValidateRules([]*Rule{{Name: "a"}, nil}); err == nil {
		t.Error("Expected error for nil rule, got nil")
	}
}

// TestValidateRules_Duplicates verifies names must be unique once normalized
func TestValidateRules_Duplicates(t *testing.T) {
	err := ValidateRules([]*Rule{{Name: "a . b"}, {Name: "a.b"}})
	if err == nil {
		t.Fatal("Expected error for duplicate rules, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Expected duplicate error, got: %v", err)
	}
}

// TestValidateRules_IdentifierCollision verifies names cannot share an identifier
func TestValidateRules_IdentifierCollision(t *testing.T) {
	err := ValidateRules([]*Rule{{Name: "prix total"}, {Name: "prix_total"}})
	if err == nil {
		t.Fatal("Expected error for identifier collision, got nil")
	}
	if !strings.Contains(err.Error(), "prix_total") {
		t.Errorf("Expected error to name the identifier, got: %v", err)
	}
}

// TestValidateRules_DefaultWithoutQuestion verifies defaults only apply to questions
func TestValidateRules_DefaultWithoutQuestion(t *testing.T) {
	if err := ValidateRules([]*Rule{{Name: "a", Default: "1"}}); err == nil {
		t.Error("Expected error for default without question, got nil")
	}
	if err := ValidateRules([]*Rule{{Name: "a", Question: "A ?", Default: "1"}}); err != nil {
		t.Errorf("ValidateRules() = %v, want nil", err)
	}
}

// TestValidateRuleName_ValidFormats verifies accepted rule names
func TestValidateRuleName_ValidFormats(t *testing.T) {
	validNames := []string{
		"a",
		"_private",
		"transport",
		"transport . voiture",
		"transport . prix total",
		"alimentation . repas . viande rouge",
		"CO2",
		"x1 . y2",
	}

	for _, name := range validNames {
		t.Run(name, func(t *testing.T) {
			if err := ValidateRuleName(name); err != nil {
				t.Errorf("ValidateRuleName(%q) = %v, want nil", name, err)
			}
		})
	}
}

// TestValidateRuleName_InvalidFormats verifies rejected rule names
func TestValidateRuleName_InvalidFormats(t *testing.T) {
	invalidNames := []string{
		"",
		"   ",
		"1abc",
		"a . ",
		". a",
		"a .. b",
		"prix-total",
		"prix €",
		"a . 2b",
	}

	for _, name := range invalidNames {
		t.Run(name, func(t *testing.T) {
			if err := ValidateRuleName(name); err == nil {
				t.Errorf("ValidateRuleName(%q) = nil, want error", name)
			}
		})
	}
}

// TestValidateRuleName_ReservedKeywords verifies segments cannot shadow CEL keywords
func TestValidateRuleName_ReservedKeywords(t *testing.T) {
	keywords := []string{"true", "false", "null", "in", "int", "double", "string", "map", "dyn"}

	for _, kw := range keywords {
		t.Run(kw, func(t *testing.T) {
			if err := ValidateRuleName(kw); err == nil {
				t.Errorf("ValidateRuleName(%q) = nil, want error", kw)
			}
			if err := ValidateRuleName("a . " + kw); err == nil {
				t.Errorf("ValidateRuleName(%q) = nil, want error", "a . "+kw)
			}
		})
	}
}

// TestValidateRuleName_LengthLimits verifies segment and name length limits
func TestValidateRuleName_LengthLimits(t *testing.T) {
	if err := ValidateRuleName(strings.Repeat("a", maxSegmentLength)); err != nil {
		t.Errorf("segment of %d characters should be valid: %v", maxSegmentLength, err)
	}
	if err := ValidateRuleName(strings.Repeat("a", maxSegmentLength+1)); err == nil {
		t.Errorf("segment of %d characters should be rejected", maxSegmentLength+1)
	}

	long := strings.Repeat("abcdefghij . ", 30)
	if err := ValidateRuleName(long); err == nil {
		t.Errorf("name of %d characters should be rejected", len(long))
	}
}

// TestNewCatalog_CompileErrors verifies invalid expressions fail the catalog
func TestNewCatalog_CompileErrors(t *testing.T) {
	tests := []struct {
		name string
		rule *Rule
		want string
	}{
		{"syntax error", &Rule{Name: "a", Formula: "1.0 +"}, "formula"},
		{"undeclared reference", &Rule{Name: "a", Formula: "inconnue * 2.0"}, "formula"},
		{"bad default", &Rule{Name: "a", Question: "A ?", Default: "("}, "default"},
		{"bad guard", &Rule{Name: "a", ApplicableIf: "&&"}, "applicable_if"},
		{"bad negative guard", &Rule{Name: "a", NotApplicableIf: "||"}, "not_applicable_if"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog([]*Rule{tt.rule})
			if err == nil {
				t.Fatal("NewCatalog() = nil error, want compile error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

// TestNewCatalog_NoPanic verifies odd definitions return errors instead of panicking
func TestNewCatalog_NoPanic(t *testing.T) {
	inputs := [][]*Rule{
		nil,
		{nil},
		{{Name: ""}},
		{{Name: "a", Formula: "\x00"}},
		{{Name: "a", Formula: strings.Repeat("(", 500)}},
	}

	for i, defs := range inputs {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("NewCatalog() panicked: %v", r)
				}
			}()
			NewCatalog(defs)
		})
	}
}

func BenchmarkNewCatalog(b *testing.B) {
	defs := make([]*Rule, 0, 200)
	for i := 0; i < 100; i++ {
		defs = append(defs,
			&Rule{Name: fmt.Sprintf("q%d", i), Question: "?"},
			&Rule{Name: fmt.Sprintf("f%d", i), Formula: fmt.Sprintf("q%d * 2.0", i)},
		)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := NewCatalog(defs); err != nil {
			b.Fatal(err)
		}
	}
}
