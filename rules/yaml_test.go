package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleRules = `
transport:
  title: Transport
transport . mode:
  question: Quel moyen de transport ?
  default: "'voiture'"
transport . mode . voiture:
transport . mode . velo:
transport . distance:
  question: Combien de km par an ?
  unit: km
  default: 1000
transport . electrique:
  question: Est-elle électrique ?
  default: non
  applicable_if: transport.mode == "voiture"
transport . empreinte: transport.distance * 0.5
`

func TestLoadYAML(t *testing.T) {
	defs, err := LoadYAML(strings.NewReader(sampleRules))
	if err != nil {
		t.Fatalf("LoadYAML() failed: %v", err)
	}

	if len(defs) != 7 {
		t.Fatalf("LoadYAML() returned %d rules, want 7", len(defs))
	}

	byName := make(map[string]*Rule)
	for i, d := range defs {
		if i > 0 && defs[i-1].Name >= d.Name {
			t.Errorf("rules not sorted: %q before %q", defs[i-1].Name, d.Name)
		}
		if !d.Active || d.ID != d.Name {
			t.Errorf("rule %q: Active = %v, ID = %q", d.Name, d.Active, d.ID)
		}
		byName[d.Name] = d
	}

	tests := []struct {
		name  string
		check func(r *Rule) bool
	}{
		{"transport", func(r *Rule) bool { return r.Title == "Transport" && r.Formula == "" }},
		{"transport . mode", func(r *Rule) bool { return r.Question != "" && r.Default == "'voiture'" }},
		{"transport . mode . velo", func(r *Rule) bool { return r.Formula == "" && r.Question == "" }},
		{"transport . distance", func(r *Rule) bool { return r.Unit == "km" && r.Default == "1000" }},
		{"transport . electrique", func(r *Rule) bool {
			return r.Default == "false" && r.ApplicableIf == `transport.mode == "voiture"`
		}},
		{"transport . empreinte", func(r *Rule) bool { return r.Formula == "transport.distance * 0.5" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := byName[tt.name]
			if !ok {
				t.Fatalf("rule %q not loaded", tt.name)
			}
			if !tt.check(r) {
				t.Errorf("unexpected definition: %+v", r)
			}
		})
	}
}

// TestLoadYAMLYesNo verifies oui/non become booleans in expressions but not in text
func TestLoadYAMLYesNo(t *testing.T) {
	defs, err := LoadYAML(strings.NewReader(`
a:
  title: oui
  question: non
  default: oui
b: non
`))
	if err != nil {
		t.Fatalf("LoadYAML() failed: %v", err)
	}

	a, b := defs[0], defs[1]
	if a.Title != "oui" || a.Question != "non" {
		t.Errorf("text fields should be verbatim, got title %q question %q", a.Title, a.Question)
	}
	if a.Default != "true" {
		t.Errorf("Default = %q, want true", a.Default)
	}
	if b.Formula != "false" {
		t.Errorf("Formula = %q, want false", b.Formula)
	}
}

// TestLoadYAMLCompiles verifies a loaded document evaluates end to end
func TestLoadYAMLCompiles(t *testing.T) {
	defs, err := LoadYAML(strings.NewReader(sampleRules))
	if err != nil {
		t.Fatalf("LoadYAML() failed: %v", err)
	}

	en := NewEngine(mustCatalog(t, defs...))

	n := mustEvaluate(t, en, "transport . empreinte")
	if n.Value != 500.0 {
		t.Errorf("empreinte = %v, want 500", n.Value)
	}

	elec := mustEvaluate(t, en, "transport . electrique")
	if !elec.Applicable || elec.Value != false {
		t.Errorf("electrique = %v (applicable %v), want false and applicable", elec.Value, elec.Applicable)
	}

	en.SetSituation(map[string]any{"transport . mode": "velo"})
	elec = mustEvaluate(t, en, "transport . electrique")
	if elec.Applicable {
		t.Error("electrique should not apply to a bike")
	}
}

func TestLoadYAMLEmpty(t *testing.T) {
	defs, err := LoadYAML(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadYAML() failed: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("LoadYAML() returned %d rules, want 0", len(defs))
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	inputs := []string{
		"- a\n- b\n",
		"a:\n  formula: [1, 2]\n",
		"a: [1, 2]\n",
	}

	for _, in := range inputs {
		if _, err := LoadYAML(strings.NewReader(in)); err == nil {
			t.Errorf("LoadYAML(%q) = nil error, want error", in)
		}
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRules), 0o644); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadYAMLFile(path)
	if err != nil {
		t.Fatalf("LoadYAMLFile() failed: %v", err)
	}
	if len(defs) != 7 {
		t.Errorf("LoadYAMLFile() returned %d rules, want 7", len(defs))
	}

	if _, err := LoadYAMLFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadYAMLFile() on a missing file should fail")
	}
}
