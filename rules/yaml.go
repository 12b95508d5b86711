package rules

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ruleDocument is the YAML form of a rule. A rule may also be written as a
// bare scalar, which is read as its formula:
//
//	prix: 12.5
//	transport:
//	  question: Quel moyen de transport ?
//	  default: "'voiture'"
//	transport . voiture:
//	transport . velo:
type ruleDocument struct {
	Title           text       `yaml:"title"`
	Description     text       `yaml:"description"`
	Unit            text       `yaml:"unit"`
	Formula         expression `yaml:"formula"`
	Question        text       `yaml:"question"`
	Default         expression `yaml:"default"`
	ApplicableIf    expression `yaml:"applicable_if"`
	NotApplicableIf expression `yaml:"not_applicable_if"`
}

func (d *ruleDocument) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var e expression
		if err := e.UnmarshalYAML(value); err != nil {
			return err
		}
		d.Formula = e
		return nil
	case yaml.MappingNode:
		type plain ruleDocument
		return value.Decode((*plain)(d))
	default:
		return fmt.Errorf("line %d: rule must be a scalar or a mapping", value.Line)
	}
}

// expression accepts any YAML scalar and keeps its source text.
type expression string

func (e *expression) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", value.Line)
	}
	switch {
	case value.Tag == "!!null":
		*e = ""
	case value.Value == "oui":
		*e = "true"
	case value.Value == "non":
		*e = "false"
	default:
		*e = expression(value.Value)
	}
	return nil
}

// text accepts any YAML scalar verbatim.
type text string

func (t *text) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", value.Line)
	}
	if value.Tag != "!!null" {
		*t = text(value.Value)
	}
	return nil
}

// LoadYAML reads rule definitions from a YAML document mapping rule names to
// definitions. Rules are returned sorted by name and active.
func LoadYAML(r io.Reader) ([]*Rule, error) {
	var docs map[string]ruleDocument
	if err := yaml.NewDecoder(r).Decode(&docs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]*Rule, 0, len(docs))
	for _, name := range names {
		d := docs[name]
		defs = append(defs, &Rule{
			ID:              Normalize(name),
			Name:            Normalize(name),
			Title:           string(d.Title),
			Description:     string(d.Description),
			Unit:            string(d.Unit),
			Formula:         string(d.Formula),
			Question:        string(d.Question),
			Default:         string(d.Default),
			ApplicableIf:    string(d.ApplicableIf),
			NotApplicableIf: string(d.NotApplicableIf),
			Active:          true,
		})
	}

	return defs, nil
}

// LoadYAMLFile reads rule definitions from a YAML file.
func LoadYAMLFile(path string) ([]*Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer f.Close()

	return LoadYAML(f)
}
