package rules

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
)

// defaultCostLimit bounds the evaluation cost of a single expression so a
// runaway formula cannot exhaust the process.
const defaultCostLimit = 1000000

// Catalog is an immutable set of compiled rules.
// It is safe for concurrent use.
type Catalog struct {
	env      *cel.Env
	rules    map[string]*compiledRule
	byIdent  map[string]string   // identifier -> rule name
	children map[string][]string // rule name -> direct children
	names    []string
}

// compiledRule holds the programs compiled from a Rule definition.
// A nil program means the expression was not set.
type compiledRule struct {
	def             Rule
	formula         cel.Program
	defaultValue    cel.Program
	applicableIf    cel.Program
	notApplicableIf cel.Program
}

// NewCatalog validates and compiles rule definitions into a catalog.
// Any invalid name or expression fails the whole catalog.
func NewCatalog(defs []*Rule) (*Catalog, error) {
	if err := ValidateRules(defs); err != nil {
		return nil, err
	}

	c := &Catalog{
		rules:    make(map[string]*compiledRule, len(defs)),
		byIdent:  make(map[string]string, len(defs)),
		children: make(map[string][]string),
		names:    make([]string, 0, len(defs)),
	}

	// Every rule is a dynamic variable resolved lazily at evaluation time
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, r := range defs {
		name := Normalize(r.Name)
		ident := Identifier(name)
		c.byIdent[ident] = name
		c.names = append(c.names, name)
		opts = append(opts, cel.Variable(ident, cel.DynType))
	}
	sort.Strings(c.names)

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	c.env = env

	for _, r := range defs {
		cr, err := c.compile(r)
		if err != nil {
			return nil, err
		}
		c.rules[cr.def.Name] = cr
	}

	for _, name := range c.names {
		if parent := Parent(name); parent != "" {
			if _, ok := c.rules[parent]; ok {
				c.children[parent] = append(c.children[parent], name)
			}
		}
	}

	return c, nil
}

func (c *Catalog) compile(r *Rule) (*compiledRule, error) {
	cr := &compiledRule{def: *r}
	cr.def.Name = Normalize(r.Name)

	fields := []struct {
		label string
		expr  string
		prog  *cel.Program
	}{
		{"formula", r.Formula, &cr.formula},
		{"default", r.Default, &cr.defaultValue},
		{"applicable_if", r.ApplicableIf, &cr.applicableIf},
		{"not_applicable_if", r.NotApplicableIf, &cr.notApplicableIf},
	}

	for _, f := range fields {
		if f.expr == "" {
			continue
		}
		prog, err := c.compileExpression(f.expr)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %s: %w", cr.def.Name, f.label, err)
		}
		*f.prog = prog
	}

	return cr, nil
}

// compileExpression compiles a single expression to a CEL program
func (c *Catalog) compileExpression(expression string) (cel.Program, error) {
	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := c.env.Program(ast, cel.CostLimit(defaultCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	return prog, nil
}

// Has reports whether name is a rule of the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.rules[name]
	return ok
}

// Rule returns a copy of the definition of the named rule.
func (c *Catalog) Rule(name string) (Rule, bool) {
	cr, ok := c.rules[name]
	if !ok {
		return Rule{}, false
	}
	return cr.def, true
}

// Names returns every rule name, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Children returns the rules directly below name, sorted. For a multi-choice
// question these are its options.
func (c *Catalog) Children(name string) []string {
	kids := c.children[name]
	out := make([]string, len(kids))
	copy(out, kids)
	return out
}

// Len returns the number of rules.
func (c *Catalog) Len() int {
	return len(c.names)
}
