package rules

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter"
)

// evaluation is a single evaluation pass over a fixed situation.
// Nodes are memoized for the duration of the pass only.
type evaluation struct {
	catalog   *Catalog
	situation map[string]any
	memo      map[string]*EvaluatedNode
	visiting  map[string]bool
	scopes    map[string]*scope
	scoping   map[string]bool
	err       error
}

// scope is the applicability of a rule, independent of its own value.
type scope struct {
	applicable bool
	missing    []string
}

func newEvaluation(c *Catalog, situation map[string]any) *evaluation {
	return &evaluation{
		catalog:   c,
		situation: situation,
		memo:      make(map[string]*EvaluatedNode),
		visiting:  make(map[string]bool),
		scopes:    make(map[string]*scope),
		scoping:   make(map[string]bool),
	}
}

func (ev *evaluation) node(name string) (*EvaluatedNode, error) {
	if n, ok := ev.memo[name]; ok {
		return n, nil
	}

	cr, ok := ev.catalog.rules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}

	if ev.visiting[name] {
		return nil, fmt.Errorf("%w: %s", ErrCycle, name)
	}
	ev.visiting[name] = true
	defer delete(ev.visiting, name)

	n, err := ev.compute(cr)
	if err != nil {
		return nil, err
	}
	ev.memo[name] = n
	return n, nil
}

func (ev *evaluation) compute(cr *compiledRule) (*EvaluatedNode, error) {
	name := cr.def.Name

	sc, err := ev.scope(name)
	if err != nil {
		return nil, err
	}
	missing := make(nameSet)
	missing.add(sc.missing...)

	n := &EvaluatedNode{Name: name, Applicable: sc.applicable}
	if !sc.applicable {
		n.MissingVariables = missing.sorted()
		return n, nil
	}

	if v, ok := ev.situation[name]; ok {
		n.Value = v
		n.MissingVariables = missing.sorted()
		return n, nil
	}

	switch {
	case cr.formula != nil:
		v, m, err := ev.run(name, cr.formula)
		if err != nil {
			return nil, err
		}
		n.Value = v
		missing.add(m...)
	case cr.def.IsQuestion():
		missing.add(name)
		if cr.defaultValue != nil {
			v, m, err := ev.run(name, cr.defaultValue)
			if err != nil {
				return nil, err
			}
			n.Value = v
			missing.add(m...)
		}
	default:
		// Namespaces and enum options hold when they are in scope
		n.Value = true
	}

	n.MissingVariables = missing.sorted()
	return n, nil
}

// scope reports whether a rule is applicable. It reads the parent's scope
// and answer but never the parent's formula, so a parent may be computed
// from its own children.
func (ev *evaluation) scope(name string) (*scope, error) {
	if sc, ok := ev.scopes[name]; ok {
		return sc, nil
	}

	cr, ok := ev.catalog.rules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}

	if ev.scoping[name] {
		return nil, fmt.Errorf("%w: %s", ErrCycle, name)
	}
	ev.scoping[name] = true
	defer delete(ev.scoping, name)

	missing := make(nameSet)
	applicable, err := ev.applicability(cr, missing)
	if err != nil {
		return nil, err
	}

	sc := &scope{applicable: applicable, missing: missing.sorted()}
	ev.scopes[name] = sc
	return sc, nil
}

// applicability evaluates the parent and guard conditions of a rule.
func (ev *evaluation) applicability(cr *compiledRule, missing nameSet) (bool, error) {
	if parent := Parent(cr.def.Name); parent != "" && ev.catalog.Has(parent) {
		ps, err := ev.scope(parent)
		if err != nil {
			return false, err
		}
		if !ps.applicable {
			return false, nil
		}

		v, m, err := ev.answer(parent)
		if err != nil {
			return false, err
		}
		if v == false {
			return false, nil
		}
		if v == nil {
			missing.add(ps.missing...)
			missing.add(m...)
		}
	}

	if cr.applicableIf != nil {
		v, m, err := ev.run(cr.def.Name, cr.applicableIf)
		if err != nil {
			return false, err
		}
		missing.add(m...)
		if v != true {
			return false, nil
		}
	}

	if cr.notApplicableIf != nil {
		v, m, err := ev.run(cr.def.Name, cr.notApplicableIf)
		if err != nil {
			return false, err
		}
		missing.add(m...)
		if v == true {
			return false, nil
		}
	}

	return true, nil
}

// answer returns the value a parent imposes on its children: its answer in
// the situation, else the default of an unanswered question. Rules with a
// formula impose nothing and report true.
func (ev *evaluation) answer(name string) (any, []string, error) {
	if v, ok := ev.situation[name]; ok {
		return v, nil, nil
	}

	cr := ev.catalog.rules[name]
	switch {
	case cr.formula != nil:
		return true, nil, nil
	case cr.def.IsQuestion():
		if cr.defaultValue == nil {
			return nil, []string{name}, nil
		}
		v, m, err := ev.run(name, cr.defaultValue)
		if err != nil {
			return nil, nil, err
		}
		return v, append(m, name), nil
	default:
		return true, nil, nil
	}
}

// run evaluates a program and returns its native value together with the
// missing variables of every rule it referenced.
func (ev *evaluation) run(name string, prog cel.Program) (any, []string, error) {
	act := &activation{ev: ev, missing: make(nameSet)}

	out, _, err := prog.Eval(act)
	if ev.err != nil {
		return nil, nil, ev.err
	}
	missing := act.missing.sorted()
	if err != nil {
		// An absent reference makes the whole expression absent
		if act.sawNull {
			return nil, missing, nil
		}
		return nil, missing, fmt.Errorf("%w: rule %q: %v", ErrEvaluation, name, err)
	}

	return nativeValue(out), missing, nil
}

// activation resolves rule identifiers lazily during a CEL evaluation.
type activation struct {
	ev      *evaluation
	missing nameSet
	sawNull bool
}

func (a *activation) ResolveName(ident string) (any, bool) {
	name, ok := a.ev.catalog.byIdent[ident]
	if !ok {
		return nil, false
	}

	n, err := a.ev.node(name)
	if err != nil {
		if a.ev.err == nil {
			a.ev.err = err
		}
		return types.NullValue, true
	}

	a.missing.add(n.MissingVariables...)
	if n.Value == nil {
		a.sawNull = true
		return types.NullValue, true
	}
	return n.Value, true
}

func (a *activation) Parent() interpreter.Activation {
	return nil
}

// nativeValue converts a CEL result to a plain Go value.
// Numbers are always float64; null becomes nil.
func nativeValue(out ref.Val) any {
	if _, ok := out.(types.Null); ok {
		return nil
	}

	switch v := out.Value().(type) {
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	default:
		return v
	}
}

type nameSet map[string]struct{}

func (s nameSet) add(names ...string) {
	for _, n := range names {
		s[n] = struct{}{}
	}
}

func (s nameSet) sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
