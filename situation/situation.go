package situation

import "sort"

// Situation maps rule names to answers. A Situation accepted by a Store is
// a snapshot: the Store never mutates it after handing it out.
type Situation map[string]Value

// Clone returns an independent copy of s. The clone of nil is empty.
func (s Situation) Clone() Situation {
	out := make(Situation, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether s and o hold the same answers.
func (s Situation) Equal(o Situation) bool {
	if len(s) != len(o) {
		return false
	}
	for k, v := range s {
		if w, ok := o[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// Names returns the answered rule names, sorted.
func (s Situation) Names() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Native converts every answer with Value.Native.
func (s Situation) Native() map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v.Native()
	}
	return out
}
