package counters

import (
	"regexp"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

// matches evaluates p against view (the meta or payload map selected by the
// rule's Scope). Every entry must hold (spec §4.8: "All conditions on a
// predicate must hold"). A missing path makes every operator but $exists,
// $ne and $nin false, mirroring "missing paths are undefined".
func (p Predicate) matches(view map[string]interface{}) bool {
	for path, cond := range p {
		v, ok := lookup(view, path)
		if !cond.holds(v, ok) {
			return false
		}
	}
	return true
}

func lookup(view map[string]interface{}, path string) (interface{}, bool) {
	v, err := jsonpath.Get("$."+path, view)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (c Condition) holds(v interface{}, present bool) bool {
	switch {
	case c.Eq != nil:
		return present && equalValue(v, *c.Eq)
	case c.OpEq != nil:
		return present && equalValue(v, *c.OpEq)
	case c.OpNe != nil:
		return !present || !equalValue(v, *c.OpNe)
	case c.OpIn != nil:
		if !present {
			return false
		}
		for _, want := range c.OpIn {
			if equalValue(v, want) {
				return true
			}
		}
		return false
	case c.OpNin != nil:
		if !present {
			return true
		}
		for _, want := range c.OpNin {
			if equalValue(v, want) {
				return false
			}
		}
		return true
	case c.OpExists != nil:
		return present == *c.OpExists
	case c.OpGt != nil:
		return present && compareNumeric(v, "value > threshold", *c.OpGt)
	case c.OpGte != nil:
		return present && compareNumeric(v, "value >= threshold", *c.OpGte)
	case c.OpLt != nil:
		return present && compareNumeric(v, "value < threshold", *c.OpLt)
	case c.OpLte != nil:
		return present && compareNumeric(v, "value <= threshold", *c.OpLte)
	case c.OpRegex != nil:
		if !present {
			return false
		}
		s, ok := v.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(*c.OpRegex)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return true
	}
}

// compareNumeric evaluates one of the four numeric operators through gval
// rather than a hand-rolled switch, since a predicate's threshold comparison
// is exactly the small arithmetic-expression-over-parameters job gval is
// for. "numeric comparisons on non-numbers are false" (spec §4.8) falls out
// naturally: asFloat's failure short-circuits before gval ever runs.
func compareNumeric(v interface{}, expr string, threshold float64) bool {
	n, ok := asFloat(v)
	if !ok {
		return false
	}
	result, err := gval.Evaluate(expr, map[string]interface{}{"value": n, "threshold": threshold})
	if err != nil {
		return false
	}
	b, ok := result.(bool)
	return ok && b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func equalValue(a, b interface{}) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return a == b
}
