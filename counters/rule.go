package counters

// Op names one of the three operations a rule can fire on.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Scope selects which view of the commit a rule's predicate runs against.
type Scope string

const (
	ScopeMeta    Scope = "meta"
	ScopePayload Scope = "payload"
)

// Condition is one predicate term: either a bare value (shorthand equality)
// or an operator object. Exactly one of Eq/operator fields is meaningful;
// the zero value of a field means "operator not specified", not "match
// nothing" — callers must check Set()-style presence via the map it was
// decoded from. Rule wiring in this package builds Condition values
// directly rather than decoding arbitrary JSON, so this ambiguity is
// resolved at construction time.
type Condition struct {
	// Eq, when non-nil, is shorthand equality: value == *Eq.
	Eq *interface{}

	OpEq     *interface{}
	OpNe     *interface{}
	OpIn     []interface{}
	OpNin    []interface{}
	OpExists *bool
	OpGt     *float64
	OpGte    *float64
	OpLt     *float64
	OpLte    *float64
	OpRegex  *string
}

// Predicate is a conjunction of per-path conditions: every entry must hold.
type Predicate map[string]Condition

// Rule is one configured counter rule (spec §4.8).
type Rule struct {
	Name         string
	On           []Op
	Scope        Scope
	When         Predicate
	CountUnique  []string // property paths whose observed values get unique-tracked
}

// appliesTo reports whether op is in r.On.
func (r Rule) appliesTo(op Op) bool {
	for _, o := range r.On {
		if o == op {
			return true
		}
	}
	return false
}
