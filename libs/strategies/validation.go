package strategies

import "sync"

// ValidationResult is the outcome of a single named validation predicate.
type ValidationResult struct {
	Passed bool
	Name   string
	Reason string
}

// ValidationPolicy decides how a set of predicate results combine into a
// single pass/fail decision for the signal.
type ValidationPolicy int

const (
	RequireAll ValidationPolicy = iota
	RequireAny
)

// Predicate is a single validation check a strategy runs before emitting
// a signal (volume ok, trend aligned, spread acceptable, ...).
type Predicate func() ValidationResult

type namedPredicate struct {
	name string
	code byte
	fn   Predicate
}

// Validator runs an ordered list of predicates against the configured
// policy and remembers the most recent results so the strategy can pack
// them into the trade comment's confirmations segment.
type Validator struct {
	policy     ValidationPolicy
	predicates []namedPredicate

	mu   sync.Mutex
	last []ValidationResult
}

// NewValidator constructs a Validator with the given aggregate policy.
func NewValidator(policy ValidationPolicy) *Validator {
	return &Validator{policy: policy}
}

// Add registers a named predicate. code is the single-letter abbreviation
// used when packing confirmations (e.g. 'V' for volume, 'T' for trend).
func (v *Validator) Add(name string, code byte, fn Predicate) {
	v.predicates = append(v.predicates, namedPredicate{name: name, code: code, fn: fn})
}

// Evaluate runs every predicate in order, applies the aggregate policy,
// and records the results for Confirmations.
func (v *Validator) Evaluate() (ok bool, results []ValidationResult) {
	results = make([]ValidationResult, 0, len(v.predicates))
	for _, p := range v.predicates {
		results = append(results, p.fn())
	}

	switch v.policy {
	case RequireAny:
		ok = false
		for _, r := range results {
			if r.Passed {
				ok = true
				break
			}
		}
	default: // RequireAll
		ok = true
		for _, r := range results {
			if !r.Passed {
				ok = false
				break
			}
		}
	}

	v.mu.Lock()
	v.last = results
	v.mu.Unlock()
	return ok, results
}

// Confirmations packs the single-letter codes of predicates that passed
// in the most recent Evaluate call, in declaration order — the string
// that goes into the trade comment's confirmations segment.
func (v *Validator) Confirmations() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	buf := make([]byte, 0, len(v.predicates))
	for i, r := range v.last {
		if r.Passed && i < len(v.predicates) {
			buf = append(buf, v.predicates[i].code)
		}
	}
	return string(buf)
}
