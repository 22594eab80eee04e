package workload

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// OpKind identifies one kind of storage operation the workload can issue.
type OpKind string

const (
	OpFind   OpKind = "find"
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
)

// Kinds returns all operation kinds in a stable order.
func Kinds() []OpKind {
	return []OpKind{OpFind, OpInsert, OpUpdate}
}

// OperationMix maps operation kinds to their relative weights. Weights are
// relative, not percentages: a mix that does not sum to 100 normalizes.
type OperationMix map[OpKind]float64

// ParseMix parses an operation mix in the "find=70,insert=20,update=10" form.
// Empty segments are tolerated; unknown kinds, negative weights, and
// unparseable numbers are configuration errors.
func ParseMix(spec string) (OperationMix, error) {
	mix := make(OperationMix)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("operation mix entry %q is not of the form kind=weight", part)
		}
		kind := OpKind(strings.TrimSpace(name))
		switch kind {
		case OpFind, OpInsert, OpUpdate:
		default:
			return nil, fmt.Errorf("unknown operation kind %q in mix %q", kind, spec)
		}
		weight, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("operation mix weight for %q: %w", kind, err)
		}
		if weight < 0 {
			return nil, fmt.Errorf("operation mix weight for %q must not be negative, got %g", kind, weight)
		}
		mix[kind] = weight
	}
	if len(mix) == 0 {
		return nil, fmt.Errorf("operation mix %q contains no entries", spec)
	}
	return mix, nil
}

// Selector draws operation kinds with long-run frequencies proportional to
// the mix weights. Normalization happens once at construction; each draw is a
// single uniform sample against the cumulative array.
type Selector struct {
	kinds      []OpKind
	cumulative []float64
}

// NewSelector builds a selector from a mix. At least one weight must be
// positive; zero-weight kinds are excluded entirely and can never be drawn.
func NewSelector(mix OperationMix) (*Selector, error) {
	total := 0.0
	for kind, weight := range mix {
		if weight < 0 {
			return nil, fmt.Errorf("operation mix weight for %q must not be negative, got %g", kind, weight)
		}
		total += weight
	}
	if total <= 0 {
		return nil, fmt.Errorf("operation mix has no positive weights")
	}

	s := &Selector{}
	acc := 0.0
	for _, kind := range Kinds() {
		weight := mix[kind]
		if weight <= 0 {
			continue
		}
		acc += weight / total
		s.kinds = append(s.kinds, kind)
		s.cumulative = append(s.cumulative, acc)
	}
	// Absorb float accumulation error so the final bucket always catches.
	s.cumulative[len(s.cumulative)-1] = 1.0
	return s, nil
}

// Select returns one operation kind drawn according to the normalized
// weights.
func (s *Selector) Select(rng *rand.Rand) OpKind {
	r := rng.Float64()
	for i, c := range s.cumulative {
		if r < c {
			return s.kinds[i]
		}
	}
	return s.kinds[len(s.kinds)-1]
}

// Probabilities returns the normalized probability of each selectable kind.
func (s *Selector) Probabilities() map[OpKind]float64 {
	probs := make(map[OpKind]float64, len(s.kinds))
	prev := 0.0
	for i, kind := range s.kinds {
		probs[kind] = s.cumulative[i] - prev
		prev = s.cumulative[i]
	}
	return probs
}
