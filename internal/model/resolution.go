package model

// State distinguishes a value that was never attempted from one that was
// attempted and failed.
type State int

const (
	StateUnresolved State = iota
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unresolved"
	}
}

// Resolution is a tagged result: Resolved(v), Unresolved or Failed.
type Resolution[T any] struct {
	State State
	Value T
}

// Resolve wraps a successfully produced value.
func Resolve[T any](v T) Resolution[T] {
	return Resolution[T]{State: StateResolved, Value: v}
}

// Unresolved returns a Resolution for a value that has not been attempted.
func Unresolved[T any]() Resolution[T] {
	return Resolution[T]{}
}

// Fail returns a Resolution for a value whose generation definitively failed.
func Fail[T any]() Resolution[T] {
	return Resolution[T]{State: StateFailed}
}

func (r Resolution[T]) IsResolved() bool   { return r.State == StateResolved }
func (r Resolution[T]) IsFailed() bool     { return r.State == StateFailed }
func (r Resolution[T]) IsUnresolved() bool { return r.State == StateUnresolved }

// Or returns r when resolved, otherwise fallback.
func (r Resolution[T]) Or(fallback Resolution[T]) Resolution[T] {
	if r.IsResolved() {
		return r
	}
	return fallback
}
