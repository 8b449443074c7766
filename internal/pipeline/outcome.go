package pipeline

import "fmt"

// Status tags how a stage ended.
type Status int

const (
	StatusSuccess Status = iota
	StatusDegraded
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusDegraded:
		return "degraded"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the result of one stage. Degraded outcomes carry a usable
// fallback Value; Fatal ones do not. Tokens and Model describe the inference
// call, when one was made.
type Outcome[T any] struct {
	Value  T
	Status Status
	Reason error
	Tokens int
	Model  string
}

func Success[T any](v T, tokens int, model string) Outcome[T] {
	return Outcome[T]{Value: v, Status: StatusSuccess, Tokens: tokens, Model: model}
}

func Degraded[T any](v T, reason error, tokens int) Outcome[T] {
	return Outcome[T]{Value: v, Status: StatusDegraded, Reason: reason, Tokens: tokens}
}

func Fatal[T any](reason error) Outcome[T] {
	return Outcome[T]{Status: StatusFatal, Reason: reason}
}

func (o Outcome[T]) OK() bool { return o.Status == StatusSuccess }
