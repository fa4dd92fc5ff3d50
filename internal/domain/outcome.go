package domain

// Unit is a grouping unit: ids that must travel together in the initial chunking.
// A scalar id is a unit of length one.
type Unit []int64

// OutcomeKind classifies one execution attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryable means the chunk failed and must be bisected.
	OutcomeRetryable
	// OutcomeTerminal means the chunk failed and no further retry occurs.
	OutcomeTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	}
	return "unknown"
}

// Outcome is the result of running one chunk.
type Outcome struct {
	Kind OutcomeKind
	// Counts holds one entry per committed sub-batch.
	Counts []int
	// Committed lists ids whose sub-batch committed before a failure.
	Committed []int64
	// Remaining lists ids that were not committed; they are the bisection input.
	Remaining []int64
	Err       error
}

// Success builds a successful outcome.
func Success(counts ...int) Outcome {
	return Outcome{Kind: OutcomeSuccess, Counts: counts}
}

// Total sums the per sub-batch counts.
func (o Outcome) Total() int {
	n := 0
	for _, c := range o.Counts {
		n += c
	}
	return n
}

func (o Outcome) Failed() bool { return o.Kind != OutcomeSuccess }
