package model

// OutcomeKind classifies the result of enriching one claimed item.
type OutcomeKind int

const (
	// OutcomeSuccess completes the item with its result fields.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeFailure consumes one retry; the item fails once the cap is hit.
	OutcomeFailure
	// OutcomeDeferred releases the claim without consuming a retry, used when
	// the invocation ran out of outbound calls before reaching the item.
	OutcomeDeferred
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeDeferred:
		return "deferred"
	}
	return "unknown"
}

// Outcome is what the batch processor writes back for one item.
type Outcome struct {
	Kind     OutcomeKind
	Result   ResultFields
	Degraded bool
	Error    *ErrorInfo
}

// Succeeded builds a success outcome.
func Succeeded(r ResultFields, degraded bool) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: r, Degraded: degraded}
}

// Failed builds a failure outcome.
func Failed(info ErrorInfo) Outcome {
	return Outcome{Kind: OutcomeFailure, Result: EmptyResult(), Error: &info}
}

// Deferred builds an outcome that hands the item back untouched.
func Deferred() Outcome {
	return Outcome{Kind: OutcomeDeferred, Result: EmptyResult()}
}
