package domain

// OutcomeKind classifies the result of dispatching a command.
type OutcomeKind string

const (
	OutcomeText     OutcomeKind = "text"
	OutcomeDeferred OutcomeKind = "deferred"
	OutcomeFailure  OutcomeKind = "failure"
)

// Outcome is what a handler hands to the response formatter.
type Outcome struct {
	Kind    OutcomeKind
	Text    string
	Failure *Failure
}

func TextOutcome(text string) Outcome {
	return Outcome{Kind: OutcomeText, Text: text}
}

func DeferredOutcome() Outcome {
	return Outcome{Kind: OutcomeDeferred}
}

func FailureOutcome(kind FailureKind, detail string) Outcome {
	return Outcome{Kind: OutcomeFailure, Failure: &Failure{Kind: kind, Detail: detail}}
}
