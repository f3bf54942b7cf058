package spikes

// ProcessStatus tags the result of materializing one CDC envelope.
type ProcessStatus int

const (
	// Ack means the envelope was applied or deliberately skipped; the log
	// offset may advance.
	Ack ProcessStatus = iota
	// Retryable means a transient failure; redeliver with backoff, do not
	// advance the offset.
	Retryable
	// Fatal means the envelope can never be applied; dead-letter it and ack.
	Fatal
)

// ProcessResult is the tagged outcome of Materializer.Process.
type ProcessResult struct {
	Status ProcessStatus
	Err    error
}

func AckResult() ProcessResult {
	return ProcessResult{Status: Ack}
}

func RetryableResult(err error) ProcessResult {
	return ProcessResult{Status: Retryable, Err: err}
}

func FatalResult(err error) ProcessResult {
	return ProcessResult{Status: Fatal, Err: err}
}

// CommandOutcomeKind tags the result of handling a write-side command.
type CommandOutcomeKind int

const (
	// CommandSucceeded carries the new aggregate id, version and status.
	CommandSucceeded CommandOutcomeKind = iota
	// CommandAlreadyProcessed means the idempotency key matched a prior
	// invocation; Result is the recorded prior result.
	CommandAlreadyProcessed
	// CommandFailed carries the tagged Error.
	CommandFailed
)

// CommandOutcome is the tagged result of a command handler invocation.
// Exactly one of the payload fields is meaningful per kind.
type CommandOutcome struct {
	Kind        CommandOutcomeKind
	AggregateID UUID
	Version     int64
	Status      string
	Result      string
	Failure     *Error
}

func CommandSuccess(id UUID, version int64, status string) CommandOutcome {
	return CommandOutcome{Kind: CommandSucceeded, AggregateID: id, Version: version, Status: status}
}

func CommandReplayed(result string) CommandOutcome {
	return CommandOutcome{Kind: CommandAlreadyProcessed, Result: result}
}

func CommandFailure(err Error) CommandOutcome {
	return CommandOutcome{Kind: CommandFailed, Failure: &err}
}

// CompensationStatus tags the result of compensating one saga step.
type CompensationStatus int

const (
	// Compensated means the step's effects were rolled back.
	Compensated CompensationStatus = iota
	// CompensationNotRequired means the step never ran (or left nothing to
	// undo); compensating it is a no-op.
	CompensationNotRequired
	// CompensationFailed means rollback itself failed; recorded, never
	// cascaded.
	CompensationFailed
)

// CompensationOutcome is the tagged result of one step compensation.
type CompensationOutcome struct {
	Status CompensationStatus
	Err    error
}

func CompensatedOutcome() CompensationOutcome {
	return CompensationOutcome{Status: Compensated}
}

func NotRequiredOutcome() CompensationOutcome {
	return CompensationOutcome{Status: CompensationNotRequired}
}

func CompensationFailure(err error) CompensationOutcome {
	return CompensationOutcome{Status: CompensationFailed, Err: err}
}
