package protocol

// CoordinatorState tracks the coordinator's progress through a single
// transaction. It is quiescent between transactions and advances exactly
// once per transaction before returning to CoordQuiescent.
type CoordinatorState string

const (
	CoordQuiescent           CoordinatorState = "Quiescent"
	CoordReceivedRequest     CoordinatorState = "ReceivedRequest"
	CoordProposalSent        CoordinatorState = "ProposalSent"
	CoordReceivedVotesAbort  CoordinatorState = "ReceivedVotesAbort"
	CoordReceivedVotesCommit CoordinatorState = "ReceivedVotesCommit"
	CoordSentGlobalDecision  CoordinatorState = "SentGlobalDecision"
)

// ParticipantState tracks a single participant's progress through one
// transaction, with the same serial discipline as CoordinatorState.
type ParticipantState string

const (
	PartQuiescent              ParticipantState = "Quiescent"
	PartReceivedP1             ParticipantState = "ReceivedP1"
	PartVotedAbort             ParticipantState = "VotedAbort"
	PartVotedCommit            ParticipantState = "VotedCommit"
	PartAwaitingGlobalDecision ParticipantState = "AwaitingGlobalDecision"
)
