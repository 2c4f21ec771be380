package store

// Status is the lifecycle state of an outgoing message.
type Status string

// Statuses of an outgoing message. Sent and Cancelled are terminal.
const (
	StatusDraft         Status = "draft"          // Composed, not yet submitted to the pipeline.
	StatusPending       Status = "pending"        // Accepted, waiting for a dispatcher sweep.
	StatusBlocked       Status = "blocked"        // Outbound policy check failed, e.g. spam score too high.
	StatusTransferring  Status = "transferring"   // Dispatcher is publishing transfer batches.
	StatusTransferred   Status = "transferred"    // All batches published, no delivery outcome yet.
	StatusQueued        Status = "queued"         // Relay engine accepted all recipients into its queue.
	StatusDeferred      Status = "deferred"       // At least one recipient got a transient failure.
	StatusBounced       Status = "bounced"        // All recipients failed permanently.
	StatusPartiallySent Status = "partially sent" // Some recipients delivered, some failed permanently.
	StatusSent          Status = "sent"           // All recipients delivered.
	StatusFailed        Status = "failed"         // Dispatch itself failed, message never reached a relay.
	StatusCancelled     Status = "cancelled"      // Operator cancelled, dominates later delivery events.
)

// statusTransitions lists the valid next statuses per status. A message only
// ever moves along these edges, out-of-order delivery events cannot move a
// message backwards.
var statusTransitions = map[Status][]Status{
	StatusDraft:         {StatusPending, StatusCancelled},
	StatusPending:       {StatusBlocked, StatusTransferring, StatusFailed, StatusCancelled},
	StatusBlocked:       {StatusPending, StatusCancelled},
	StatusTransferring:  {StatusTransferred, StatusFailed, StatusCancelled},
	StatusTransferred:   {StatusQueued, StatusDeferred, StatusBounced, StatusPartiallySent, StatusSent, StatusCancelled},
	StatusQueued:        {StatusDeferred, StatusBounced, StatusPartiallySent, StatusSent, StatusCancelled},
	StatusDeferred:      {StatusPending, StatusQueued, StatusBounced, StatusPartiallySent, StatusSent, StatusCancelled}, // Pending via operator retry, e.g. after a persistent batch fault.
	StatusBounced:       {StatusPending, StatusCancelled},
	StatusPartiallySent: {StatusCancelled},
	StatusSent:          {},
	StatusFailed:        {StatusPending, StatusCancelled},
	StatusCancelled:     {},
}

// TransitionOK returns whether moving from s to next is a valid lifecycle
// transition. A status can always "transition" to itself, re-deriving a status
// from replayed events is idempotent.
func (s Status) TransitionOK(next Status) bool {
	if s == next {
		return true
	}
	for _, v := range statusTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}

// Terminal returns whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(statusTransitions[s]) == 0
}

// Outcome is a per-recipient delivery outcome as reported by a delivery agent.
type Outcome string

const (
	OutcomeQueued   Outcome = "queued"   // Relay accepted the recipient into its queue.
	OutcomeSent     Outcome = "sent"     // Delivered, 2xx.
	OutcomeDeferred Outcome = "deferred" // Transient failure, 4xx, will be retried.
	OutcomeBounced  Outcome = "bounced"  // Permanent failure, 5xx.
)

// outcomeRank orders outcomes for monotonic merging. Sent and bounced are
// terminal and rank equal, whichever terminal outcome arrives first wins.
func outcomeRank(o Outcome) int {
	switch o {
	case OutcomeQueued:
		return 1
	case OutcomeDeferred:
		return 2
	case OutcomeSent, OutcomeBounced:
		return 3
	}
	return 0
}

// MergeOutcome merges a newly reported outcome into the current outcome for a
// recipient. The merge is monotonic: a recipient never moves back from
// deferred to queued, and a terminal outcome is never overwritten. Merging is
// commutative over ranks and idempotent, replaying the event ledger in any
// order with duplicates yields the same result.
func MergeOutcome(cur, event Outcome) Outcome {
	if cur == "" {
		return event
	}
	if outcomeRank(cur) >= 3 {
		return cur
	}
	if outcomeRank(event) > outcomeRank(cur) {
		return event
	}
	return cur
}

// DeriveStatus derives the message status from the merged per-recipient
// outcomes. Recipients without any reported outcome yet are passed as empty
// Outcome values. Cancelled dominates: once cancelled, delivery events are
// still recorded in the ledger but the status does not change.
func DeriveStatus(cur Status, outcomes []Outcome) Status {
	if cur == StatusCancelled {
		return cur
	}

	var queued, sent, deferred, bounced, none int
	for _, o := range outcomes {
		switch o {
		case OutcomeQueued:
			queued++
		case OutcomeSent:
			sent++
		case OutcomeDeferred:
			deferred++
		case OutcomeBounced:
			bounced++
		default:
			none++
		}
	}
	n := len(outcomes)
	if n == 0 || none == n {
		return cur
	}

	var next Status
	switch {
	case sent == n:
		next = StatusSent
	case sent > 0 && bounced > 0:
		next = StatusPartiallySent
	case deferred > 0:
		next = StatusDeferred
	case bounced == n:
		next = StatusBounced
	default:
		// Remaining recipients are still queued or unreported.
		next = StatusQueued
	}
	if !cur.TransitionOK(next) {
		return cur
	}
	return next
}

// JobStatus is the lifecycle state of an agent job.
type JobStatus string

const (
	JobQueued        JobStatus = "queued"
	JobRunning       JobStatus = "running"
	JobCompleted     JobStatus = "completed"
	JobFailedOnStart JobStatus = "failed on start" // Never reached the agent, safe to rerun.
	JobFailed        JobStatus = "failed"          // Agent reported failure.
	JobFailedOnEnd   JobStatus = "failed on end"   // Agent may have run it, completion unknown.
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:        {JobRunning},
	JobRunning:       {JobCompleted, JobFailedOnStart, JobFailed, JobFailedOnEnd},
	JobCompleted:     {},
	JobFailedOnStart: {JobQueued},
	JobFailed:        {JobQueued},
	JobFailedOnEnd:   {JobQueued},
}

// TransitionOK returns whether moving from s to next is valid. The Failed*
// states transition back to Queued on a rerun.
func (s JobStatus) TransitionOK(next JobStatus) bool {
	for _, v := range jobTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}

// Rerunnable returns whether an operator may rerun a job in this state.
// FailedOnEnd additionally requires a successful remote status probe before
// the rerun is dispatched.
func (s JobStatus) Rerunnable() bool {
	return s == JobFailedOnStart || s == JobFailed || s == JobFailedOnEnd
}
