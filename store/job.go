package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"
)

// JobAttempt is one execution attempt of an agent job.
type JobAttempt struct {
	Started time.Time
	Ended   time.Time
	Status  JobStatus
	Error   string
}

// AgentJob is an administrative command to run on one or more agents over the
// admin channel, e.g. syncing mailboxes or probing delivery status.
type AgentJob struct {
	ID   int64
	UUID string `bstore:"nonzero,unique"`

	Kind   string   `bstore:"nonzero"` // E.g. "sync-mailboxes", "sync-domains", "get-status".
	Agents []string // Agent names, empty means all enabled agents.
	Args   string   // JSON-encoded request payload.

	Status    JobStatus `bstore:"nonzero,index"`
	Response  string    // JSON-encoded response of the last completed attempt.
	LastError string
	Attempts  []JobAttempt

	Created time.Time `bstore:"default now"`
	Started time.Time
	Ended   time.Time
}

// ClaimJob attempts the exclusive Queued to Running transition for a job.
// Exactly one concurrent caller wins, the bstore transaction serializes the
// conditional update. Returns the claimed job, or bstore.ErrAbsent when the
// job does not exist, or an error when it is not in Queued.
func ClaimJob(ctx context.Context, uuid string) (AgentJob, error) {
	var job AgentJob
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[AgentJob](tx)
		q.FilterNonzero(AgentJob{UUID: uuid})
		j, err := q.Get()
		if err != nil {
			return err
		}
		if !j.Status.TransitionOK(JobRunning) {
			return fmt.Errorf("job in status %q, not queued", j.Status)
		}
		j.Status = JobRunning
		j.Started = time.Now()
		j.Attempts = append(j.Attempts, JobAttempt{Started: j.Started, Status: JobRunning})
		if err := tx.Update(&j); err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

// FinishJob records the outcome of the active attempt of a Running job.
func FinishJob(ctx context.Context, uuid string, status JobStatus, response, errmsg string) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[AgentJob](tx)
		q.FilterNonzero(AgentJob{UUID: uuid})
		j, err := q.Get()
		if err != nil {
			return err
		}
		if !j.Status.TransitionOK(status) {
			return fmt.Errorf("job in status %q cannot move to %q", j.Status, status)
		}
		now := time.Now()
		j.Status = status
		j.Ended = now
		j.LastError = errmsg
		if status == JobCompleted {
			j.Response = response
		}
		if n := len(j.Attempts); n > 0 && j.Attempts[n-1].Ended.IsZero() {
			j.Attempts[n-1].Ended = now
			j.Attempts[n-1].Status = status
			j.Attempts[n-1].Error = errmsg
		}
		return tx.Update(&j)
	})
}

// RerunJob requeues a failed job for a fresh attempt under the same job id.
// Only jobs in a Failed* state can be rerun.
func RerunJob(ctx context.Context, uuid string) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[AgentJob](tx)
		q.FilterNonzero(AgentJob{UUID: uuid})
		j, err := q.Get()
		if err != nil {
			return err
		}
		if !j.Status.Rerunnable() {
			return fmt.Errorf("job in status %q cannot be rerun", j.Status)
		}
		j.Status = JobQueued
		j.LastError = ""
		j.Started = time.Time{}
		j.Ended = time.Time{}
		return tx.Update(&j)
	})
}
