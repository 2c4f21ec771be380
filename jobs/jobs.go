// Package jobs is the agent job orchestrator: administrative commands for
// relay agents, executed over the HTTP JSON admin channel with an exclusive
// queued-to-running dispatch and explicit failure phases.
//
// A job that never reached the agent fails "on start" and is safe to rerun. A
// job whose completion is unknown, e.g. after a deadline while the agent was
// working, fails "on end" and requires a successful status probe of the agent
// before a rerun is dispatched.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/metrics"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/store"
)

var xlog = mlog.New("jobs")

var metricJob = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "courier_jobs_finished_total",
		Help: "Agent jobs finished, by kind and final status.",
	},
	[]string{"kind", "status"},
)

// Kinds of agent jobs.
const (
	KindSyncMailboxes = "sync-mailboxes"
	KindSyncDomains   = "sync-domains"
	KindGetStatus     = "get-status"
	KindFlushQueue    = "flush-queue"
)

var kinds = []string{KindSyncMailboxes, KindSyncDomains, KindGetStatus, KindFlushQueue}

// KnownKind returns whether kind is a job kind courier can dispatch.
func KnownKind(kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// callTimeout is the admin channel deadline per agent call. A job never
// stays Running past its calls' deadlines.
const callTimeout = 30 * time.Second

// Orchestrator dispatches queued jobs to agents.
type Orchestrator struct {
	client *http.Client
}

// New returns an orchestrator with its admin channel HTTP client.
func New() *Orchestrator {
	return &Orchestrator{client: &http.Client{Timeout: callTimeout}}
}

// Submit queues a job. Agent names must refer to known agents, an empty list
// addresses all enabled agents at dispatch time.
func Submit(ctx context.Context, kind string, agents []string, args string) (string, error) {
	if !KnownKind(kind) {
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
	err := store.DB.Read(ctx, func(tx *bstore.Tx) error {
		for _, name := range agents {
			q := bstore.QueryTx[store.Agent](tx)
			q.FilterNonzero(store.Agent{Name: name})
			if _, err := q.Get(); err == bstore.ErrAbsent {
				return fmt.Errorf("unknown agent %q", name)
			} else if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	job := store.AgentJob{
		UUID:   uuid.New().String(),
		Kind:   kind,
		Agents: agents,
		Args:   args,
		Status: store.JobQueued,
	}
	if err := store.DB.Insert(ctx, &job); err != nil {
		return "", fmt.Errorf("queueing job: %w", err)
	}
	return job.UUID, nil
}

// Start dispatches queued jobs until courier shutdown, then signals done.
func Start(o *Orchestrator, done chan struct{}) {
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				xlog.Error("unhandled panic in job orchestrator", mlog.Field("panic", x))
				debug.PrintStack()
				metrics.PanicInc("jobs")
			}
		}()

		timer := time.NewTimer(0)
		for {
			select {
			case <-courier.Shutdown.Done():
				done <- struct{}{}
				return
			case <-timer.C:
			}

			ctx := courier.CidContext()
			q := bstore.QueryDB[store.AgentJob](ctx, store.DB)
			q.FilterNonzero(store.AgentJob{Status: store.JobQueued})
			q.SortAsc("Created")
			jobs, err := q.List()
			if err != nil {
				xlog.WithContext(ctx).Errorx("listing queued jobs", err)
			}
			for _, job := range jobs {
				if err := o.Run(ctx, job.UUID); err != nil {
					xlog.WithContext(ctx).Errorx("running job", err, mlog.Field("job", job.UUID), mlog.Field("kind", job.Kind))
				}
			}
			timer.Reset(5 * time.Second)
		}
	}()
}

// Run claims a queued job and executes it on its agents. Of two concurrent
// calls for one job, exactly one claims it, the other returns an error.
func (o *Orchestrator) Run(ctx context.Context, jobUUID string) error {
	log := xlog.WithContext(ctx)

	job, err := store.ClaimJob(ctx, jobUUID)
	if err != nil {
		return fmt.Errorf("claiming job: %w", err)
	}
	log.Info("running agent job", mlog.Field("job", job.UUID), mlog.Field("kind", job.Kind))

	agents, err := o.resolveAgents(ctx, job)
	if err != nil {
		finish(ctx, job, store.JobFailedOnStart, "", err.Error())
		return err
	}

	// Calls per agent. The worst failure phase decides the final status:
	// a deadline with unknown completion outweighs a reported failure, which
	// outweighs never having reached any agent.
	responses := map[string]string{}
	status := store.JobCompleted
	var errmsg string
	for _, agent := range agents {
		resp, phase, err := o.call(ctx, agent, job.Kind, job.Args)
		if err == nil {
			responses[agent.Name] = resp
			continue
		}
		log.Errorx("agent job call", err, mlog.Field("job", job.UUID), mlog.Field("agent", agent.Name), mlog.Field("phase", string(phase)))
		errmsg = fmt.Sprintf("agent %s: %s", agent.Name, err)
		if worse(phase, status) {
			status = phase
		}
	}
	if status == store.JobFailedOnStart && len(responses) > 0 {
		// Part of the job did run, a blind rerun is not safe.
		status = store.JobFailed
	}

	var response string
	if status == store.JobCompleted {
		buf, err := encodeResponses(responses)
		if err != nil {
			finish(ctx, job, store.JobFailed, "", err.Error())
			return err
		}
		response = buf
	}
	finish(ctx, job, status, response, errmsg)
	if status != store.JobCompleted {
		return fmt.Errorf("job failed with status %q: %s", status, errmsg)
	}
	return nil
}

// Rerun requeues a failed job. A job that failed on end is only requeued
// after a successful get-status probe of its agents shows they are healthy.
func (o *Orchestrator) Rerun(ctx context.Context, jobUUID string) error {
	var job store.AgentJob
	err := store.DB.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[store.AgentJob](tx)
		q.FilterNonzero(store.AgentJob{UUID: jobUUID})
		var err error
		job, err = q.Get()
		return err
	})
	if err != nil {
		return fmt.Errorf("looking up job: %w", err)
	}

	if job.Status == store.JobFailedOnEnd {
		agents, err := o.resolveAgents(ctx, job)
		if err != nil {
			return err
		}
		for _, agent := range agents {
			if _, _, err := o.call(ctx, agent, KindGetStatus, ""); err != nil {
				return fmt.Errorf("status probe of agent %s before rerun: %w", agent.Name, err)
			}
		}
	}
	return store.RerunJob(ctx, jobUUID)
}

// resolveAgents returns the job's named agents, or all enabled agents when
// none are named.
func (o *Orchestrator) resolveAgents(ctx context.Context, job store.AgentJob) ([]store.Agent, error) {
	if len(job.Agents) == 0 {
		var agents []store.Agent
		for _, dir := range []store.AgentDirection{store.AgentInbound, store.AgentOutbound} {
			l, err := store.Agents(ctx, dir)
			if err != nil {
				return nil, fmt.Errorf("listing agents: %w", err)
			}
			agents = append(agents, l...)
		}
		if len(agents) == 0 {
			return nil, fmt.Errorf("no enabled agents")
		}
		return agents, nil
	}

	var agents []store.Agent
	err := store.DB.Read(ctx, func(tx *bstore.Tx) error {
		for _, name := range job.Agents {
			q := bstore.QueryTx[store.Agent](tx)
			q.FilterNonzero(store.Agent{Name: name})
			agent, err := q.Get()
			if err != nil {
				return fmt.Errorf("looking up agent %q: %w", name, err)
			}
			agents = append(agents, agent)
		}
		return nil
	})
	return agents, err
}

// call performs one admin channel request. The returned phase classifies a
// failure: on start when the request never reached the agent, failed when the
// agent reported an error, on end when completion is unknown.
func (o *Orchestrator) call(ctx context.Context, agent store.Agent, kind, args string) (string, store.JobStatus, error) {
	if agent.BaseURL == "" {
		return "", store.JobFailedOnStart, fmt.Errorf("agent has no admin channel url")
	}
	url := strings.TrimSuffix(agent.BaseURL, "/") + "/" + kind

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, strings.NewReader(args))
	if err != nil {
		return "", store.JobFailedOnStart, err
	}
	req.Header.Set("Content-Type", "application/json")
	if agent.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+agent.APIKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return "", failurePhase(err), err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// The agent may have executed the job, the response was lost.
		return "", store.JobFailedOnEnd, fmt.Errorf("reading agent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", store.JobFailed, fmt.Errorf("agent responded with status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return string(body), store.JobCompleted, nil
}

// failurePhase classifies a transport error: a failed dial never reached the
// agent, anything after that leaves completion unknown.
func failurePhase(err error) store.JobStatus {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return store.JobFailedOnStart
	}
	return store.JobFailedOnEnd
}

// worse returns whether a is a worse failure phase than b.
func worse(a, b store.JobStatus) bool {
	rank := func(s store.JobStatus) int {
		switch s {
		case store.JobFailedOnEnd:
			return 3
		case store.JobFailed:
			return 2
		case store.JobFailedOnStart:
			return 1
		}
		return 0
	}
	return rank(a) > rank(b)
}

func finish(ctx context.Context, job store.AgentJob, status store.JobStatus, response, errmsg string) {
	if err := store.FinishJob(ctx, job.UUID, status, response, errmsg); err != nil {
		xlog.WithContext(ctx).Errorx("finishing job", err, mlog.Field("job", job.UUID))
	}
	metricJob.WithLabelValues(job.Kind, string(status)).Inc()
}

// encodeResponses merges the per-agent responses into one JSON object keyed
// by agent name. Responses are embedded as-is when they are valid JSON.
func encodeResponses(responses map[string]string) (string, error) {
	m := make(map[string]json.RawMessage, len(responses))
	for name, resp := range responses {
		if resp != "" && json.Valid([]byte(resp)) {
			m[name] = json.RawMessage(resp)
			continue
		}
		buf, err := json.Marshal(resp)
		if err != nil {
			return "", err
		}
		m[name] = buf
	}
	buf, err := json.Marshal(m)
	return string(buf), err
}
