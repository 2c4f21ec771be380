package store

import (
	"math/rand"
	"testing"
)

func TestTransitions(t *testing.T) {
	ok := func(from, to Status) {
		t.Helper()
		if !from.TransitionOK(to) {
			t.Fatalf("transition %q to %q should be allowed", from, to)
		}
	}
	bad := func(from, to Status) {
		t.Helper()
		if from.TransitionOK(to) {
			t.Fatalf("transition %q to %q should not be allowed", from, to)
		}
	}

	ok(StatusDraft, StatusPending)
	ok(StatusPending, StatusTransferring)
	ok(StatusTransferring, StatusTransferred)
	ok(StatusTransferred, StatusQueued)
	ok(StatusQueued, StatusDeferred)
	ok(StatusDeferred, StatusSent)
	ok(StatusFailed, StatusPending)
	ok(StatusBounced, StatusPending)
	ok(StatusBlocked, StatusPending)
	ok(StatusDeferred, StatusPending)
	ok(StatusQueued, StatusCancelled)

	bad(StatusSent, StatusPending)
	bad(StatusCancelled, StatusPending)
	bad(StatusSent, StatusCancelled)
	bad(StatusQueued, StatusPending)
	bad(StatusTransferred, StatusTransferring)
	bad(StatusDraft, StatusTransferring)

	if !StatusSent.Terminal() || !StatusCancelled.Terminal() {
		t.Fatalf("sent and cancelled must be terminal")
	}
	if StatusBounced.Terminal() {
		t.Fatalf("bounced must be retryable, not terminal")
	}
}

func TestMergeOutcome(t *testing.T) {
	test := func(cur, event, exp Outcome) {
		t.Helper()
		if got := MergeOutcome(cur, event); got != exp {
			t.Fatalf("merge %q + %q: got %q, expected %q", cur, event, got, exp)
		}
	}

	test("", OutcomeQueued, OutcomeQueued)
	test(OutcomeQueued, OutcomeDeferred, OutcomeDeferred)
	test(OutcomeDeferred, OutcomeQueued, OutcomeDeferred) // No going back.
	test(OutcomeDeferred, OutcomeSent, OutcomeSent)
	test(OutcomeSent, OutcomeBounced, OutcomeSent) // Terminal sticks.
	test(OutcomeBounced, OutcomeSent, OutcomeBounced)
	test(OutcomeQueued, OutcomeQueued, OutcomeQueued)
}

func TestMergeReplay(t *testing.T) {
	// Replaying the event log in any order, with duplicates, yields the same
	// final outcome.
	events := []Outcome{OutcomeQueued, OutcomeQueued, OutcomeDeferred, OutcomeSent, OutcomeDeferred}

	merge := func(l []Outcome) Outcome {
		var cur Outcome
		for _, e := range l {
			cur = MergeOutcome(cur, e)
		}
		return cur
	}

	exp := merge(events)
	if exp != OutcomeSent {
		t.Fatalf("expected sent, got %q", exp)
	}
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		l := append([]Outcome{}, events...)
		l = append(l, events[rnd.Intn(len(events))]) // A duplicate.
		rnd.Shuffle(len(l), func(i, j int) { l[i], l[j] = l[j], l[i] })
		if got := merge(l); got != exp {
			t.Fatalf("replay order %v: got %q, expected %q", l, got, exp)
		}
	}
}

func TestDeriveStatus(t *testing.T) {
	test := func(cur Status, outcomes []Outcome, exp Status) {
		t.Helper()
		if got := DeriveStatus(cur, outcomes); got != exp {
			t.Fatalf("derive from %q with %v: got %q, expected %q", cur, outcomes, got, exp)
		}
	}

	q, s, d, b := OutcomeQueued, OutcomeSent, OutcomeDeferred, OutcomeBounced

	test(StatusTransferred, nil, StatusTransferred)
	test(StatusTransferred, []Outcome{"", ""}, StatusTransferred)
	test(StatusTransferred, []Outcome{q, q}, StatusQueued)
	test(StatusTransferred, []Outcome{q, ""}, StatusQueued)
	test(StatusQueued, []Outcome{s, s}, StatusSent)
	test(StatusQueued, []Outcome{s, b}, StatusPartiallySent)
	test(StatusQueued, []Outcome{b, b}, StatusBounced)
	test(StatusQueued, []Outcome{d, q}, StatusDeferred)
	test(StatusDeferred, []Outcome{s, s}, StatusSent)
	test(StatusDeferred, []Outcome{s, d}, StatusDeferred)

	// Cancelled dominates later events.
	test(StatusCancelled, []Outcome{s, s}, StatusCancelled)

	// A derived value that would move backwards is ignored.
	test(StatusSent, []Outcome{q, q}, StatusSent)
}

func TestJobTransitions(t *testing.T) {
	if !JobQueued.TransitionOK(JobRunning) {
		t.Fatalf("queued to running must be allowed")
	}
	if JobQueued.TransitionOK(JobCompleted) {
		t.Fatalf("queued to completed must not be allowed")
	}
	for _, s := range []JobStatus{JobFailedOnStart, JobFailed, JobFailedOnEnd} {
		if !s.Rerunnable() || !s.TransitionOK(JobQueued) {
			t.Fatalf("%q must be rerunnable", s)
		}
	}
	if JobCompleted.Rerunnable() || JobRunning.Rerunnable() {
		t.Fatalf("completed and running must not be rerunnable")
	}
}
