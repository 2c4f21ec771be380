package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/courier-"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func newTestDB(t *testing.T) context.Context {
	t.Helper()
	dir := t.TempDir()
	courier.ConfigStaticPath = filepath.Join(dir, "courier.conf")
	courier.Conf.Static.DataDir = "data"
	ctx := context.Background()
	tcheck(t, Init(ctx), "init store")
	t.Cleanup(func() {
		err := Close()
		tcheck(t, err, "close store")
	})
	return ctx
}

func TestMessageLifecycle(t *testing.T) {
	ctx := newTestDB(t)

	m := OutgoingMessage{
		UUID:   uuid.NewString(),
		Sender: "billing@example.com",
		Status: StatusPending,
		Recipients: []Recipient{
			{Address: "mjl@example.org", Kind: RecipientTo},
			{Address: "sales@example.org", Kind: RecipientCc},
		},
	}
	tcheck(t, DB.Insert(ctx, &m), "insert message")

	// Unique uuid is enforced.
	dup := OutgoingMessage{UUID: m.UUID, Sender: "x@example.com", Status: StatusPending}
	if err := DB.Insert(ctx, &dup); err == nil {
		t.Fatalf("inserting duplicate uuid did not fail")
	}

	got, err := bstore.QueryDB[OutgoingMessage](ctx, DB).FilterNonzero(OutgoingMessage{UUID: m.UUID}).Get()
	tcheck(t, err, "fetch message")
	if got.Status != StatusPending || len(got.Recipients) != 2 {
		t.Fatalf("unexpected message %#v", got)
	}

	// Cancel, then verify cancel of a terminal message fails.
	tcheck(t, Cancel(ctx, m.UUID), "cancel message")
	if err := Cancel(ctx, m.UUID); err == nil {
		t.Fatalf("cancelling a cancelled message did not fail")
	}
	if err := Retry(ctx, m.UUID); err == nil {
		t.Fatalf("retrying a cancelled message did not fail")
	}
}

func TestRetryReset(t *testing.T) {
	ctx := newTestDB(t)

	m := OutgoingMessage{
		UUID:   uuid.NewString(),
		Sender: "billing@example.com",
		Status: StatusBounced,
		Recipients: []Recipient{
			{Address: "mjl@example.org", Kind: RecipientTo, Outcome: OutcomeBounced, Code: 550, Detail: "550 no"},
		},
		Batches: []BatchRef{{BatchID: "b1", Agent: "out1", Recipients: []string{"mjl@example.org"}}},
	}
	tcheck(t, DB.Insert(ctx, &m), "insert message")

	tcheck(t, Retry(ctx, m.UUID), "retry bounced message")
	got, err := bstore.QueryDB[OutgoingMessage](ctx, DB).FilterNonzero(OutgoingMessage{UUID: m.UUID}).Get()
	tcheck(t, err, "fetch message")
	if got.Status != StatusPending || len(got.Batches) != 0 || got.Recipients[0].Outcome != "" || got.Recipients[0].Code != 0 {
		t.Fatalf("retry did not reset message, got %#v", got)
	}

	// Only Failed, Bounced, Blocked and Deferred re-enter the pipeline.
	got.Status = StatusQueued
	tcheck(t, DB.Update(ctx, &got), "set status")
	if err := Retry(ctx, m.UUID); err == nil {
		t.Fatalf("retrying a queued message did not fail")
	}
}

func TestRetryDeferred(t *testing.T) {
	ctx := newTestDB(t)

	// A persistent batch fault parks a message as Deferred with the fault in
	// LastError. The operator must be able to re-enter it into the pipeline.
	m := OutgoingMessage{
		UUID:      uuid.NewString(),
		Sender:    "billing@example.com",
		Status:    StatusDeferred,
		LastError: "connecting to relay: connection refused",
		Recipients: []Recipient{
			{Address: "mjl@example.org", Kind: RecipientTo, Outcome: OutcomeDeferred, Code: 0, Detail: "connecting to relay: connection refused"},
		},
		Batches: []BatchRef{{BatchID: "b1", Agent: "out1", Recipients: []string{"mjl@example.org"}}},
	}
	tcheck(t, DB.Insert(ctx, &m), "insert message")

	tcheck(t, Retry(ctx, m.UUID), "retry deferred message")
	got, err := bstore.QueryDB[OutgoingMessage](ctx, DB).FilterNonzero(OutgoingMessage{UUID: m.UUID}).Get()
	tcheck(t, err, "fetch message")
	if got.Status != StatusPending || len(got.Batches) != 0 || got.Recipients[0].Outcome != "" {
		t.Fatalf("retry did not reset deferred message, got %#v", got)
	}
}

func TestMessageFile(t *testing.T) {
	newTestDB(t)

	id := uuid.NewString()
	p, err := StoreMessageFile(id, []byte("Subject: test\r\n\r\nhi\r\n"))
	tcheck(t, err, "store message file")
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("message file not written: %v", err)
	}
	if p != MessagePath(id) {
		t.Fatalf("path mismatch: %s vs %s", p, MessagePath(id))
	}
	tcheck(t, RemoveMessageFile(id), "remove message file")
	tcheck(t, RemoveMessageFile(id), "remove missing message file")
}

func TestResolveRecipient(t *testing.T) {
	ctx := newTestDB(t)

	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		for _, mb := range []Mailbox{
			{Address: "mjl@example.com", Enabled: true},
			{Address: "sales@example.com", Enabled: true},
			{Address: "old@example.com", Enabled: false},
		} {
			mb := mb
			if err := tx.Insert(&mb); err != nil {
				return err
			}
		}
		a := Alias{Address: "team@example.com", Enabled: true, Members: []string{"mjl@example.com", "sales@example.com", "old@example.com", "gone@example.com"}}
		if err := tx.Insert(&a); err != nil {
			return err
		}
		off := Alias{Address: "dead@example.com", Enabled: false, Members: []string{"mjl@example.com"}}
		return tx.Insert(&off)
	})
	tcheck(t, err, "seed mailboxes")

	test := func(addr string, exp []string) {
		t.Helper()
		var got []string
		err := DB.Read(ctx, func(tx *bstore.Tx) error {
			var err error
			got, err = ResolveRecipient(ctx, tx, addr)
			return err
		})
		tcheck(t, err, "resolve")
		if len(got) != len(exp) {
			t.Fatalf("resolving %q: got %v, expected %v", addr, got, exp)
		}
		for i := range exp {
			if got[i] != exp[i] {
				t.Fatalf("resolving %q: got %v, expected %v", addr, got, exp)
			}
		}
	}

	test("mjl@example.com", []string{"mjl@example.com"})
	// Disabled and unknown alias members are skipped.
	test("team@example.com", []string{"mjl@example.com", "sales@example.com"})
	test("old@example.com", nil)     // Disabled mailbox.
	test("dead@example.com", nil)    // Disabled alias.
	test("unknown@example.com", nil) // No such recipient.
}

func TestAgentChecks(t *testing.T) {
	ctx := newTestDB(t)

	good := Agent{Name: "out1", Direction: AgentOutbound, Enabled: true, IPv4: "192.0.2.10"}
	tcheck(t, SaveAgent(ctx, good), "save agent")

	// Upsert by name keeps identity.
	good.Priority = 5
	tcheck(t, SaveAgent(ctx, good), "update agent")
	l, err := bstore.QueryDB[Agent](ctx, DB).List()
	tcheck(t, err, "list agents")
	if len(l) != 1 || l[0].Priority != 5 {
		t.Fatalf("expected one updated agent, got %v", l)
	}

	bad := func(a Agent) {
		t.Helper()
		if err := SaveAgent(ctx, a); err == nil {
			t.Fatalf("saving agent %#v did not fail", a)
		}
	}
	bad(Agent{Name: "x", Direction: "both", IPv4: "192.0.2.1"})
	bad(Agent{Name: "x", Direction: AgentInbound})
	bad(Agent{Name: "x", Direction: AgentInbound, IPv4: "not-an-ip"})
	bad(Agent{Name: "x", Direction: AgentInbound, IPv6: "192.0.2.1"})

	in1 := Agent{Name: "in1", Direction: AgentInbound, Enabled: true, IPv4: "192.0.2.20", Priority: 2}
	in2 := Agent{Name: "in2", Direction: AgentInbound, Enabled: true, IPv4: "192.0.2.21", Priority: 1}
	in3 := Agent{Name: "in3", Direction: AgentInbound, Enabled: false, IPv4: "192.0.2.22"}
	tcheck(t, SaveAgent(ctx, in1), "save in1")
	tcheck(t, SaveAgent(ctx, in2), "save in2")
	tcheck(t, SaveAgent(ctx, in3), "save in3")

	inbound, err := Agents(ctx, AgentInbound)
	tcheck(t, err, "list inbound agents")
	if len(inbound) != 2 || inbound[0].Name != "in2" || inbound[1].Name != "in1" {
		t.Fatalf("expected enabled inbound agents by priority, got %v", inbound)
	}
}

func TestJobClaimExclusive(t *testing.T) {
	ctx := newTestDB(t)

	j := AgentJob{UUID: uuid.NewString(), Kind: "sync-mailboxes", Status: JobQueued}
	tcheck(t, DB.Insert(ctx, &j), "insert job")

	var mu sync.Mutex
	var wins, losses int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ClaimJob(ctx, j.UUID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				losses++
			}
		}()
	}
	wg.Wait()
	if wins != 1 || losses != 3 {
		t.Fatalf("expected exactly one claim to win, got %d wins, %d losses", wins, losses)
	}

	tcheck(t, FinishJob(ctx, j.UUID, JobFailed, "", "agent unreachable"), "finish job")
	got, err := bstore.QueryDB[AgentJob](ctx, DB).FilterNonzero(AgentJob{UUID: j.UUID}).Get()
	tcheck(t, err, "fetch job")
	if got.Status != JobFailed || len(got.Attempts) != 1 || got.Attempts[0].Error != "agent unreachable" {
		t.Fatalf("unexpected job after finish: %#v", got)
	}

	// Rerun requeues under the same id, next claim appends a second attempt.
	tcheck(t, RerunJob(ctx, j.UUID), "rerun job")
	_, err = ClaimJob(ctx, j.UUID)
	tcheck(t, err, "claim after rerun")
	tcheck(t, FinishJob(ctx, j.UUID, JobCompleted, `{"synced":3}`, ""), "complete job")
	got, err = bstore.QueryDB[AgentJob](ctx, DB).FilterNonzero(AgentJob{UUID: j.UUID}).Get()
	tcheck(t, err, "fetch job")
	if got.Status != JobCompleted || len(got.Attempts) != 2 || got.Response == "" {
		t.Fatalf("unexpected job after rerun: %#v", got)
	}
}
