package deliver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/courier-mta/courier/broker"
	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/store"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func newTestEnv(t *testing.T) context.Context {
	t.Helper()
	dir := t.TempDir()
	courier.ConfigStaticPath = filepath.Join(dir, "courier.conf")
	courier.Conf.Static.DataDir = "data"
	courier.Conf.Static.Relay.EHLOHostname = "courier.example"
	courier.Conf.Static.Retry.MaxAttempts = 1

	ctx := context.Background()
	err := store.Init(ctx)
	tcheck(t, err, "store init")
	t.Cleanup(func() {
		err := store.Close()
		tcheck(t, err, "store close")
	})
	return ctx
}

// relayServer returns a dial function to a scripted relay session that
// responds to each RCPT TO with the next code from rcptCodes.
func relayServer(t *testing.T, rcptCodes []int) func(ctx context.Context) (net.Conn, error) {
	t.Helper()
	return func(ctx context.Context) (net.Conn, error) {
		cconn, sconn := net.Pipe()
		go func() {
			defer sconn.Close()
			br := bufio.NewReader(sconn)
			readline := func() string {
				line, _ := br.ReadString('\n')
				return line
			}
			write := func(s string) {
				sconn.Write([]byte(s))
			}
			write("220 relay ESMTP\r\n")
			readline() // EHLO
			write("250 relay.example\r\n")
			readline() // MAIL FROM
			write("250 ok\r\n")
			for _, code := range rcptCodes {
				readline()
				write(fmt.Sprintf("%d rcpt\r\n", code))
			}
			readline() // DATA
			write("354 continue\r\n")
			for {
				line := readline()
				if line == "" || line == ".\r\n" {
					break
				}
			}
			write("250 queued\r\n")
			readline() // QUIT
			write("221 bye\r\n")
		}()
		return cconn, nil
	}
}

func publishBatch(t *testing.T, ctx context.Context, q broker.Queue, tb broker.TransferBatch) {
	t.Helper()
	buf, err := broker.Encode(tb)
	tcheck(t, err, "encode batch")
	_, err = q.Publish(ctx, broker.TopicOutboundTransfer, buf)
	tcheck(t, err, "publish batch")
}

func consumeEvents(t *testing.T, ctx context.Context, q broker.Queue) []broker.StatusEvent {
	t.Helper()
	msgs, err := q.Consume(ctx, broker.TopicOutboundStatus, "reconcile", "c0", 100, 0)
	tcheck(t, err, "consume status events")
	var events []broker.StatusEvent
	var ids []string
	for _, qm := range msgs {
		var ev broker.StatusEvent
		err := broker.Decode(qm.Body, &ev)
		tcheck(t, err, "decode status event")
		events = append(events, ev)
		ids = append(ids, qm.ID)
	}
	err = q.Ack(ctx, broker.TopicOutboundStatus, "reconcile", ids...)
	tcheck(t, err, "ack status events")
	return events
}

func TestDeliverBatch(t *testing.T) {
	ctx := newTestEnv(t)

	muuid := uuid.New().String()
	_, err := store.StoreMessageFile(muuid, []byte("Subject: hi\r\n\r\nhello\r\n"))
	tcheck(t, err, "store message file")

	q := broker.NewMemory(time.Minute)
	tb := broker.TransferBatch{
		BatchID:     uuid.New().String(),
		MessageUUID: muuid,
		Agent:       "out1",
		Sender:      "sender@example.com",
		Recipients:  []string{"ok@example.org", "gone@example.org"},
		Size:        23,
		Attempt:     1,
		Published:   time.Now(),
	}
	publishBatch(t, ctx, q, tb)

	a := New(q, "test")
	a.dial = relayServer(t, []int{250, 550})

	msgs, err := q.Consume(ctx, broker.TopicOutboundTransfer, consumerGroup, a.name, 10, 0)
	tcheck(t, err, "consume batch")
	if len(msgs) != 1 {
		t.Fatalf("consumed %d batches, expected 1", len(msgs))
	}
	a.Process(ctx, msgs[0])

	events := consumeEvents(t, ctx, q)
	if len(events) != 2 {
		t.Fatalf("got %d status events, expected 2", len(events))
	}
	byRcpt := map[string]broker.StatusEvent{}
	for _, ev := range events {
		if ev.MessageUUID != muuid || ev.BatchID != tb.BatchID || ev.BatchFailure {
			t.Fatalf("unexpected event %+v", ev)
		}
		byRcpt[ev.Recipient] = ev
	}
	if ev := byRcpt["ok@example.org"]; ev.Outcome != string(store.OutcomeSent) || ev.Code != 250 {
		t.Fatalf("unexpected event for accepted recipient: %+v", ev)
	}
	if ev := byRcpt["gone@example.org"]; ev.Outcome != string(store.OutcomeBounced) || ev.Code != 550 {
		t.Fatalf("unexpected event for rejected recipient: %+v", ev)
	}

	// Batch was acked, nothing left to consume.
	msgs, err = q.Consume(ctx, broker.TopicOutboundTransfer, consumerGroup, a.name, 10, 0)
	tcheck(t, err, "consume after ack")
	if len(msgs) != 0 {
		t.Fatalf("batch not acked, consumed %d", len(msgs))
	}

	// A redelivered batch does not re-submit recipients with terminal
	// outcomes and publishes no new events.
	publishBatch(t, ctx, q, tb)
	msgs, err = q.Consume(ctx, broker.TopicOutboundTransfer, consumerGroup, a.name, 10, 0)
	tcheck(t, err, "consume redelivered batch")
	a.Process(ctx, msgs[0])
	if events := consumeEvents(t, ctx, q); len(events) != 0 {
		t.Fatalf("redelivered batch produced %d events", len(events))
	}
}

func TestDeferredBackoff(t *testing.T) {
	ctx := newTestEnv(t)
	courier.Conf.Static.Retry.BackoffMin = time.Minute
	courier.Conf.Static.Retry.BackoffMax = 8 * time.Minute

	muuid := uuid.New().String()
	_, err := store.StoreMessageFile(muuid, []byte("Subject: hi\r\n\r\nhello\r\n"))
	tcheck(t, err, "store message file")

	q := broker.NewMemory(time.Minute)
	tb := broker.TransferBatch{
		BatchID:     uuid.New().String(),
		MessageUUID: muuid,
		Sender:      "sender@example.com",
		Recipients:  []string{"busy@example.org"},
		Attempt:     1,
	}
	publishBatch(t, ctx, q, tb)

	a := New(q, "test")
	a.dial = relayServer(t, []int{451})

	msgs, err := q.Consume(ctx, broker.TopicOutboundTransfer, consumerGroup, a.name, 10, 0)
	tcheck(t, err, "consume batch")
	a.Process(ctx, msgs[0])

	events := consumeEvents(t, ctx, q)
	if len(events) != 1 {
		t.Fatalf("got %d status events, expected 1", len(events))
	}
	ev := events[0]
	if ev.Outcome != string(store.OutcomeDeferred) || ev.Code != 451 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Backoff < time.Minute || ev.Backoff > time.Minute+6*time.Second {
		t.Fatalf("deferred event backoff %v, expected 1m with at most 10%% jitter", ev.Backoff)
	}

	// Backoff doubles per dispatch attempt and is capped at the maximum.
	test := func(attempt int, min, max time.Duration) {
		t.Helper()
		got := a.suggestedBackoff(attempt)
		if got < min || got > max {
			t.Fatalf("backoff for attempt %d: %v, expected within [%v, %v]", attempt, got, min, max)
		}
	}
	test(2, 2*time.Minute, 2*time.Minute+12*time.Second)
	test(4, 8*time.Minute, 8*time.Minute+48*time.Second)
	test(10, 8*time.Minute, 8*time.Minute+48*time.Second)
}

func TestDeliverRelayDown(t *testing.T) {
	ctx := newTestEnv(t)

	muuid := uuid.New().String()
	_, err := store.StoreMessageFile(muuid, []byte("Subject: hi\r\n\r\nhello\r\n"))
	tcheck(t, err, "store message file")

	q := broker.NewMemory(time.Minute)
	tb := broker.TransferBatch{
		BatchID:     uuid.New().String(),
		MessageUUID: muuid,
		Sender:      "sender@example.com",
		Recipients:  []string{"ok@example.org"},
		Attempt:     2,
	}
	publishBatch(t, ctx, q, tb)

	a := New(q, "test")
	a.dial = func(ctx context.Context) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}

	msgs, err := q.Consume(ctx, broker.TopicOutboundTransfer, consumerGroup, a.name, 10, 0)
	tcheck(t, err, "consume batch")
	a.Process(ctx, msgs[0])

	events := consumeEvents(t, ctx, q)
	if len(events) != 1 {
		t.Fatalf("got %d status events, expected 1", len(events))
	}
	ev := events[0]
	if !ev.BatchFailure || ev.Recipient != "" || ev.Outcome != string(store.OutcomeDeferred) || ev.Retries != 2 {
		t.Fatalf("unexpected batch failure event %+v", ev)
	}
}

func TestDeliverRelayDownRetry(t *testing.T) {
	ctx := newTestEnv(t)
	courier.Conf.Static.Retry.MaxAttempts = 2

	muuid := uuid.New().String()
	_, err := store.StoreMessageFile(muuid, []byte("Subject: hi\r\n\r\nhello\r\n"))
	tcheck(t, err, "store message file")

	q := broker.NewMemory(time.Minute)
	now := time.Now()
	q.SetNow(func() time.Time { return now })
	tb := broker.TransferBatch{
		BatchID:     uuid.New().String(),
		MessageUUID: muuid,
		Sender:      "sender@example.com",
		Recipients:  []string{"ok@example.org"},
		Attempt:     1,
	}
	publishBatch(t, ctx, q, tb)

	a := New(q, "test")
	a.dial = func(ctx context.Context) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}

	// First fault leaves the batch unacked and reports nothing.
	msgs, err := q.Consume(ctx, broker.TopicOutboundTransfer, consumerGroup, a.name, 10, 0)
	tcheck(t, err, "consume batch")
	a.Process(ctx, msgs[0])
	if events := consumeEvents(t, ctx, q); len(events) != 0 {
		t.Fatalf("first fault published %d events", len(events))
	}

	// After the visibility timeout the batch is redelivered, the second fault
	// exhausts the attempts and is reported.
	now = now.Add(2 * time.Minute)
	msgs, err = q.Consume(ctx, broker.TopicOutboundTransfer, consumerGroup, a.name, 10, 0)
	tcheck(t, err, "consume redelivered batch")
	if len(msgs) != 1 || msgs[0].Deliveries != 2 {
		t.Fatalf("expected one redelivered batch, got %+v", msgs)
	}
	a.Process(ctx, msgs[0])
	events := consumeEvents(t, ctx, q)
	if len(events) != 1 || !events[0].BatchFailure {
		t.Fatalf("expected a single batch failure event, got %+v", events)
	}
}

func TestDeliverMissingFile(t *testing.T) {
	ctx := newTestEnv(t)

	q := broker.NewMemory(time.Minute)
	tb := broker.TransferBatch{
		BatchID:     uuid.New().String(),
		MessageUUID: uuid.New().String(),
		Sender:      "sender@example.com",
		Recipients:  []string{"ok@example.org"},
		Attempt:     1,
	}
	publishBatch(t, ctx, q, tb)

	a := New(q, "test")
	a.dial = relayServer(t, []int{250})

	msgs, err := q.Consume(ctx, broker.TopicOutboundTransfer, consumerGroup, a.name, 10, 0)
	tcheck(t, err, "consume batch")
	a.Process(ctx, msgs[0])

	events := consumeEvents(t, ctx, q)
	if len(events) != 1 || !events[0].BatchFailure {
		t.Fatalf("expected a single batch failure event, got %+v", events)
	}
}

func TestDropUndecodable(t *testing.T) {
	ctx := newTestEnv(t)

	q := broker.NewMemory(time.Minute)
	_, err := q.Publish(ctx, broker.TopicOutboundTransfer, []byte("not json"))
	tcheck(t, err, "publish garbage")

	a := New(q, "test")
	msgs, err := q.Consume(ctx, broker.TopicOutboundTransfer, consumerGroup, a.name, 10, 0)
	tcheck(t, err, "consume")
	a.Process(ctx, msgs[0])

	if events := consumeEvents(t, ctx, q); len(events) != 0 {
		t.Fatalf("garbage produced %d events", len(events))
	}
	msgs, err = q.Consume(ctx, broker.TopicOutboundTransfer, consumerGroup, a.name, 10, 0)
	tcheck(t, err, "consume after ack")
	if len(msgs) != 0 {
		t.Fatalf("garbage entry not acked")
	}
}
