package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/broker"
	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/spamc"
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
	courier.Conf.Static.Limits.MaxBatchSize = 10
	courier.Conf.Static.Limits.MaxRecipientsPerBatch = 3
	courier.Conf.Static.Spamd.MaxScoreOutgoing = 0

	ctx := context.Background()
	err := store.Init(ctx)
	tcheck(t, err, "store init")
	t.Cleanup(func() {
		err := store.Close()
		tcheck(t, err, "store close")
	})
	return ctx
}

func addAgent(t *testing.T, ctx context.Context, name string) {
	t.Helper()
	err := store.SaveAgent(ctx, store.Agent{Name: name, Direction: store.AgentOutbound, Enabled: true, IPv4: "10.0.0.1"})
	tcheck(t, err, "save agent")
}

func submit(t *testing.T, ctx context.Context, nrcpt int) string {
	t.Helper()
	m := store.OutgoingMessage{
		UUID:   uuid.New().String(),
		Sender: "sender@example.com",
		Status: store.StatusPending,
		Size:   100,
	}
	for i := 0; i < nrcpt; i++ {
		m.Recipients = append(m.Recipients, store.Recipient{Address: fmt.Sprintf("rcpt%d@example.org", i), Kind: store.RecipientTo})
	}
	err := store.DB.Insert(ctx, &m)
	tcheck(t, err, "insert message")
	return m.UUID
}

func getMessage(t *testing.T, ctx context.Context, uuid string) store.OutgoingMessage {
	t.Helper()
	var m store.OutgoingMessage
	err := store.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		m, err = store.MessageByUUID(ctx, tx, uuid)
		return err
	})
	tcheck(t, err, "fetch message")
	return m
}

func bump(t *testing.T, ctx context.Context, uuid string, priority int) {
	t.Helper()
	err := store.DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := store.MessageByUUID(ctx, tx, uuid)
		if err != nil {
			return err
		}
		m.Priority = priority
		return tx.Update(&m)
	})
	tcheck(t, err, "set priority")
}

func TestSweepBatches(t *testing.T) {
	ctx := newTestEnv(t)
	addAgent(t, ctx, "out1")
	muuid := submit(t, ctx, 7)

	q := broker.NewMemory(time.Minute)
	d := New(q, nil)

	n, err := d.Sweep(ctx)
	tcheck(t, err, "sweep")
	if n != 1 {
		t.Fatalf("dispatched %d messages, expected 1", n)
	}

	m := getMessage(t, ctx, muuid)
	if m.Status != store.StatusTransferred {
		t.Fatalf("message status %q, expected transferred", m.Status)
	}
	if len(m.Batches) != 3 {
		t.Fatalf("got %d batches, expected 3", len(m.Batches))
	}
	for i, want := range []int{3, 3, 1} {
		if len(m.Batches[i].Recipients) != want {
			t.Fatalf("batch %d has %d recipients, expected %d", i, len(m.Batches[i].Recipients), want)
		}
		if m.Batches[i].Agent != "out1" {
			t.Fatalf("batch %d addressed to %q", i, m.Batches[i].Agent)
		}
	}

	msgs, err := q.Consume(ctx, broker.TopicOutboundTransfer, "deliver", "c0", 10, 0)
	tcheck(t, err, "consume")
	if len(msgs) != 3 {
		t.Fatalf("consumed %d batches, expected 3", len(msgs))
	}
	total := 0
	for _, qm := range msgs {
		var tb broker.TransferBatch
		err := broker.Decode(qm.Body, &tb)
		tcheck(t, err, "decode batch")
		if tb.MessageUUID != muuid || tb.Sender != "sender@example.com" || tb.Attempt != 1 {
			t.Fatalf("unexpected batch %+v", tb)
		}
		total += len(tb.Recipients)
	}
	if total != 7 {
		t.Fatalf("batches cover %d recipients, expected 7", total)
	}

	// Second sweep has nothing pending.
	n, err = d.Sweep(ctx)
	tcheck(t, err, "second sweep")
	if n != 0 {
		t.Fatalf("second sweep dispatched %d messages", n)
	}
}

func TestSweepAgentRotation(t *testing.T) {
	ctx := newTestEnv(t)
	addAgent(t, ctx, "out1")
	addAgent(t, ctx, "out2")
	muuid := submit(t, ctx, 7)

	q := broker.NewMemory(time.Minute)
	_, err := New(q, nil).Sweep(ctx)
	tcheck(t, err, "sweep")

	m := getMessage(t, ctx, muuid)
	agents := []string{m.Batches[0].Agent, m.Batches[1].Agent, m.Batches[2].Agent}
	if agents[0] != "out1" || agents[1] != "out2" || agents[2] != "out1" {
		t.Fatalf("batches rotated over agents %v", agents)
	}
}

func TestSweepNoAgent(t *testing.T) {
	ctx := newTestEnv(t)
	muuid := submit(t, ctx, 2)

	q := broker.NewMemory(time.Minute)
	_, err := New(q, nil).Sweep(ctx)
	tcheck(t, err, "sweep")

	m := getMessage(t, ctx, muuid)
	if m.Status != store.StatusFailed {
		t.Fatalf("message status %q, expected failed", m.Status)
	}
	if !strings.Contains(m.StatusDetail, "no outbound agent") {
		t.Fatalf("unexpected status detail %q", m.StatusDetail)
	}
	if q.Depth(broker.TopicOutboundTransfer, "deliver") != 0 {
		t.Fatalf("failed message was published")
	}

	// A retried message is picked up again once an agent exists.
	err = store.Retry(ctx, muuid)
	tcheck(t, err, "retry")
	addAgent(t, ctx, "out1")
	_, err = New(q, nil).Sweep(ctx)
	tcheck(t, err, "sweep after retry")
	m = getMessage(t, ctx, muuid)
	if m.Status != store.StatusTransferred {
		t.Fatalf("retried message status %q, expected transferred", m.Status)
	}
	if m.Attempts != 1 {
		t.Fatalf("retried message attempts %d, expected 1", m.Attempts)
	}
}

func TestSweepSpamBlock(t *testing.T) {
	ctx := newTestEnv(t)
	courier.Conf.Static.Spamd.MaxScoreOutgoing = 5
	addAgent(t, ctx, "out1")
	muuid := submit(t, ctx, 2)
	_, err := store.StoreMessageFile(muuid, []byte("Subject: buy now\r\n\r\nspam\r\n"))
	tcheck(t, err, "store message file")

	addr := fakeSpamd(t, "SPAMD/1.1 0 EX_OK\r\nSpam: True ; 9.9 / 5.0\r\n\r\n")
	q := broker.NewMemory(time.Minute)
	_, err = New(q, spamc.New(addr)).Sweep(ctx)
	tcheck(t, err, "sweep")

	m := getMessage(t, ctx, muuid)
	if m.Status != store.StatusBlocked {
		t.Fatalf("message status %q, expected blocked", m.Status)
	}
	if m.SpamScore != 9.9 {
		t.Fatalf("spam score %v, expected 9.9", m.SpamScore)
	}
	if q.Depth(broker.TopicOutboundTransfer, "deliver") != 0 {
		t.Fatalf("blocked message was published")
	}
}

func TestSweepPriority(t *testing.T) {
	ctx := newTestEnv(t)
	courier.Conf.Static.Limits.MaxBatchSize = 1
	addAgent(t, ctx, "out1")
	low := submit(t, ctx, 1)
	high := submit(t, ctx, 1)
	bump(t, ctx, high, 10)

	q := broker.NewMemory(time.Minute)
	n, err := New(q, nil).Sweep(ctx)
	tcheck(t, err, "sweep")
	if n != 1 {
		t.Fatalf("dispatched %d messages, expected 1", n)
	}
	if m := getMessage(t, ctx, high); m.Status != store.StatusTransferred {
		t.Fatalf("high priority message status %q, expected transferred", m.Status)
	}
	if m := getMessage(t, ctx, low); m.Status != store.StatusPending {
		t.Fatalf("low priority message status %q, expected still pending", m.Status)
	}
}

// fakeSpamd serves spamd CHECK exchanges with a fixed response.
func fakeSpamd(t *testing.T, response string) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					line, err := br.ReadString('\n')
					if err != nil || strings.TrimRight(line, "\r\n") == "" {
						break
					}
				}
				io.Copy(io.Discard, br)
				fmt.Fprint(conn, response)
			}()
		}
	}()
	return ln.Addr().String()
}
