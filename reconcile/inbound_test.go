package reconcile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/broker"
	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/spamc"
	"github.com/courier-mta/courier/store"
)

func addMailbox(t *testing.T, ctx context.Context, addr string, enabled bool) {
	t.Helper()
	err := store.DB.Insert(ctx, &store.Mailbox{Address: addr, Enabled: enabled})
	tcheck(t, err, "insert mailbox")
}

func addAlias(t *testing.T, ctx context.Context, addr string, members ...string) {
	t.Helper()
	err := store.DB.Insert(ctx, &store.Alias{Address: addr, Enabled: true, Members: members})
	tcheck(t, err, "insert alias")
}

func publishIntake(t *testing.T, ctx context.Context, q broker.Queue, ev broker.InboundMessage) {
	t.Helper()
	buf, err := broker.Encode(ev)
	tcheck(t, err, "encode intake event")
	_, err = q.Publish(ctx, broker.TopicInboundIntake, buf)
	tcheck(t, err, "publish intake event")
}

func incomingRows(t *testing.T, ctx context.Context, sourceID string) []store.IncomingMessage {
	t.Helper()
	q := bstore.QueryDB[store.IncomingMessage](ctx, store.DB)
	q.FilterNonzero(store.IncomingMessage{SourceMessageID: sourceID})
	q.SortAsc("Recipient")
	rows, err := q.List()
	tcheck(t, err, "list incoming rows")
	return rows
}

func intakeEvent(sourceID, rcptTo string) broker.InboundMessage {
	return broker.InboundMessage{
		SourceID:  sourceID,
		Agent:     "in1",
		Sender:    "sender@remote.example",
		RcptTo:    rcptTo,
		RemoteIP:  "192.0.2.10",
		PTRName:   "mail.remote.example.",
		PTRStatus: "pass",
		SPF:       "pass",
		DKIM:      "pass",
		DMARC:     "pass",
		Subject:   "hello",
		MessageID: "original@remote.example",
		Size:      24,
		Raw:       []byte("Subject: hello\r\n\r\nhi\r\n"),
		Received:  time.Now().UTC(),
	}
}

func TestIntakeFanout(t *testing.T) {
	ctx := newTestEnv(t)
	addMailbox(t, ctx, "a@courier.example", true)
	addMailbox(t, ctx, "b@courier.example", true)
	addMailbox(t, ctx, "c@courier.example", false)
	addAlias(t, ctx, "team@courier.example", "a@courier.example", "b@courier.example", "c@courier.example")

	q := broker.NewMemory(time.Minute)
	r := New(q, "test", nil)
	publishIntake(t, ctx, q, intakeEvent("src-1", "team@courier.example"))

	n, err := r.SyncInbound(ctx)
	tcheck(t, err, "sync inbound")
	if n != 1 {
		t.Fatalf("processed %d events, expected 1", n)
	}

	rows := incomingRows(t, ctx, "src-1")
	if len(rows) != 2 {
		t.Fatalf("got %d incoming rows, expected 2 for enabled alias members", len(rows))
	}
	for _, row := range rows {
		if row.Status != store.InboundAccepted || row.Folder != store.FolderInbox {
			t.Fatalf("unexpected row %+v", row)
		}
		if row.RcptTo != "team@courier.example" || row.SPF != store.VerdictPass {
			t.Fatalf("unexpected row %+v", row)
		}
		if _, err := os.Stat(store.MessagePath(row.UUID)); err != nil {
			t.Fatalf("message content not stored: %v", err)
		}
	}
	if rows[0].Recipient != "a@courier.example" || rows[1].Recipient != "b@courier.example" {
		t.Fatalf("unexpected fan-out recipients %q, %q", rows[0].Recipient, rows[1].Recipient)
	}

	// Redelivered event is idempotent.
	publishIntake(t, ctx, q, intakeEvent("src-1", "team@courier.example"))
	_, err = r.SyncInbound(ctx)
	tcheck(t, err, "sync redelivered")
	if rows := incomingRows(t, ctx, "src-1"); len(rows) != 2 {
		t.Fatalf("redelivery created rows, now %d", len(rows))
	}
}

func TestIntakeUnknownRecipient(t *testing.T) {
	ctx := newTestEnv(t)
	courier.Conf.Static.NotifyOnReject = true

	q := broker.NewMemory(time.Minute)
	r := New(q, "test", nil)
	publishIntake(t, ctx, q, intakeEvent("src-2", "nobody@courier.example"))

	_, err := r.SyncInbound(ctx)
	tcheck(t, err, "sync inbound")

	rows := incomingRows(t, ctx, "src-2")
	if len(rows) != 1 || rows[0].Status != store.InboundRejected {
		t.Fatalf("expected one rejected row, got %+v", rows)
	}
	if !strings.Contains(rows[0].RejectReason, "5.4.1 Recipient address rejected") {
		t.Fatalf("unexpected reject reason %q", rows[0].RejectReason)
	}

	// An audit row was recorded.
	aq := bstore.QueryDB[store.RejectedMessage](ctx, store.DB)
	aq.FilterNonzero(store.RejectedMessage{RcptTo: "nobody@courier.example"})
	audit, err := aq.List()
	tcheck(t, err, "list audit rows")
	if len(audit) != 1 || audit[0].Code != 550 {
		t.Fatalf("unexpected audit rows %+v", audit)
	}

	// An NDR was submitted to the outbound pipeline.
	oq := bstore.QueryDB[store.OutgoingMessage](ctx, store.DB)
	oq.FilterNonzero(store.OutgoingMessage{Status: store.StatusPending})
	ndrs, err := oq.List()
	tcheck(t, err, "list outgoing")
	if len(ndrs) != 1 {
		t.Fatalf("expected one pending ndr, got %d", len(ndrs))
	}
	ndr := ndrs[0]
	if ndr.Sender != "postmaster@courier.example" || ndr.Recipients[0].Address != "sender@remote.example" {
		t.Fatalf("unexpected ndr %+v", ndr)
	}
	buf, err := os.ReadFile(store.MessagePath(ndr.UUID))
	tcheck(t, err, "read ndr content")
	if !strings.Contains(string(buf), "Recipient address rejected") {
		t.Fatalf("ndr content missing diagnostic")
	}
}

func TestIntakeSpam(t *testing.T) {
	ctx := newTestEnv(t)
	courier.Conf.Static.Spamd.MaxScoreInbound = 5
	addMailbox(t, ctx, "a@courier.example", true)

	addr := fakeSpamd(t, "SPAMD/1.1 0 EX_OK\r\nSpam: True ; 7.5 / 5.0\r\n\r\n")
	q := broker.NewMemory(time.Minute)
	r := New(q, "test", spamc.New(addr))
	publishIntake(t, ctx, q, intakeEvent("src-3", "a@courier.example"))

	_, err := r.SyncInbound(ctx)
	tcheck(t, err, "sync inbound")

	rows := incomingRows(t, ctx, "src-3")
	if len(rows) != 1 {
		t.Fatalf("got %d rows, expected 1", len(rows))
	}
	if rows[0].Folder != store.FolderSpam || rows[0].SpamScore != 7.5 || rows[0].Status != store.InboundAccepted {
		t.Fatalf("unexpected spam row %+v", rows[0])
	}

	// With reject-above-score the message is rejected instead of filed.
	courier.Conf.Static.Spamd.RejectAboveScore = true
	publishIntake(t, ctx, q, intakeEvent("src-4", "a@courier.example"))
	_, err = r.SyncInbound(ctx)
	tcheck(t, err, "sync inbound reject")
	rows = incomingRows(t, ctx, "src-4")
	if len(rows) != 1 || rows[0].Status != store.InboundRejected {
		t.Fatalf("expected rejected spam row, got %+v", rows)
	}
	if !strings.Contains(rows[0].RejectReason, "rejected as spam") {
		t.Fatalf("unexpected reject reason %q", rows[0].RejectReason)
	}
}

func TestRejectionAudit(t *testing.T) {
	ctx := newTestEnv(t)

	q := broker.NewMemory(time.Minute)
	r := New(q, "test", nil)

	rej := broker.InboundRejection{
		Agent:    "in1",
		RemoteIP: "192.0.2.66",
		Sender:   "spammer@remote.example",
		RcptTo:   "a@courier.example",
		Code:     554,
		Reason:   "554 5.7.1 connection refused, ip blocklisted",
		Occurred: time.Now().UTC(),
	}
	buf, err := broker.Encode(rej)
	tcheck(t, err, "encode rejection")
	_, err = q.Publish(ctx, broker.TopicInboundStatus, buf)
	tcheck(t, err, "publish rejection")
	// Publish the same event twice, the audit row is recorded once.
	_, err = q.Publish(ctx, broker.TopicInboundStatus, buf)
	tcheck(t, err, "publish duplicate rejection")

	_, err = r.SyncInbound(ctx)
	tcheck(t, err, "sync inbound")

	aq := bstore.QueryDB[store.RejectedMessage](ctx, store.DB)
	aq.FilterNonzero(store.RejectedMessage{RemoteIP: "192.0.2.66"})
	audit, err := aq.List()
	tcheck(t, err, "list audit rows")
	if len(audit) != 1 || audit[0].Code != 554 {
		t.Fatalf("unexpected audit rows %+v", audit)
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
