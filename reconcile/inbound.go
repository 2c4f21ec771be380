package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/broker"
	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/dsn"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/store"
)

// rejectUnknownRecipient is the SMTP response recorded for mail to unknown or
// disabled recipients.
const rejectUnknownRecipient = "550 5.4.1 Recipient address rejected: Access denied."

// SyncInbound drains one batch of inbound intake events and rejection audit
// events. Returns the number of events processed.
func (r *Reconciler) SyncInbound(ctx context.Context) (int, error) {
	log := xlog.WithContext(ctx)
	var n int

	msgs, err := r.queue.Consume(ctx, broker.TopicInboundIntake, consumerGroup, r.name, batchLimit, 0)
	if err != nil {
		return 0, fmt.Errorf("consuming intake events: %w", err)
	}
	for _, qm := range msgs {
		var ev broker.InboundMessage
		if err := broker.Decode(qm.Body, &ev); err != nil {
			log.Errorx("dropping undecodable intake event", err, mlog.Field("id", qm.ID))
			metricInbound.WithLabelValues("error").Inc()
		} else if err := r.intake(ctx, ev); err != nil {
			// Leave unacked for redelivery.
			log.Errorx("processing intake event", err, mlog.Field("source", ev.SourceID))
			metricInbound.WithLabelValues("error").Inc()
			continue
		}
		n++
		if err := r.queue.Ack(ctx, broker.TopicInboundIntake, consumerGroup, qm.ID); err != nil {
			log.Errorx("acking intake event", err, mlog.Field("id", qm.ID))
		}
	}

	msgs, err = r.queue.Consume(ctx, broker.TopicInboundStatus, consumerGroup, r.name, batchLimit, 0)
	if err != nil {
		return n, fmt.Errorf("consuming rejection events: %w", err)
	}
	for _, qm := range msgs {
		var ev broker.InboundRejection
		if err := broker.Decode(qm.Body, &ev); err != nil {
			log.Errorx("dropping undecodable rejection event", err, mlog.Field("id", qm.ID))
		} else if err := recordRejection(ctx, store.RejectedMessage{
			Agent:    ev.Agent,
			RemoteIP: ev.RemoteIP,
			Sender:   ev.Sender,
			RcptTo:   ev.RcptTo,
			Code:     ev.Code,
			Reason:   ev.Reason,
			Occurred: ev.Occurred,
		}); err != nil {
			log.Errorx("recording rejection", err, mlog.Field("id", qm.ID))
			continue
		}
		n++
		if err := r.queue.Ack(ctx, broker.TopicInboundStatus, consumerGroup, qm.ID); err != nil {
			log.Errorx("acking rejection event", err, mlog.Field("id", qm.ID))
		}
	}
	return n, nil
}

// intake processes one accepted inbound message: recipient resolution with
// alias fan-out, spam scoring and storing the per-mailbox rows.
func (r *Reconciler) intake(ctx context.Context, ev broker.InboundMessage) error {
	log := xlog.WithContext(ctx)

	var targets []string
	err := store.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		targets, err = store.ResolveRecipient(ctx, tx, ev.RcptTo)
		return err
	})
	if err != nil {
		return fmt.Errorf("resolving recipient: %w", err)
	}

	if len(targets) == 0 {
		return r.reject(ctx, ev, 550, rejectUnknownRecipient, courier.Conf.Static.NotifyOnReject)
	}

	// Score the message when scanning is on. Scan trouble files to inbox
	// rather than losing or bouncing mail.
	var score float64
	folder := store.FolderInbox
	if r.scan != nil {
		res, err := r.scan.Check(ctx, ev.Raw)
		if err != nil {
			log.Errorx("inbound spam scan, filing unscanned", err, mlog.Field("source", ev.SourceID))
		} else {
			score = res.Score
			spamd := courier.Conf.Static.Spamd
			if score > spamd.MaxScoreInbound {
				if spamd.RejectAboveScore {
					reason := fmt.Sprintf("550 5.7.1 message scored %.1f, rejected as spam", score)
					return r.reject(ctx, ev, 550, reason, false)
				}
				folder = store.FolderSpam
			}
		}
	}

	return store.DB.Write(ctx, func(tx *bstore.Tx) error {
		for _, target := range targets {
			row := store.IncomingMessage{
				UUID:            uuid.New().String(),
				SourceMessageID: ev.SourceID,
				Recipient:       target,
				Received:        ev.Received,
				Agent:           ev.Agent,
				Sender:          ev.Sender,
				RcptTo:          ev.RcptTo,
				Subject:         ev.Subject,
				MessageID:       ev.MessageID,
				Size:            ev.Size,
				RemoteIP:        ev.RemoteIP,
				PTRName:         ev.PTRName,
				PTRStatus:       ev.PTRStatus,
				SPF:             store.Verdict(ev.SPF),
				DKIM:            store.Verdict(ev.DKIM),
				DMARC:           store.Verdict(ev.DMARC),
				SpamScore:       score,
				Folder:          folder,
				Status:          store.InboundAccepted,
			}
			if err := tx.Insert(&row); errors.Is(err, bstore.ErrUnique) {
				// Redelivered intake event, the row already exists.
				metricInbound.WithLabelValues("duplicate").Inc()
				continue
			} else if err != nil {
				return fmt.Errorf("inserting incoming message: %w", err)
			}
			if _, err := store.StoreMessageFile(row.UUID, ev.Raw); err != nil {
				return fmt.Errorf("storing message content: %w", err)
			}
			if folder == store.FolderSpam {
				metricInbound.WithLabelValues("spam").Inc()
			} else {
				metricInbound.WithLabelValues("accepted").Inc()
			}
		}
		return nil
	})
}

// reject records a rejected inbound message and optionally notifies the
// sender with an NDR through the outbound pipeline.
func (r *Reconciler) reject(ctx context.Context, ev broker.InboundMessage, code int, reason string, notify bool) error {
	log := xlog.WithContext(ctx)

	err := store.DB.Write(ctx, func(tx *bstore.Tx) error {
		row := store.IncomingMessage{
			UUID:            uuid.New().String(),
			SourceMessageID: ev.SourceID,
			Recipient:       ev.RcptTo,
			Received:        ev.Received,
			Agent:           ev.Agent,
			Sender:          ev.Sender,
			RcptTo:          ev.RcptTo,
			Subject:         ev.Subject,
			MessageID:       ev.MessageID,
			Size:            ev.Size,
			RemoteIP:        ev.RemoteIP,
			PTRName:         ev.PTRName,
			PTRStatus:       ev.PTRStatus,
			SPF:             store.Verdict(ev.SPF),
			DKIM:            store.Verdict(ev.DKIM),
			DMARC:           store.Verdict(ev.DMARC),
			Status:          store.InboundRejected,
			RejectReason:    reason,
		}
		if err := tx.Insert(&row); errors.Is(err, bstore.ErrUnique) {
			// Redelivered intake event, already rejected. Skip the audit row
			// and notification too.
			metricInbound.WithLabelValues("duplicate").Inc()
			notify = false
			return nil
		} else if err != nil {
			return fmt.Errorf("inserting rejected incoming message: %w", err)
		}
		metricInbound.WithLabelValues("rejected").Inc()
		audit := store.RejectedMessage{
			Agent:    ev.Agent,
			RemoteIP: ev.RemoteIP,
			Sender:   ev.Sender,
			RcptTo:   ev.RcptTo,
			Code:     code,
			Reason:   reason,
			Occurred: ev.Received,
		}
		return tx.Insert(&audit)
	})
	if err != nil {
		return err
	}

	if notify && ev.Sender != "" {
		if err := r.sendRejectNotice(ctx, ev, reason); err != nil {
			// The rejection is recorded, a lost notification is logged only.
			log.Errorx("sending rejection notice", err, mlog.Field("sender", ev.Sender))
		}
	}
	return nil
}

// sendRejectNotice composes an NDR for the original sender and submits it to
// the outbound pipeline as a regular pending message.
func (r *Reconciler) sendRejectNotice(ctx context.Context, ev broker.InboundMessage, reason string) error {
	postmaster := courier.Conf.Static.PostmasterAddress
	if postmaster == "" {
		return fmt.Errorf("no postmaster address configured")
	}

	m := dsn.Message{
		From:       postmaster,
		To:         ev.Sender,
		Subject:    "Mail delivery failed: returning message to sender",
		References: ev.MessageID,
		TextBody: fmt.Sprintf(`Your message to %s could not be delivered.

%s

This is a permanent error, the message has not been stored.
`, ev.RcptTo, reason),
		ReportingMTA: courier.Conf.Static.Hostname,
		ArrivalDate:  ev.Received,
		Recipients: []dsn.Recipient{
			{
				FinalRecipient: ev.RcptTo,
				Action:         dsn.Failed,
				Status:         "5.4.1",
				DiagnosticCode: reason,
			},
		},
		Original: messageHeaders(ev.Raw),
	}
	buf, err := m.Compose(xlog.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("composing ndr: %w", err)
	}

	out := store.OutgoingMessage{
		UUID:      uuid.New().String(),
		Submitted: time.Now(),
		Sender:    postmaster,
		Subject:   m.Subject,
		MessageID: m.MessageID,
		Status:    store.StatusPending,
		Size:      int64(len(buf)),
		Recipients: []store.Recipient{
			{Address: ev.Sender, Kind: store.RecipientTo},
		},
	}
	if _, err := store.StoreMessageFile(out.UUID, buf); err != nil {
		return fmt.Errorf("storing ndr content: %w", err)
	}
	if err := store.DB.Insert(ctx, &out); err != nil {
		store.RemoveMessageFile(out.UUID)
		return fmt.Errorf("submitting ndr: %w", err)
	}
	return nil
}

// recordRejection stores an intake rejection audit row, skipping exact
// duplicates from redelivered events.
func recordRejection(ctx context.Context, rej store.RejectedMessage) error {
	return store.DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[store.RejectedMessage](tx)
		q.FilterNonzero(store.RejectedMessage{RemoteIP: rej.RemoteIP, RcptTo: rej.RcptTo})
		q.FilterEqual("Occurred", rej.Occurred)
		exists, err := q.Exists()
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return tx.Insert(&rej)
	})
}

// messageHeaders returns the header section of a raw message, for inclusion
// in an NDR.
func messageHeaders(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+2]
	}
	return raw
}
