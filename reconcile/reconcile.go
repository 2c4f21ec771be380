// Package reconcile folds reported delivery outcomes back into the message
// store: the status reconciler drains outbound-status into the recipient
// ledger and message statuses, the inbound reconciler drains inbound-intake
// into incoming message rows.
package reconcile

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/broker"
	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/metrics"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/spamc"
	"github.com/courier-mta/courier/store"
)

var xlog = mlog.New("reconcile")

var (
	metricEvent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_reconcile_event_total",
			Help: "Status events processed by the reconciler, by result.",
		},
		[]string{"result"}, // applied, duplicate, unknown, error
	)
	metricInbound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_reconcile_inbound_total",
			Help: "Inbound intake events processed, by result.",
		},
		[]string{"result"}, // accepted, spam, rejected, duplicate, error
	)
)

// consumerGroup on the status topics. All reconcilers share it.
const consumerGroup = "reconcile"

// batchLimit is the maximum number of events drained per sync pass.
const batchLimit = 256

// Reconciler drains the status topics into the store.
type Reconciler struct {
	queue broker.Queue
	name  string        // Consumer name within the group.
	scan  *spamc.Client // Nil when inbound spam scoring is disabled.
}

// New returns a reconciler consuming from queue as the named consumer. A
// non-nil scan enables spam scoring of inbound messages.
func New(queue broker.Queue, name string, scan *spamc.Client) *Reconciler {
	return &Reconciler{queue: queue, name: name, scan: scan}
}

// Start runs the periodic sync until courier shutdown, then signals done.
func Start(r *Reconciler, done chan struct{}) {
	interval := courier.Conf.Static.Intervals.StatusSync
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		defer func() {
			x := recover()
			if x != nil {
				xlog.Error("unhandled panic in reconciler", mlog.Field("panic", x))
				debug.PrintStack()
				metrics.PanicInc("reconcile")
			}
		}()

		var lastCleanup time.Time
		timer := time.NewTimer(0)
		for {
			select {
			case <-courier.Shutdown.Done():
				done <- struct{}{}
				return
			case <-timer.C:
			}

			ctx := courier.CidContext()
			log := xlog.WithContext(ctx)
			if _, err := r.Sync(ctx); err != nil {
				log.Errorx("syncing delivery status", err)
			}
			if _, err := r.SyncInbound(ctx); err != nil {
				log.Errorx("syncing inbound intake", err)
			}
			if time.Since(lastCleanup) > time.Hour {
				lastCleanup = time.Now()
				days := courier.Conf.Static.RejectedRetentionDays
				if days <= 0 {
					days = 7
				}
				n, err := store.CleanupRejected(ctx, time.Now().AddDate(0, 0, -days))
				if err != nil {
					log.Errorx("cleaning up rejected message audit rows", err)
				} else if n > 0 {
					log.Info("cleaned up rejected message audit rows", mlog.Field("count", n))
				}
			}
			timer.Reset(interval)
		}
	}()
}

// Sync drains one batch of delivery status events, applying them per message
// in a single transaction. Returns the number of events processed.
func (r *Reconciler) Sync(ctx context.Context) (int, error) {
	log := xlog.WithContext(ctx)

	msgs, err := r.queue.Consume(ctx, broker.TopicOutboundStatus, consumerGroup, r.name, batchLimit, 0)
	if err != nil {
		return 0, fmt.Errorf("consuming status events: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	// Group events per message so each message is updated once.
	byMessage := map[string][]broker.StatusEvent{}
	idsByMessage := map[string][]string{}
	var ackIDs []string
	for _, qm := range msgs {
		var ev broker.StatusEvent
		if err := broker.Decode(qm.Body, &ev); err != nil {
			// Undecodable, redelivery will not help.
			log.Errorx("dropping undecodable status event", err, mlog.Field("id", qm.ID))
			metricEvent.WithLabelValues("error").Inc()
			ackIDs = append(ackIDs, qm.ID)
			continue
		}
		byMessage[ev.MessageUUID] = append(byMessage[ev.MessageUUID], ev)
		idsByMessage[ev.MessageUUID] = append(idsByMessage[ev.MessageUUID], qm.ID)
	}

	// Only events that were applied are acked. Events of a message the store
	// refused stay pending and are redelivered after the visibility timeout.
	for uuid, events := range byMessage {
		if err := r.apply(ctx, uuid, events); err != nil {
			log.Errorx("applying status events, leaving for redelivery", err, mlog.Field("uuid", uuid))
			metricEvent.WithLabelValues("error").Inc()
			continue
		}
		ackIDs = append(ackIDs, idsByMessage[uuid]...)
	}

	if err := r.queue.Ack(ctx, broker.TopicOutboundStatus, consumerGroup, ackIDs...); err != nil {
		return len(msgs), fmt.Errorf("acking status events: %w", err)
	}
	return len(msgs), nil
}

// apply folds events for one message into its ledger and status.
func (r *Reconciler) apply(ctx context.Context, uuid string, events []broker.StatusEvent) error {
	log := xlog.WithContext(ctx)

	return store.DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := store.MessageByUUID(ctx, tx, uuid)
		if err == bstore.ErrAbsent {
			// Events for unknown messages are acked away, e.g. for a message
			// removed by an operator while outcomes were in flight.
			log.Info("status events for unknown message", mlog.Field("uuid", uuid), mlog.Field("events", len(events)))
			metricEvent.WithLabelValues("unknown").Inc()
			return nil
		} else if err != nil {
			return fmt.Errorf("looking up message: %w", err)
		}

		for _, ev := range events {
			if ev.BatchFailure {
				applyBatchFailure(&m, ev)
				metricEvent.WithLabelValues("applied").Inc()
				continue
			}
			dup, err := appendLedger(ctx, tx, m.ID, ev)
			if err != nil {
				return fmt.Errorf("appending ledger row: %w", err)
			}
			if dup {
				metricEvent.WithLabelValues("duplicate").Inc()
			} else {
				metricEvent.WithLabelValues("applied").Inc()
			}
			mergeRecipient(&m, ev)
		}

		outcomes := make([]store.Outcome, len(m.Recipients))
		for i, rcpt := range m.Recipients {
			outcomes[i] = rcpt.Outcome
		}
		m.Status = store.DeriveStatus(m.Status, outcomes)
		return tx.Update(&m)
	})
}

// appendLedger inserts a ledger row unless the exact same event was recorded
// before, reporting whether it was a duplicate.
func appendLedger(ctx context.Context, tx *bstore.Tx, msgID int64, ev broker.StatusEvent) (bool, error) {
	q := bstore.QueryTx[store.RecipientOutcome](tx)
	q.FilterNonzero(store.RecipientOutcome{MessageID: msgID, Recipient: ev.Recipient})
	q.FilterEqual("Outcome", store.Outcome(ev.Outcome))
	q.FilterEqual("Occurred", ev.Occurred)
	exists, err := q.Exists()
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}
	row := store.RecipientOutcome{
		MessageID: msgID,
		Recipient: ev.Recipient,
		Outcome:   store.Outcome(ev.Outcome),
		Code:      ev.Code,
		Response:  ev.Response,
		BatchID:   ev.BatchID,
		Retries:   ev.Retries,
		Occurred:  ev.Occurred,
	}
	return false, tx.Insert(&row)
}

// mergeRecipient merges an event into the inline recipient outcome. The merge
// is monotonic, replayed events do not move a recipient backwards.
func mergeRecipient(m *store.OutgoingMessage, ev broker.StatusEvent) {
	for i := range m.Recipients {
		rcpt := &m.Recipients[i]
		if rcpt.Address != ev.Recipient {
			continue
		}
		merged := store.MergeOutcome(rcpt.Outcome, store.Outcome(ev.Outcome))
		if merged != rcpt.Outcome {
			rcpt.Outcome = merged
			rcpt.Code = ev.Code
			rcpt.Detail = ev.Response
		}
		if ev.Retries > rcpt.Retries {
			rcpt.Retries = ev.Retries
		}
		return
	}
}

// applyBatchFailure handles a batch-level fault: the batch's unsettled
// recipients become deferred so they stay retryable, and the fault is kept as
// the message's last error. No ledger outcomes are recorded, nothing reached
// the relay.
func applyBatchFailure(m *store.OutgoingMessage, ev broker.StatusEvent) {
	m.LastError = ev.Response

	var rcpts []string
	for _, b := range m.Batches {
		if b.BatchID == ev.BatchID {
			rcpts = b.Recipients
			break
		}
	}
	for i := range m.Recipients {
		rcpt := &m.Recipients[i]
		if len(rcpts) > 0 && !contains(rcpts, rcpt.Address) {
			continue
		}
		merged := store.MergeOutcome(rcpt.Outcome, store.OutcomeDeferred)
		if merged != rcpt.Outcome {
			rcpt.Outcome = merged
			rcpt.Code = ev.Code
			rcpt.Detail = ev.Response
		}
	}
}

func contains(l []string, s string) bool {
	for _, e := range l {
		if e == s {
			return true
		}
	}
	return false
}
