// Package dispatch is the transfer dispatcher: a periodic worker that picks up
// pending outgoing messages, splits their recipients into transfer batches and
// publishes the batches on the broker queue for delivery agents to consume.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
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

var xlog = mlog.New("dispatch")

var (
	metricSweep = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_sweep_duration_seconds",
			Help:    "Duration of dispatcher sweeps.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"result"}, // ok, error
	)
	metricMessage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatch_message_total",
			Help: "Messages handled by the dispatcher, by result.",
		},
		[]string{"result"}, // transferred, blocked, failed
	)
)

// Dispatcher publishes pending messages as transfer batches.
type Dispatcher struct {
	queue broker.Queue
	scan  *spamc.Client // Nil when the outgoing spam scan is disabled.
}

// New returns a dispatcher publishing on queue. A non-nil scan enables the
// outgoing spam scan before dispatch.
func New(queue broker.Queue, scan *spamc.Client) *Dispatcher {
	return &Dispatcher{queue: queue, scan: scan}
}

// Start runs the periodic sweep until courier shutdown, then signals done.
func Start(d *Dispatcher, done chan struct{}) {
	interval := courier.Conf.Static.Intervals.DispatchSweep
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		defer func() {
			x := recover()
			if x != nil {
				xlog.Error("unhandled panic in dispatcher", mlog.Field("panic", x))
				debug.PrintStack()
				metrics.PanicInc("dispatch")
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
			log := xlog.WithContext(ctx)
			start := time.Now()
			n, err := d.Sweep(ctx)
			result := "ok"
			if err != nil {
				result = "error"
				log.Errorx("dispatcher sweep", err)
			} else if n > 0 {
				log.Debug("dispatcher sweep", mlog.Field("dispatched", n), mlog.Field("duration", time.Since(start)))
			}
			metricSweep.WithLabelValues(result).Observe(float64(time.Since(start)) / float64(time.Second))
			timer.Reset(interval)
		}
	}()
}

// Sweep dispatches pending messages, up to the configured batch size, most
// important first. Returns the number of messages moved out of pending.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	agents, err := store.Agents(ctx, store.AgentOutbound)
	if err != nil {
		return 0, fmt.Errorf("listing outbound agents: %w", err)
	}

	q := bstore.QueryDB[store.OutgoingMessage](ctx, store.DB)
	q.FilterNonzero(store.OutgoingMessage{Status: store.StatusPending})
	msgs, err := q.List()
	if err != nil {
		return 0, fmt.Errorf("listing pending messages: %w", err)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority > msgs[j].Priority
		}
		return msgs[i].Submitted.Before(msgs[j].Submitted)
	})
	max := courier.Conf.Static.Limits.MaxBatchSize
	if len(msgs) > max {
		msgs = msgs[:max]
	}

	var n int
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := d.dispatch(ctx, m, agents); err != nil {
			xlog.WithContext(ctx).Errorx("dispatching message", err, mlog.Field("uuid", m.UUID))
		}
		n++
	}
	return n, nil
}

// dispatch moves one pending message through the transfer: spam scan, batch
// partitioning, publishing and the status transitions.
func (d *Dispatcher) dispatch(ctx context.Context, m store.OutgoingMessage, agents []store.Agent) error {
	log := xlog.WithContext(ctx)

	if len(agents) == 0 {
		metricMessage.WithLabelValues("failed").Inc()
		return fail(ctx, m.UUID, "no outbound agent available")
	}

	if d.scan != nil {
		blocked, score, err := d.scanOutgoing(ctx, m)
		if err != nil {
			// Scan trouble should not stop outgoing mail, dispatch without a score.
			log.Errorx("outgoing spam scan, dispatching unscanned", err, mlog.Field("uuid", m.UUID))
		} else if blocked {
			metricMessage.WithLabelValues("blocked").Inc()
			return block(ctx, m.UUID, score)
		} else {
			m.SpamScore = score
		}
	}

	// Claim the message for this sweep. A concurrent dispatcher loses the
	// transition check and skips the message.
	now := time.Now()
	err := store.DB.Write(ctx, func(tx *bstore.Tx) error {
		cur, err := store.MessageByUUID(ctx, tx, m.UUID)
		if err != nil {
			return err
		}
		if cur.Status != store.StatusPending {
			return fmt.Errorf("message no longer pending, in status %q", cur.Status)
		}
		cur.Status = store.StatusTransferring
		cur.TransferStarted = now
		cur.Attempts++
		cur.SpamScore = m.SpamScore
		m = cur
		return tx.Update(&cur)
	})
	if err != nil {
		return fmt.Errorf("claiming message: %w", err)
	}

	// Partition remaining recipients into batches. Recipients that already
	// reached a terminal outcome are not published again.
	var open []string
	for _, r := range m.Recipients {
		if r.Outcome == store.OutcomeSent || r.Outcome == store.OutcomeBounced {
			continue
		}
		open = append(open, r.Address)
	}
	if len(open) == 0 {
		metricMessage.WithLabelValues("failed").Inc()
		return fail(ctx, m.UUID, "no recipients left to deliver")
	}

	maxrcpt := courier.Conf.Static.Limits.MaxRecipientsPerBatch
	var batches []store.BatchRef
	for i := 0; i < len(open); i += maxrcpt {
		end := i + maxrcpt
		if end > len(open) {
			end = len(open)
		}
		// Batches rotate over the agents, most preferred first.
		agent := agents[len(batches)%len(agents)]
		batches = append(batches, store.BatchRef{
			BatchID:    uuid.New().String(),
			Agent:      agent.Name,
			Recipients: open[i:end],
		})
	}

	for i := range batches {
		b := &batches[i]
		tb := broker.TransferBatch{
			BatchID:     b.BatchID,
			MessageUUID: m.UUID,
			Agent:       b.Agent,
			Sender:      m.Sender,
			Recipients:  b.Recipients,
			Size:        m.Size,
			Attempt:     m.Attempts,
			Published:   time.Now(),
		}
		buf, err := broker.Encode(tb)
		if err != nil {
			metricMessage.WithLabelValues("failed").Inc()
			return fail(ctx, m.UUID, fmt.Sprintf("encoding transfer batch: %v", err))
		}
		if _, err := d.queue.Publish(ctx, broker.TopicOutboundTransfer, buf); err != nil {
			metricMessage.WithLabelValues("failed").Inc()
			return fail(ctx, m.UUID, fmt.Sprintf("publishing transfer batch: %v", err))
		}
		b.Published = time.Now()
		log.Debug("published transfer batch",
			mlog.Field("uuid", m.UUID),
			mlog.Field("batch", b.BatchID),
			mlog.Field("agent", b.Agent),
			mlog.Field("recipients", len(b.Recipients)))
	}

	err = store.DB.Write(ctx, func(tx *bstore.Tx) error {
		cur, err := store.MessageByUUID(ctx, tx, m.UUID)
		if err != nil {
			return err
		}
		if !cur.Status.TransitionOK(store.StatusTransferred) {
			return fmt.Errorf("cannot mark message in status %q transferred", cur.Status)
		}
		cur.Status = store.StatusTransferred
		cur.TransferCompleted = time.Now()
		cur.Batches = append(cur.Batches, batches...)
		cur.LastError = ""
		return tx.Update(&cur)
	})
	if err != nil {
		return fmt.Errorf("marking message transferred: %w", err)
	}
	metricMessage.WithLabelValues("transferred").Inc()
	return nil
}

// scanOutgoing scores the stored message content, reporting whether it is over
// the configured outgoing threshold.
func (d *Dispatcher) scanOutgoing(ctx context.Context, m store.OutgoingMessage) (bool, float64, error) {
	buf, err := os.ReadFile(store.MessagePath(m.UUID))
	if err != nil {
		return false, 0, fmt.Errorf("reading message file: %w", err)
	}
	r, err := d.scan.Check(ctx, buf)
	if err != nil {
		return false, 0, fmt.Errorf("spam check: %w", err)
	}
	max := courier.Conf.Static.Spamd.MaxScoreOutgoing
	return max > 0 && r.Score > max, r.Score, nil
}

// fail marks a message failed with a reason. Operators can retry it.
func fail(ctx context.Context, uuid, reason string) error {
	return store.DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := store.MessageByUUID(ctx, tx, uuid)
		if err != nil {
			return err
		}
		if !m.Status.TransitionOK(store.StatusFailed) {
			return fmt.Errorf("cannot fail message in status %q", m.Status)
		}
		m.Status = store.StatusFailed
		m.StatusDetail = reason
		m.LastError = reason
		return tx.Update(&m)
	})
}

// block marks a message blocked by the outgoing spam scan.
func block(ctx context.Context, uuid string, score float64) error {
	return store.DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := store.MessageByUUID(ctx, tx, uuid)
		if err != nil {
			return err
		}
		if !m.Status.TransitionOK(store.StatusBlocked) {
			return fmt.Errorf("cannot block message in status %q", m.Status)
		}
		m.Status = store.StatusBlocked
		m.StatusDetail = fmt.Sprintf("outgoing spam scan score %.1f over limit %.1f", score, courier.Conf.Static.Spamd.MaxScoreOutgoing)
		m.SpamScore = score
		return tx.Update(&m)
	})
}
