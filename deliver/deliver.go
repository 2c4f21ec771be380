// Package deliver is the delivery agent: a consumer-group worker on the
// outbound-transfer topic that submits transfer batches to the relay engine
// over SMTP and publishes per-recipient delivery outcomes on outbound-status.
package deliver

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/courier-mta/courier/broker"
	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/metrics"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/smtpclient"
	"github.com/courier-mta/courier/store"
)

var xlog = mlog.New("deliver")

var (
	metricBatch = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_deliver_batch_duration_seconds",
			Help:    "Delivery of one transfer batch to the relay engine.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"result"}, // ok, error
	)
	metricOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_deliver_outcome_total",
			Help: "Per-recipient delivery outcomes reported to the reconciler.",
		},
		[]string{"outcome"},
	)
)

// consumerGroup on outbound-transfer. All delivery agents share it, each
// batch is processed by one agent.
const consumerGroup = "deliver"

// Agent consumes transfer batches and submits them to the relay engine.
type Agent struct {
	queue  broker.Queue
	name   string // Consumer name within the group, unique per process.
	dial   func(ctx context.Context) (net.Conn, error)
	jitter *mathrand.Rand // Only used from the consume goroutine.

	sync.Mutex
	seen map[string]time.Time // Terminal outcomes recently emitted, by message uuid + recipient.
}

// New returns a delivery agent consuming from queue as the named consumer,
// submitting to the configured relay engine.
func New(queue broker.Queue, name string) *Agent {
	return &Agent{queue: queue, name: name, dial: dialRelay, jitter: courier.NewRand(), seen: map[string]time.Time{}}
}

func dialRelay(ctx context.Context) (net.Conn, error) {
	relay := courier.Conf.Static.Relay
	dialer := net.Dialer{Timeout: 30 * time.Second}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(relay.Host, strconv.Itoa(relay.Port)))
}

// Start consumes batches until courier shutdown, then signals done.
func Start(a *Agent, done chan struct{}) {
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				xlog.Error("unhandled panic in delivery agent", mlog.Field("panic", x))
				debug.PrintStack()
				metrics.PanicInc("deliver")
			}
		}()

		for {
			select {
			case <-courier.Shutdown.Done():
				done <- struct{}{}
				return
			default:
			}

			ctx := courier.CidContext()
			msgs, err := a.queue.Consume(ctx, broker.TopicOutboundTransfer, consumerGroup, a.name, 10, 5*time.Second)
			if err != nil {
				xlog.WithContext(ctx).Errorx("consuming transfer batches", err)
				courier.Sleep(courier.Shutdown, time.Second)
				continue
			}
			for _, qm := range msgs {
				a.Process(ctx, qm)
			}
		}
	}()
}

// Process handles one consumed queue entry: deliver the batch, publish the
// outcomes, then ack. Publish errors leave the entry unacked for redelivery,
// undecodable entries are acked away.
func (a *Agent) Process(ctx context.Context, qm broker.Message) {
	log := xlog.WithContext(ctx)

	var tb broker.TransferBatch
	if err := broker.Decode(qm.Body, &tb); err != nil {
		log.Errorx("dropping undecodable transfer batch", err, mlog.Field("id", qm.ID))
		if err := a.queue.Ack(ctx, broker.TopicOutboundTransfer, consumerGroup, qm.ID); err != nil {
			log.Errorx("acking undecodable transfer batch", err, mlog.Field("id", qm.ID))
		}
		return
	}

	start := time.Now()
	events := a.deliverBatch(ctx, tb)
	result := "ok"
	for _, ev := range events {
		if ev.BatchFailure {
			result = "error"
		}
	}
	metricBatch.WithLabelValues(result).Observe(float64(time.Since(start)) / float64(time.Second))

	// A local fault is first retried by leaving the batch unacked, the broker
	// redelivers it after the visibility timeout. Only a batch that keeps
	// failing reports the fault to the reconciler.
	if len(events) == 1 && events[0].BatchFailure {
		max := courier.Conf.Static.Retry.MaxAttempts
		if max <= 0 {
			max = 5
		}
		if qm.Deliveries < int64(max) {
			log.Info("batch delivery fault, leaving for redelivery",
				mlog.Field("batch", tb.BatchID),
				mlog.Field("deliveries", qm.Deliveries),
				mlog.Field("fault", events[0].Response))
			return
		}
	}

	for _, ev := range events {
		buf, err := broker.Encode(ev)
		if err != nil {
			log.Errorx("encoding status event", err, mlog.Field("batch", tb.BatchID))
			return
		}
		if _, err := a.queue.Publish(ctx, broker.TopicOutboundStatus, buf); err != nil {
			// Leave the batch unacked, it will be redelivered. The reconciler
			// deduplicates the events we already published.
			log.Errorx("publishing status event, leaving batch for redelivery", err, mlog.Field("batch", tb.BatchID))
			return
		}
		metricOutcome.WithLabelValues(ev.Outcome).Inc()
	}
	if err := a.queue.Ack(ctx, broker.TopicOutboundTransfer, consumerGroup, qm.ID); err != nil {
		log.Errorx("acking transfer batch", err, mlog.Field("batch", tb.BatchID))
	}
}

// deliverBatch submits one batch over SMTP, returning the status events to
// publish. A fault before any recipient reached the relay yields a single
// batch-level failure event.
func (a *Agent) deliverBatch(ctx context.Context, tb broker.TransferBatch) []broker.StatusEvent {
	log := xlog.WithContext(ctx)

	// Skip recipients we already delivered, this batch may be a redelivery.
	rcpts := a.unseen(tb)
	if len(rcpts) == 0 {
		log.Debug("all batch recipients already delivered", mlog.Field("batch", tb.BatchID))
		return nil
	}

	f, err := os.Open(store.MessagePath(tb.MessageUUID))
	if err != nil {
		return []broker.StatusEvent{a.batchFailure(tb, fmt.Sprintf("reading message file: %v", err))}
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return []broker.StatusEvent{a.batchFailure(tb, fmt.Sprintf("reading message file: %v", err))}
	}

	conn, err := a.dial(ctx)
	if err != nil {
		return []broker.StatusEvent{a.batchFailure(tb, fmt.Sprintf("connecting to relay: %v", err))}
	}

	relay := courier.Conf.Static.Relay
	ehlo, err := dns.ParseDomain(relay.EHLOHostname)
	if err != nil {
		conn.Close()
		return []broker.StatusEvent{a.batchFailure(tb, fmt.Sprintf("invalid ehlo hostname: %v", err))}
	}
	client, err := smtpclient.New(ctx, conn, ehlo, smtpclient.Opts{AuthUser: relay.Username, AuthPassword: relay.Password})
	if err != nil {
		conn.Close()
		return []broker.StatusEvent{a.batchFailure(tb, fmt.Sprintf("smtp session with relay: %v", err))}
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Debugx("closing smtp session", err)
		}
	}()

	resps, err := client.DeliverMultiple(ctx, tb.Sender, rcpts, fi.Size(), f, false, false)
	if err != nil {
		// A transaction-level SMTP error applies to every recipient. Anything
		// else means we cannot tell what the relay received.
		var cerr smtpclient.Error
		if errors.As(err, &cerr) && cerr.Code != 0 {
			var events []broker.StatusEvent
			for _, rcpt := range rcpts {
				events = append(events, a.event(tb, rcpt, cerr.Code, cerr.Line, cerr.Permanent))
			}
			return events
		}
		return []broker.StatusEvent{a.batchFailure(tb, fmt.Sprintf("delivering to relay: %v", err))}
	}

	events := make([]broker.StatusEvent, 0, len(resps))
	for i, resp := range resps {
		events = append(events, a.event(tb, rcpts[i], resp.Code, resp.Line, resp.Permanent))
	}
	return events
}

// event builds the status event for one recipient and updates the dedup
// window for terminal outcomes.
func (a *Agent) event(tb broker.TransferBatch, rcpt string, code int, line string, permanent bool) broker.StatusEvent {
	var outcome store.Outcome
	switch {
	case code/100 == 2:
		outcome = store.OutcomeSent
	case permanent:
		outcome = store.OutcomeBounced
	default:
		outcome = store.OutcomeDeferred
	}
	if outcome == store.OutcomeSent || outcome == store.OutcomeBounced {
		a.markSeen(tb.MessageUUID, rcpt)
	}
	ev := broker.StatusEvent{
		MessageUUID: tb.MessageUUID,
		BatchID:     tb.BatchID,
		Recipient:   rcpt,
		Outcome:     string(outcome),
		Code:        code,
		Response:    line,
		Retries:     tb.Attempt,
		Occurred:    time.Now(),
	}
	if outcome == store.OutcomeDeferred {
		ev.Backoff = a.suggestedBackoff(tb.Attempt)
	}
	return ev
}

func (a *Agent) batchFailure(tb broker.TransferBatch, reason string) broker.StatusEvent {
	return broker.StatusEvent{
		MessageUUID:  tb.MessageUUID,
		BatchID:      tb.BatchID,
		Outcome:      string(store.OutcomeDeferred),
		Response:     reason,
		Retries:      tb.Attempt,
		Backoff:      a.suggestedBackoff(tb.Attempt),
		BatchFailure: true,
		Occurred:     time.Now(),
	}
}

// suggestedBackoff is the retry delay hint attached to deferred outcomes:
// exponential in the dispatch attempt within the configured bounds, plus up
// to 10% jitter so retries spread out.
func (a *Agent) suggestedBackoff(attempt int) time.Duration {
	retry := courier.Conf.Static.Retry
	backoff := retry.BackoffMin
	if backoff <= 0 {
		backoff = time.Minute
	}
	max := retry.BackoffMax
	if max <= 0 {
		max = time.Hour
	}
	for i := 1; i < attempt && backoff < max; i++ {
		backoff *= 2
	}
	if backoff > max {
		backoff = max
	}
	return backoff + time.Duration(a.jitter.Int63n(int64(backoff/10)+1))
}

const seenWindow = time.Hour

// unseen filters out recipients with a recently emitted terminal outcome.
func (a *Agent) unseen(tb broker.TransferBatch) []string {
	a.Lock()
	defer a.Unlock()
	now := time.Now()
	var rcpts []string
	for _, rcpt := range tb.Recipients {
		if t, ok := a.seen[tb.MessageUUID+"\x00"+rcpt]; ok && now.Sub(t) < seenWindow {
			continue
		}
		rcpts = append(rcpts, rcpt)
	}
	return rcpts
}

func (a *Agent) markSeen(uuid, rcpt string) {
	a.Lock()
	defer a.Unlock()
	now := time.Now()
	if len(a.seen) >= 10*1024 {
		for k, t := range a.seen {
			if now.Sub(t) >= seenWindow {
				delete(a.seen, k)
			}
		}
	}
	a.seen[uuid+"\x00"+rcpt] = now
}
