// Package intake is the inbound intake agent: the decision service the relay
// engine consults when accepting inbound SMTP connections and messages.
//
// Connections pass three checks before DATA is accepted: the cached IP
// blocklist, the configured DNSBL zones and the reverse DNS check. Accepted
// messages are published to the inbound-intake topic for the reconciler,
// rejections are published to inbound-status for audit.
package intake

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/courier-mta/courier/broker"
	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/dnsbl"
	"github.com/courier-mta/courier/iprev"
	"github.com/courier-mta/courier/metrics"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/store"
)

var xlog = mlog.New("intake")

var metricDecision = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "courier_intake_decision_total",
		Help: "Connection decisions, by result.",
	},
	[]string{"result"}, // accept, blocklist, dnsbl, iprev, temperror
)

// Decision is the verdict on an inbound connection. A non-accept decision
// carries the SMTP code and line the relay engine should respond with.
type Decision struct {
	Accept bool
	Code   int    // 554, 550 or 451 when not accepted.
	Reason string // Full SMTP response line.

	// Reverse DNS results for accepted connections, recorded with the
	// message.
	PTRName   string
	PTRStatus string
}

// Checker runs the intake checks. The IP blocklist is an in-memory snapshot,
// refreshed from the store on an interval.
type Checker struct {
	queue    broker.Queue
	resolver dns.Resolver

	sync.Mutex
	blocked map[string]string // Expanded IP to block reason.
}

// New returns a checker publishing on queue and resolving through resolver.
// Call RefreshBlocklist or Start before use.
func New(queue broker.Queue, resolver dns.Resolver) *Checker {
	return &Checker{queue: queue, resolver: resolver, blocked: map[string]string{}}
}

// Start refreshes the blocklist snapshot on the configured interval until
// courier shutdown, then signals done.
func Start(c *Checker, done chan struct{}) {
	interval := courier.Conf.Static.Intervals.BlacklistRefresh
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		defer func() {
			x := recover()
			if x != nil {
				xlog.Error("unhandled panic in intake agent", mlog.Field("panic", x))
				debug.PrintStack()
				metrics.PanicInc("intake")
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
			if err := c.RefreshBlocklist(ctx); err != nil {
				xlog.WithContext(ctx).Errorx("refreshing blocklist snapshot", err)
			}
			timer.Reset(interval)
		}
	}()
}

// RefreshBlocklist replaces the in-memory snapshot with the currently blocked
// IPs from the store.
func (c *Checker) RefreshBlocklist(ctx context.Context) error {
	l, err := store.BlockedIPs(ctx)
	if err != nil {
		return fmt.Errorf("listing blocked ips: %w", err)
	}
	blocked := make(map[string]string, len(l))
	for _, e := range l {
		blocked[e.IP] = e.Reason
	}
	c.Lock()
	c.blocked = blocked
	c.Unlock()
	return nil
}

// CheckConnection decides whether an inbound connection from ip may proceed
// to DATA. Rejections are published for audit before returning.
func (c *Checker) CheckConnection(ctx context.Context, agent string, ip net.IP) Decision {
	log := xlog.WithContext(ctx)

	c.Lock()
	reason, isBlocked := c.blocked[ip.String()]
	c.Unlock()
	if isBlocked {
		log.Info("rejecting blocklisted ip", mlog.Field("ip", ip.String()), mlog.Field("reason", reason))
		metricDecision.WithLabelValues("blocklist").Inc()
		return c.rejected(ctx, agent, ip, 554, "554 5.7.1 connection refused, ip blocklisted")
	}

	for _, zone := range courier.Conf.Static.DNSBLZones {
		zd, err := dns.ParseDomain(zone)
		if err != nil {
			log.Errorx("skipping invalid dnsbl zone", err, mlog.Field("zone", zone))
			continue
		}
		status, expl, err := dnsbl.Lookup(ctx, c.resolver, zd, ip)
		if err != nil && status != dnsbl.StatusTemperr {
			log.Errorx("dnsbl lookup", err, mlog.Field("zone", zone))
		}
		if status == dnsbl.StatusFail {
			log.Info("rejecting dnsbl-listed ip", mlog.Field("ip", ip.String()), mlog.Field("zone", zone), mlog.Field("explanation", expl))
			metricDecision.WithLabelValues("dnsbl").Inc()
			return c.rejected(ctx, agent, ip, 554, fmt.Sprintf("554 5.7.1 connection refused, listed at %s", zone))
		}
	}

	status, name, _, err := iprev.Lookup(ctx, c.resolver, ip)
	switch status {
	case iprev.StatusPass:
	case iprev.StatusTemperror:
		log.Debugx("temporary reverse dns failure", err, mlog.Field("ip", ip.String()))
		metricDecision.WithLabelValues("temperror").Inc()
		return c.rejected(ctx, agent, ip, 451, "451 4.4.3 temporary reverse dns failure, try again later")
	default:
		// Missing or mismatching reverse dns.
		log.Info("rejecting ip without verified reverse dns", mlog.Field("ip", ip.String()), mlog.Field("status", string(status)))
		metricDecision.WithLabelValues("iprev").Inc()
		return c.rejected(ctx, agent, ip, 550, "550 5.7.25 client host rejected, cannot verify reverse dns")
	}

	metricDecision.WithLabelValues("accept").Inc()
	return Decision{Accept: true, PTRName: name, PTRStatus: string(status)}
}

// rejected publishes the audit event for a connection-time rejection and
// returns the decision.
func (c *Checker) rejected(ctx context.Context, agent string, ip net.IP, code int, reason string) Decision {
	rej := broker.InboundRejection{
		Agent:    agent,
		RemoteIP: ip.String(),
		Code:     code,
		Reason:   reason,
		Occurred: time.Now(),
	}
	buf, err := broker.Encode(rej)
	if err == nil {
		_, err = c.queue.Publish(ctx, broker.TopicInboundStatus, buf)
	}
	if err != nil {
		// The rejection stands, only the audit trail is lost.
		xlog.WithContext(ctx).Errorx("publishing rejection audit event", err, mlog.Field("ip", ip.String()))
	}
	return Decision{Code: code, Reason: reason}
}

// Accept publishes an accepted inbound message for the reconciler, assigning
// its stable source id. The relay engine calls this after DATA.
func (c *Checker) Accept(ctx context.Context, ev broker.InboundMessage) (string, error) {
	if ev.RcptTo == "" {
		return "", fmt.Errorf("missing recipient")
	}
	if max := courier.Conf.Static.Limits.MaxMessageSize; max > 0 && int64(len(ev.Raw)) > max {
		return "", fmt.Errorf("message is %d bytes, maximum is %d", len(ev.Raw), max)
	}
	ev.SourceID = uuid.New().String()
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	ev.Size = int64(len(ev.Raw))
	buf, err := broker.Encode(ev)
	if err != nil {
		return "", err
	}
	if _, err := c.queue.Publish(ctx, broker.TopicInboundIntake, buf); err != nil {
		return "", fmt.Errorf("publishing intake event: %w", err)
	}
	return ev.SourceID, nil
}

// Reject publishes an audit event for a rejection decided by the relay
// engine itself, e.g. over message size at DATA time.
func (c *Checker) Reject(ctx context.Context, rej broker.InboundRejection) error {
	if rej.Occurred.IsZero() {
		rej.Occurred = time.Now()
	}
	buf, err := broker.Encode(rej)
	if err != nil {
		return err
	}
	if _, err := c.queue.Publish(ctx, broker.TopicInboundStatus, buf); err != nil {
		return fmt.Errorf("publishing rejection event: %w", err)
	}
	return nil
}
