package dns

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/courier-mta/courier/mlog"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

var metricLookup = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "courier_dns_lookup_duration_seconds",
		Help:    "DNS lookups.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
	},
	[]string{
		"pkg",    // Subsystem that is doing the lookup.
		"type",   // Lookup type, e.g. addr, ip, txt, mx.
		"result", // ok, nxdomain, temporary, timeout, canceled, error.
	},
)

// Resolver is the interface the strict resolver implements, the subset of DNS
// lookups courier needs: reverse lookups for iprev, forward lookups to verify
// PTR names and agent addresses, TXT for DNSBL explanations and MX for inbound
// agent ordering.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, adns.Result, error) // Always returns absolute names, with trailing dot.
	LookupHost(ctx context.Context, host string) ([]string, adns.Result, error)
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
	LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error)
}

// WithPackage sets Pkg on resolver if it is a StrictResolver and does not have
// a package set yet.
func WithPackage(resolver Resolver, name string) Resolver {
	r, ok := resolver.(StrictResolver)
	if ok && r.Pkg == "" {
		nr := r
		nr.Pkg = name
		return nr
	}
	return resolver
}

// StrictResolver is a net.Resolver that enforces that DNS names end with a dot,
// preventing "search"-relative lookups.
type StrictResolver struct {
	Pkg      string         // Name of subsystem that is making DNS requests, for metrics and logging.
	Resolver *adns.Resolver // Where the actual lookups are done. If nil, adns.DefaultResolver is used for lookups.
}

func (r StrictResolver) log() *mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg)
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

func metricLookupObserve(pkg, typ string, err error, start time.Time) {
	var result string
	var dnsErr *adns.DNSError
	switch {
	case err == nil:
		result = "ok"
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		result = "nxdomain"
	case errors.As(err, &dnsErr) && dnsErr.IsTemporary:
		result = "temporary"
	case errors.Is(err, context.DeadlineExceeded) || errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	metricLookup.WithLabelValues(pkg, typ, result).Observe(float64(time.Since(start)) / float64(time.Second))
}

func (r StrictResolver) resolver() Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func (r StrictResolver) LookupAddr(ctx context.Context, addr string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "addr", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "addr"),
			mlog.Field("addr", addr),
			mlog.Field("resp", resp),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	resp, result, err = r.resolver().LookupAddr(ctx, addr)
	// For addresses from /etc/hosts without dot, we add the missing trailing dot.
	for i, s := range resp {
		if !strings.HasSuffix(s, ".") {
			resp[i] = s + "."
		}
	}
	return
}

func (r StrictResolver) LookupHost(ctx context.Context, host string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "host", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "host"),
			mlog.Field("host", host),
			mlog.Field("resp", resp),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupHost(ctx, host)
	return
}

func (r StrictResolver) LookupIP(ctx context.Context, network, host string) (resp []net.IP, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "ip", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "ip"),
			mlog.Field("network", network),
			mlog.Field("host", host),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupIP(ctx, network, host)
	return
}

func (r StrictResolver) LookupMX(ctx context.Context, name string) (resp []*net.MX, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "mx", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "mx"),
			mlog.Field("name", name),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupMX(ctx, name)
	return
}

func (r StrictResolver) LookupTXT(ctx context.Context, name string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "txt", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "txt"),
			mlog.Field("name", name),
			mlog.Field("resp", resp),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupTXT(ctx, name)
	return
}
