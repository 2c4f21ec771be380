package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/broker"
	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/couriervar"
	"github.com/courier-mta/courier/deliver"
	"github.com/courier-mta/courier/dispatch"
	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/dnsbl"
	"github.com/courier-mta/courier/intake"
	"github.com/courier-mta/courier/jobs"
	"github.com/courier-mta/courier/metrics"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/reconcile"
	"github.com/courier-mta/courier/spamc"
	"github.com/courier-mta/courier/store"
	"github.com/courier-mta/courier/webadmin"
)

func cmdServe(c *cmd) {
	c.help = `Start courier, serving the configured workers and the admin web interface.

Pending outgoing messages are dispatched as transfer batches over the broker
queue, delivery outcomes are reconciled into the message store, and inbound
intake events are fanned out to local mailboxes. Which workers run in this
process is controlled by the Roles config, an empty list runs all of them.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	log := c.log

	log.Print("starting up", mlog.Field("version", couriervar.Version), mlog.Field("pid", os.Getpid()))

	ctx := courier.Context
	err := store.Init(ctx)
	xcheckf(err, "opening message store")

	queue, err := broker.NewRedis(ctx, courier.Conf.Static.Redis)
	xcheckf(err, "connecting to broker")

	var scan *spamc.Client
	if courier.Conf.Static.Spamd.Address != "" {
		scan = spamc.New(courier.Conf.Static.Spamd.Address)
	}

	hostname := courier.Conf.Static.Hostname

	var dones []chan struct{}
	newDone := func() chan struct{} {
		ch := make(chan struct{})
		dones = append(dones, ch)
		return ch
	}

	dispatcher := dispatch.New(queue, scan)
	if courier.HasRole("dispatch") {
		dispatch.Start(dispatcher, newDone())
	}
	if courier.HasRole("deliver") {
		deliver.Start(deliver.New(queue, hostname), newDone())
	}
	if courier.HasRole("reconcile") {
		reconcile.Start(reconcile.New(queue, hostname, scan), newDone())
	}
	checker := intake.New(queue, dns.StrictResolver{Pkg: "intake"})
	if courier.HasRole("intake") {
		intake.Start(checker, newDone())
	}
	if courier.HasRole("jobs") {
		jobs.Start(jobs.New(), newDone())
	}

	go monitorDNSBLHealth(log)

	listener := courier.Conf.Static.AdminListener
	if listener.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/admin/", http.StripPrefix("/admin", http.HandlerFunc(webadmin.Handle)))
		mux.Handle("/intake/", http.StripPrefix("/intake", checker.Handler()))
		if listener.AgentAPIKey != "" {
			mux.Handle("/agent/", http.StripPrefix("/agent", agentServer(dispatcher)))
		}

		go webadmin.ManageAuthCache()
		go func() {
			log.Print("admin listener", mlog.Field("address", listener.Address))
			err := http.ListenAndServe(listener.Address, mux)
			log.Fatalx("admin listener", err)
		}()
	}

	sig := courier.ShutdownOnSignals()

	// Give workers a moment to finish their current operation.
	timeout := time.After(3 * time.Second)
	for _, ch := range dones {
		select {
		case <-ch:
		case <-timeout:
			log.Print("workers did not finish shutdown in time, exiting")
			os.Exit(1)
		}
	}
	if err := queue.Close(); err != nil {
		log.Errorx("closing broker connection", err)
	}
	if err := store.Close(); err != nil {
		log.Errorx("closing message store", err)
	}
	log.Print("shutdown complete", mlog.Field("signal", fmt.Sprintf("%v", sig)))
}

// monitorDNSBLHealth periodically checks that the configured DNSBL zones are
// still operating. A zone that went away typically starts passing or failing
// every lookup, silently breaking the intake checks that rely on it.
func monitorDNSBLHealth(log *mlog.Log) {
	defer func() {
		// On error, don't bring down the entire server.
		x := recover()
		if x != nil {
			log.Error("unhandled panic in dnsbl monitor", mlog.Field("panic", x))
			debug.PrintStack()
			metrics.PanicInc("serve")
		}
	}()

	var zones []dns.Domain
	for _, zone := range courier.Conf.Static.DNSBLZones {
		d, err := dns.ParseDomain(zone)
		if err != nil {
			log.Fatalx("parsing dnsbl zone", err, mlog.Field("zone", zone))
		}
		zones = append(zones, d)
	}
	if len(zones) == 0 {
		return
	}

	resolver := dns.StrictResolver{Pkg: "dnsblmonitor"}
	var sleep time.Duration // No sleep on first iteration.
	for {
		select {
		case <-courier.Shutdown.Done():
			return
		case <-time.After(sleep):
		}
		sleep = 3 * time.Hour

		ctx := courier.CidContext()
		for _, zone := range zones {
			if err := dnsbl.CheckHealth(ctx, resolver, zone); err != nil {
				log.Errorx("dnsbl zone health check failed, consider removing the zone from the config", err, mlog.Field("zone", zone.Name()))
			}
		}
	}
}

// agentServer is the agent side of the admin channel: it lets another
// orchestrator probe this instance and flush its dispatch queue.
func agentServer(dispatcher *dispatch.Dispatcher) *jobs.Server {
	srv := jobs.NewServer(courier.Conf.Static.AdminListener.AgentAPIKey)
	srv.Handle(jobs.KindGetStatus, func(ctx context.Context, args string) (string, error) {
		counts := map[string]int{}
		for _, status := range []store.Status{store.StatusPending, store.StatusTransferring, store.StatusTransferred, store.StatusDeferred} {
			q := bstore.QueryDB[store.OutgoingMessage](ctx, store.DB)
			q.FilterNonzero(store.OutgoingMessage{Status: status})
			n, err := q.Count()
			if err != nil {
				return "", fmt.Errorf("counting %s messages: %w", status, err)
			}
			counts[string(status)] = n
		}
		buf, err := json.Marshal(map[string]any{"version": couriervar.Version, "queue": counts})
		return string(buf), err
	})
	srv.Handle(jobs.KindFlushQueue, func(ctx context.Context, args string) (string, error) {
		n, err := dispatcher.Sweep(ctx)
		if err != nil {
			return "", err
		}
		buf, err := json.Marshal(map[string]int{"dispatched": n})
		return string(buf), err
	})
	return srv
}
