// Package config holds the configuration file structure for courier.conf.
package config

import (
	"time"
)

// Static is the configuration for a courier process, from courier.conf in
// sconf format. It does not change during the lifetime of a running instance.
type Static struct {
	DataDir               string            `sconf-doc:"Directory where the database, message files and queue state are stored. If this is a relative path, it is relative to the directory of courier.conf."`
	LogLevel              string            `sconf-doc:"Default log level, one of: error, info, debug, trace. Trace logs full SMTP and HTTP traffic."`
	PackageLogLevels      map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. dispatch, deliver, reconcile, intake, jobs, broker, smtpclient."`
	Hostname              string            `sconf-doc:"Hostname of this courier instance, used in EHLO, correlation ids and notification messages."`
	PostmasterAddress     string            `sconf-doc:"Address used as sender of non-delivery reports composed for rejected inbound mail."`
	AdminListener         Listener          `sconf-doc:"HTTP listener for the admin API, metrics and the agent admin channel."`
	Redis                 Redis             `sconf-doc:"Connection to the redis server backing the broker queue."`
	Relay                 Relay             `sconf-doc:"SMTP relay engine that delivery agents submit outgoing messages to."`
	Spamd                 Spamd             `sconf:"optional" sconf-doc:"SpamAssassin spamd for scoring inbound and outgoing messages. Scanning is disabled when the address is empty."`
	DNSBLZones            []string          `sconf:"optional" sconf-doc:"DNS blocklist zones to check connecting IPs against during inbound intake, e.g. sbl.spamhaus.org."`
	Limits                Limits            `sconf-doc:"Size and batching limits for the outbound pipeline."`
	Intervals             Intervals         `sconf-doc:"Timer intervals of the periodic workers."`
	Retry                 Retry             `sconf-doc:"Backoff behaviour for deferred deliveries and failed dispatches."`
	Roles                 []string          `sconf:"optional" sconf-doc:"Which workers this process runs: dispatch, deliver, intake, reconcile, jobs. Empty runs all of them."`
	NotifyOnReject        bool              `sconf:"optional" sconf-doc:"Send a non-delivery report to the sender when inbound mail is rejected for an unknown or disabled recipient."`
	RejectedRetentionDays int               `sconf:"optional" sconf-doc:"Days to keep rejected incoming messages before cleanup. Default 7."`
}

// Listener is an address plus authentication for the admin HTTP interface.
type Listener struct {
	Address           string `sconf-doc:"Address to listen on, e.g. localhost:8480."`
	AdminPasswordFile string `sconf:"optional" sconf-doc:"File with bcrypt hash of the admin password. No admin endpoints are served when empty."`
	AgentAPIKey       string `sconf:"optional" sconf-doc:"Bearer token required on the agent job channel served under /agent/, for orchestrators probing this instance. Not served when empty."`
}

// Redis configures the broker queue connection.
type Redis struct {
	Address           string        `sconf-doc:"Address of the redis server, e.g. localhost:6379."`
	Password          string        `sconf:"optional" sconf-doc:"Password for AUTH, empty for none."`
	DB                int           `sconf:"optional" sconf-doc:"Redis database number."`
	Prefix            string        `sconf:"optional" sconf-doc:"Prefix for stream keys, for sharing a redis server. Default courier."`
	VisibilityTimeout time.Duration `sconf:"optional" sconf-doc:"How long a consumed queue entry stays invisible before it is redelivered to another consumer. Default 5m."`
}

// Relay configures the SMTP relay engine deliveries are submitted to.
type Relay struct {
	Host         string `sconf-doc:"Host of the relay engine SMTP listener."`
	Port         int    `sconf-doc:"Port of the relay engine SMTP listener, typically 587 or 25."`
	Username     string `sconf:"optional" sconf-doc:"Username for AUTH PLAIN on the relay. No authentication when empty."`
	Password     string `sconf:"optional" sconf-doc:"Password for AUTH PLAIN on the relay."`
	EHLOHostname string `sconf:"optional" sconf-doc:"Hostname to use in EHLO. Defaults to Hostname."`
}

// Spamd configures the SpamAssassin spamd client.
type Spamd struct {
	Address          string  `sconf-doc:"Address of spamd, e.g. localhost:783."`
	MaxScoreInbound  float64 `sconf-doc:"Inbound messages scoring above this are filed to the spam folder, or rejected when RejectAboveScore is set."`
	MaxScoreOutgoing float64 `sconf:"optional" sconf-doc:"Outgoing messages scoring above this are blocked before dispatch. 0 disables the outgoing scan."`
	RejectAboveScore bool    `sconf:"optional" sconf-doc:"Reject inbound messages above the threshold instead of filing them to spam."`
}

// Limits bound the outbound pipeline.
type Limits struct {
	MaxBatchSize          int   `sconf-doc:"Maximum number of pending messages picked up per dispatcher sweep."`
	MaxRecipientsPerBatch int   `sconf-doc:"Maximum recipients per published transfer batch. Messages with more recipients are split."`
	MaxMessageSize        int64 `sconf-doc:"Maximum raw message size in bytes accepted for submission."`
}

// Intervals of the periodic workers.
type Intervals struct {
	DispatchSweep    time.Duration `sconf-doc:"How often the dispatcher sweeps for pending messages, e.g. 30s."`
	StatusSync       time.Duration `sconf-doc:"How often the status reconciler drains the status queues."`
	BlacklistRefresh time.Duration `sconf-doc:"How often the intake agent refreshes its in-memory IP blocklist snapshot from the store."`
}

// Retry configures delivery retry backoff.
type Retry struct {
	BackoffMin  time.Duration `sconf-doc:"Minimum suggested backoff attached to deferred delivery outcomes, e.g. 1m."`
	BackoffMax  time.Duration `sconf-doc:"Maximum suggested backoff, e.g. 1h. Backoff doubles per dispatch attempt with jitter, capped at this value."`
	MaxAttempts int           `sconf-doc:"Redeliveries of a transfer batch after a local delivery fault before the fault is reported to the reconciler and the batch's recipients are parked as deferred."`
}
