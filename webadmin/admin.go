// Package webadmin has an admin web API for inspecting and steering the mail
// pipeline: the outbound queue, incoming messages, relay agents, agent jobs
// and the IP blocklist.
package webadmin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	_ "embed"

	"golang.org/x/crypto/bcrypt"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"
	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/couriervar"
	"github.com/courier-mta/courier/jobs"
	"github.com/courier-mta/courier/metrics"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/store"
)

var xlog = mlog.New("webadmin")

//go:embed adminapi.json
var adminapiJSON []byte

var adminDoc = mustParseAPI("admin", adminapiJSON)

var adminSherpaHandler http.Handler

// orchestrator runs the status probe before a failed-on-end job is requeued.
var orchestrator = jobs.New()

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		xlog.Fatalx("parsing api docs", err, mlog.Field("api", api))
	}
	return doc
}

func init() {
	collector, err := sherpaprom.NewCollector("courieradmin", nil)
	if err != nil {
		xlog.Fatalx("creating sherpa prometheus collector", err)
	}

	adminSherpaHandler, err = sherpa.NewHandler("/api/", couriervar.Version, Admin{}, &adminDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		xlog.Fatalx("sherpa handler", err)
	}
}

// Admin exports web API functions for the admin interface. All its methods
// are exported under api/. Function calls require valid HTTP Authentication
// credentials.
type Admin struct{}

// We keep a cache for authentication so we don't bcrypt for each incoming
// HTTP request. We keep track of the last successful password hash and
// Authorization header. The cache is cleared periodically, see below.
var authCache struct {
	sync.Mutex
	lastSuccessHash, lastSuccessAuth string
}

// ManageAuthCache clears the auth cache periodically. Started when we start
// serving, not at package init time.
func ManageAuthCache() {
	for {
		authCache.Lock()
		authCache.lastSuccessHash = ""
		authCache.lastSuccessAuth = ""
		authCache.Unlock()
		time.Sleep(15 * time.Minute)
	}
}

// check whether authentication from the config (passwordfile with bcrypt
// hash) matches the authorization header "authHdr". we don't care about any
// username. on (auth) failure, a http response is sent and false returned.
func checkAdminAuth(ctx context.Context, passwordfile string, w http.ResponseWriter, r *http.Request) bool {
	log := xlog.WithContext(ctx)

	respondAuthFail := func() bool {
		// note: browsers don't display the realm to prevent users getting confused by malicious realm messages.
		w.Header().Set("WWW-Authenticate", `Basic realm="courier admin - login with empty username and admin password"`)
		http.Error(w, "http 401 - unauthorized - courier admin - login with empty username and admin password", http.StatusUnauthorized)
		return false
	}

	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("webadmin", "httpbasic", authResult)
	}()

	var remoteIP net.IP
	addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	if err != nil {
		log.Errorx("parsing remote address", err, mlog.Field("addr", r.RemoteAddr))
	} else if addr != nil {
		remoteIP = addr.IP
	}

	authHdr := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHdr, "Basic ") || passwordfile == "" {
		return respondAuthFail()
	}
	buf, err := os.ReadFile(passwordfile)
	if err != nil {
		log.Errorx("reading admin password file", err, mlog.Field("path", passwordfile))
		return respondAuthFail()
	}
	passwordhash := strings.TrimSpace(string(buf))
	authCache.Lock()
	defer authCache.Unlock()
	if passwordhash != "" && passwordhash == authCache.lastSuccessHash && authHdr != "" && authCache.lastSuccessAuth == authHdr {
		authResult = "ok"
		return true
	}
	auth, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHdr, "Basic "))
	if err != nil {
		return respondAuthFail()
	}
	t := strings.SplitN(string(auth), ":", 2)
	if len(t) != 2 || len(t[1]) < 8 {
		log.Info("failed authentication attempt", mlog.Field("username", "admin"), mlog.Field("remote", remoteIP))
		return respondAuthFail()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordhash), []byte(t[1])); err != nil {
		authResult = "badcreds"
		log.Info("failed authentication attempt", mlog.Field("username", "admin"), mlog.Field("remote", remoteIP))
		return respondAuthFail()
	}
	authCache.lastSuccessHash = passwordhash
	authCache.lastSuccessAuth = authHdr
	authResult = "ok"
	return true
}

func Handle(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), mlog.CidKey, courier.Cid())
	if !checkAdminAuth(ctx, courier.ConfigDirPath(courier.Conf.Static.AdminListener.AdminPasswordFile), w, r) {
		// Response already sent.
		return
	}

	if r.Method == "GET" && r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "courier admin %s, api at api/\n", couriervar.Version)
		return
	}
	adminSherpaHandler.ServeHTTP(w, r.WithContext(ctx))
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	xlog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	xlog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

// QueueList returns the messages in the outbound pipeline, most recently
// submitted first.
func (Admin) QueueList(ctx context.Context) []store.OutgoingMessage {
	q := bstore.QueryDB[store.OutgoingMessage](ctx, store.DB)
	q.SortDesc("Submitted")
	l, err := q.List()
	xcheckf(ctx, err, "listing messages in queue")
	return l
}

// Message returns one outgoing message by uuid.
func (Admin) Message(ctx context.Context, messageUUID string) (m store.OutgoingMessage) {
	err := store.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		m, err = store.MessageByUUID(ctx, tx, messageUUID)
		return err
	})
	if err == bstore.ErrAbsent {
		xcheckuserf(ctx, err, "looking up message")
	}
	xcheckf(ctx, err, "looking up message")
	return
}

// MessageLedger returns the delivery event ledger of a message, in the order
// the events were recorded.
func (Admin) MessageLedger(ctx context.Context, messageUUID string) []store.RecipientOutcome {
	var l []store.RecipientOutcome
	err := store.DB.Read(ctx, func(tx *bstore.Tx) error {
		m, err := store.MessageByUUID(ctx, tx, messageUUID)
		if err != nil {
			return err
		}
		q := bstore.QueryTx[store.RecipientOutcome](tx)
		q.FilterNonzero(store.RecipientOutcome{MessageID: m.ID})
		q.SortAsc("ID")
		l, err = q.List()
		return err
	})
	if err == bstore.ErrAbsent {
		xcheckuserf(ctx, err, "looking up message")
	}
	xcheckf(ctx, err, "listing delivery events")
	return l
}

// MessageRetry re-enters a failed, bounced or blocked message into the
// pipeline for a fresh dispatch.
func (Admin) MessageRetry(ctx context.Context, messageUUID string) {
	err := store.Retry(ctx, messageUUID)
	if err != nil && errors.Is(err, bstore.ErrAbsent) {
		xcheckuserf(ctx, err, "retrying message")
	}
	xcheckf(ctx, err, "retrying message")
}

// MessageCancel cancels a message that has not reached a terminal status.
// Delivery events arriving later no longer change its status.
func (Admin) MessageCancel(ctx context.Context, messageUUID string) {
	err := store.Cancel(ctx, messageUUID)
	if err != nil && errors.Is(err, bstore.ErrAbsent) {
		xcheckuserf(ctx, err, "cancelling message")
	}
	xcheckf(ctx, err, "cancelling message")
}

// MessageResend submits a copy of a message as a new pending message with the
// same recipients and returns the new uuid. The original is left untouched,
// useful for resending a sent or cancelled message.
func (Admin) MessageResend(ctx context.Context, messageUUID string) string {
	var nuuid string
	err := store.DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := store.MessageByUUID(ctx, tx, messageUUID)
		if err != nil {
			return err
		}
		buf, err := os.ReadFile(store.MessagePath(m.UUID))
		if err != nil {
			return fmt.Errorf("reading message file: %w", err)
		}

		nm := m
		nm.ID = 0
		nm.UUID = uuid.New().String()
		nm.Submitted = time.Now()
		nm.Status = store.StatusPending
		nm.StatusDetail = ""
		nm.Batches = nil
		nm.Attempts = 0
		nm.LastError = ""
		nm.TransferStarted = time.Time{}
		nm.TransferCompleted = time.Time{}
		nm.Recipients = make([]store.Recipient, len(m.Recipients))
		for i, rcpt := range m.Recipients {
			nm.Recipients[i] = store.Recipient{Address: rcpt.Address, Kind: rcpt.Kind}
		}

		if _, err := store.StoreMessageFile(nm.UUID, buf); err != nil {
			return fmt.Errorf("storing message file: %w", err)
		}
		if err := tx.Insert(&nm); err != nil {
			if rerr := store.RemoveMessageFile(nm.UUID); rerr != nil {
				xlog.WithContext(ctx).Errorx("removing message file after failed insert", rerr, mlog.Field("uuid", nm.UUID))
			}
			return err
		}
		nuuid = nm.UUID
		return nil
	})
	if errors.Is(err, bstore.ErrAbsent) {
		xcheckuserf(ctx, err, "resending message")
	}
	xcheckf(ctx, err, "resending message")
	return nuuid
}

// IncomingList returns the most recently received incoming message rows, at
// most limit, most recent first. A limit of 0 means 100.
func (Admin) IncomingList(ctx context.Context, limit int) []store.IncomingMessage {
	if limit <= 0 {
		limit = 100
	}
	q := bstore.QueryDB[store.IncomingMessage](ctx, store.DB)
	q.SortDesc("Received")
	q.Limit(limit)
	l, err := q.List()
	xcheckf(ctx, err, "listing incoming messages")
	return l
}

// SyncStatus queues a status probe job for the named agents, or for all
// enabled agents when none are named, and returns the job uuid.
func (Admin) SyncStatus(ctx context.Context, agents []string) string {
	jobUUID, err := jobs.Submit(ctx, jobs.KindGetStatus, agents, "")
	xcheckuserf(ctx, err, "queueing status probe")
	return jobUUID
}

// JobSubmit queues an agent job and returns its uuid. Args must be a JSON
// payload understood by the job kind, or empty.
func (Admin) JobSubmit(ctx context.Context, kind string, agents []string, args string) string {
	jobUUID, err := jobs.Submit(ctx, kind, agents, args)
	xcheckuserf(ctx, err, "queueing job")
	return jobUUID
}

// JobList returns all agent jobs, most recently created first.
func (Admin) JobList(ctx context.Context) []store.AgentJob {
	q := bstore.QueryDB[store.AgentJob](ctx, store.DB)
	q.SortDesc("Created")
	l, err := q.List()
	xcheckf(ctx, err, "listing jobs")
	return l
}

// JobRerun requeues a failed job. A job that failed with unknown completion
// is only requeued after its agents pass a status probe.
func (Admin) JobRerun(ctx context.Context, jobUUID string) {
	err := orchestrator.Rerun(ctx, jobUUID)
	xcheckuserf(ctx, err, "rerunning job")
}

// AgentList returns all configured relay agents.
func (Admin) AgentList(ctx context.Context) []store.Agent {
	q := bstore.QueryDB[store.Agent](ctx, store.DB)
	q.SortAsc("Direction", "Priority", "Name")
	l, err := q.List()
	xcheckf(ctx, err, "listing agents")
	return l
}

// AgentSave validates and upserts an agent by name.
func (Admin) AgentSave(ctx context.Context, agent store.Agent) {
	if err := store.CheckAgent(agent); err != nil {
		xcheckuserf(ctx, err, "checking agent")
	}
	err := store.SaveAgent(ctx, agent)
	xcheckf(ctx, err, "saving agent")
}

// BlocklistGet returns the currently blocked IPs.
func (Admin) BlocklistGet(ctx context.Context) []store.IPBlocklist {
	l, err := store.BlockedIPs(ctx)
	xcheckf(ctx, err, "listing blocked ips")
	return l
}

// BlocklistAdd blocks an IP for inbound connections. The intake workers pick
// it up on their next blocklist refresh.
func (Admin) BlocklistAdd(ctx context.Context, ip, reason string) {
	err := store.UpsertBlocklist(ctx, store.IPBlocklist{IP: ip, Blocked: true, Reason: reason, Source: "admin"})
	xcheckuserf(ctx, err, "blocking ip")
}

// BlocklistRemove unblocks an IP.
func (Admin) BlocklistRemove(ctx context.Context, ip string) {
	err := store.UpsertBlocklist(ctx, store.IPBlocklist{IP: ip, Blocked: false, Source: "admin"})
	xcheckuserf(ctx, err, "unblocking ip")
}
