package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/courier-mta/courier/store"
)

// Admin commands talk to a running courier over the admin web API, they do
// not open the database themselves. The admin URL and password come from
// flags and $COURIER_ADMIN_PASSWORD.

type adminClient struct {
	baseURL  string
	password string
	client   *http.Client
}

func xadminClient(adminURL string) *adminClient {
	pw := os.Getenv("COURIER_ADMIN_PASSWORD")
	if pw == "" {
		log.Fatalf("$COURIER_ADMIN_PASSWORD must be set for admin commands")
	}
	return &adminClient{
		baseURL:  strings.TrimSuffix(adminURL, "/") + "/",
		password: pw,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// call invokes a function of the admin API and decodes its result into
// result, which may be nil for functions without a return value.
func (ac *adminClient) call(fn string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}
	reqbody, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return fmt.Errorf("encoding request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ac.baseURL+"api/"+fn, bytes.NewReader(reqbody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("", ac.password)
	resp, err := ac.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling admin api: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin api responded with status %s", resp.Status)
	}
	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("decoding admin api response: %v", err)
	}
	if response.Error != nil {
		return fmt.Errorf("%s (%s)", response.Error.Message, response.Error.Code)
	}
	if result != nil {
		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("decoding admin api result: %v", err)
		}
	}
	return nil
}

func adminURLFlag(c *cmd) *string {
	return c.flag.String("admin", "http://localhost:8480/admin/", "base url of the admin web interface")
}

func cmdQueueList(c *cmd) {
	c.help = `List messages in the outbound pipeline.

Prints the uuid, status, sender and recipients of each message, most recently
submitted first.
`
	adminURL := adminURLFlag(c)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	ac := xadminClient(*adminURL)

	var msgs []store.OutgoingMessage
	err := ac.call("QueueList", nil, &msgs)
	xcheckf(err, "listing queue")
	fmt.Printf("%-36s %-14s %-9s %-30s %s\n", "uuid", "status", "attempts", "sender", "recipients")
	for _, m := range msgs {
		var rcpts []string
		for _, r := range m.Recipients {
			s := r.Address
			if r.Outcome != "" {
				s += "(" + string(r.Outcome) + ")"
			}
			rcpts = append(rcpts, s)
		}
		fmt.Printf("%-36s %-14s %-9d %-30s %s\n", m.UUID, m.Status, m.Attempts, m.Sender, strings.Join(rcpts, ","))
	}
}

func cmdQueueRetry(c *cmd) {
	c.params = "uuid"
	c.help = `Retry a failed, bounced or blocked message.

The message is reset to pending and picked up by the next dispatcher sweep.
`
	adminURL := adminURLFlag(c)
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	ac := xadminClient(*adminURL)
	err := ac.call("MessageRetry", []any{args[0]}, nil)
	xcheckf(err, "retrying message")
}

func cmdQueueCancel(c *cmd) {
	c.params = "uuid"
	c.help = `Cancel a message that has not reached a terminal status.

Delivery events arriving later no longer change its status. Cancelling cannot
be undone, though the message can be resent as a copy.
`
	adminURL := adminURLFlag(c)
	force := c.flag.Bool("f", false, "cancel without confirmation prompt")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	if !*force && !confirm(fmt.Sprintf("cancel message %s?", args[0])) {
		return
	}
	ac := xadminClient(*adminURL)
	err := ac.call("MessageCancel", []any{args[0]}, nil)
	xcheckf(err, "cancelling message")
}

func cmdQueueResend(c *cmd) {
	c.params = "uuid"
	c.help = `Submit a copy of a message as a new pending message.

The original is left untouched. Prints the uuid of the new message.
`
	adminURL := adminURLFlag(c)
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	ac := xadminClient(*adminURL)
	var nuuid string
	err := ac.call("MessageResend", []any{args[0]}, &nuuid)
	xcheckf(err, "resending message")
	fmt.Println(nuuid)
}

func cmdIncomingList(c *cmd) {
	c.help = `List recently received incoming messages.`
	adminURL := adminURLFlag(c)
	limit := c.flag.Int("limit", 100, "maximum number of rows to list")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	ac := xadminClient(*adminURL)

	var msgs []store.IncomingMessage
	err := ac.call("IncomingList", []any{*limit}, &msgs)
	xcheckf(err, "listing incoming messages")
	fmt.Printf("%-25s %-9s %-30s %-30s %-6s %s\n", "received", "status", "sender", "recipient", "folder", "score")
	for _, m := range msgs {
		fmt.Printf("%-25s %-9s %-30s %-30s %-6s %.1f\n", m.Received.Format(time.RFC3339), m.Status, m.Sender, m.Recipient, m.Folder, m.SpamScore)
	}
}

func cmdJobList(c *cmd) {
	c.help = `List agent jobs, most recently created first.`
	adminURL := adminURLFlag(c)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	ac := xadminClient(*adminURL)

	var jobs []store.AgentJob
	err := ac.call("JobList", nil, &jobs)
	xcheckf(err, "listing jobs")
	fmt.Printf("%-36s %-15s %-15s %-25s %s\n", "uuid", "kind", "status", "created", "error")
	for _, j := range jobs {
		fmt.Printf("%-36s %-15s %-15s %-25s %s\n", j.UUID, j.Kind, j.Status, j.Created.Format(time.RFC3339), j.LastError)
	}
}

func cmdJobSubmit(c *cmd) {
	c.params = "kind [agent ...]"
	c.help = `Queue an agent job, e.g. sync-mailboxes or get-status.

Without agent names the job addresses all enabled agents. Args for the job can
be passed as a JSON payload with -args. Prints the job uuid.
`
	adminURL := adminURLFlag(c)
	jobArgs := c.flag.String("args", "", "JSON payload for the job")
	args := c.Parse()
	if len(args) < 1 {
		c.Usage()
	}
	ac := xadminClient(*adminURL)
	var jobUUID string
	err := ac.call("JobSubmit", []any{args[0], args[1:], *jobArgs}, &jobUUID)
	xcheckf(err, "submitting job")
	fmt.Println(jobUUID)
}

func cmdJobRerun(c *cmd) {
	c.params = "uuid"
	c.help = `Requeue a failed agent job.

A job that failed with unknown completion is only requeued after its agents
pass a status probe.
`
	adminURL := adminURLFlag(c)
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	ac := xadminClient(*adminURL)
	err := ac.call("JobRerun", []any{args[0]}, nil)
	xcheckf(err, "rerunning job")
}

func cmdAgentList(c *cmd) {
	c.help = `List configured relay agents.`
	adminURL := adminURLFlag(c)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	ac := xadminClient(*adminURL)

	var agents []store.Agent
	err := ac.call("AgentList", nil, &agents)
	xcheckf(err, "listing agents")
	fmt.Printf("%-20s %-9s %-8s %-9s %-16s %s\n", "name", "direction", "enabled", "priority", "ipv4", "ipv6")
	for _, a := range agents {
		fmt.Printf("%-20s %-9s %-8v %-9d %-16s %s\n", a.Name, a.Direction, a.Enabled, a.Priority, a.IPv4, a.IPv6)
	}
}

func cmdBlocklistList(c *cmd) {
	c.help = `List currently blocked IPs.`
	adminURL := adminURLFlag(c)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	ac := xadminClient(*adminURL)

	var l []store.IPBlocklist
	err := ac.call("BlocklistGet", nil, &l)
	xcheckf(err, "listing blocklist")
	fmt.Printf("%-40s %-10s %s\n", "ip", "source", "reason")
	for _, e := range l {
		fmt.Printf("%-40s %-10s %s\n", e.IP, e.Source, e.Reason)
	}
}

func cmdBlocklistAdd(c *cmd) {
	c.params = "ip [reason]"
	c.help = `Block an IP for inbound connections.

The intake workers pick up the block on their next blocklist refresh.
`
	adminURL := adminURLFlag(c)
	args := c.Parse()
	if len(args) != 1 && len(args) != 2 {
		c.Usage()
	}
	var reason string
	if len(args) == 2 {
		reason = args[1]
	}
	ac := xadminClient(*adminURL)
	err := ac.call("BlocklistAdd", []any{args[0], reason}, nil)
	xcheckf(err, "blocking ip")
}

func cmdBlocklistRemove(c *cmd) {
	c.params = "ip"
	c.help = `Unblock an IP.`
	adminURL := adminURLFlag(c)
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	ac := xadminClient(*adminURL)
	err := ac.call("BlocklistRemove", []any{args[0]}, nil)
	xcheckf(err, "unblocking ip")
}
