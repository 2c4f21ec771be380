package broker

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topics of the broker queue. Producers and consumers agree on the envelope
// type per topic.
const (
	// Transfer batches from the dispatcher to delivery agents.
	TopicOutboundTransfer = "outbound-transfer"
	// Per-recipient delivery outcomes from delivery agents to the status
	// reconciler.
	TopicOutboundStatus = "outbound-status"
	// Accepted inbound messages from intake to the inbound reconciler.
	TopicInboundIntake = "inbound-intake"
	// Intake rejections, recorded by the inbound reconciler for audit.
	TopicInboundStatus = "inbound-status"
)

// TransferBatch is the envelope on outbound-transfer: one batch of recipients
// of one message, addressed to one outbound agent. Large recipient lists are
// split over multiple batches by the dispatcher.
type TransferBatch struct {
	BatchID     string
	MessageUUID string // References the stored OutgoingMessage and its message file.
	Agent       string // Outbound agent name this batch is addressed to.
	Sender      string
	Recipients  []string
	Size        int64
	Attempt     int // Dispatch attempt of the message, 1-based.
	Published   time.Time
}

// StatusEvent is the envelope on outbound-status: a delivery outcome for one
// recipient, or a batch-level failure when the relay could not be reached at
// all.
type StatusEvent struct {
	MessageUUID string
	BatchID     string
	Recipient   string // Empty for batch-level failures.
	Outcome     string // queued, sent, deferred, bounced.
	Code        int
	Response    string
	Retries     int
	// Backoff suggests when a deferred recipient should next be tried.
	// Informational, the relay engine owns the actual retry schedule.
	Backoff time.Duration
	// BatchFailure marks a local fault before any recipient reached the relay.
	// The reconciler keeps the batch's recipients retryable instead of
	// recording outcomes.
	BatchFailure bool
	Occurred     time.Time
}

// InboundMessage is the envelope on inbound-intake: a message accepted by an
// inbound agent, with connection checks and upstream authentication verdicts.
type InboundMessage struct {
	SourceID string // Assigned at intake, stable across redeliveries.
	Agent    string
	Sender   string
	RcptTo   string

	RemoteIP  string
	PTRName   string
	PTRStatus string

	SPF   string
	DKIM  string
	DMARC string

	Subject   string
	MessageID string
	Size      int64
	Raw       []byte // Full message content, base64 in transit.

	Received time.Time
}

// InboundRejection is the envelope on inbound-status: an intake rejection,
// kept for audit and retention cleanup.
type InboundRejection struct {
	Agent    string
	RemoteIP string
	Sender   string
	RcptTo   string
	Code     int
	Reason   string
	Occurred time.Time
}

// Encode marshals an envelope for publishing.
func Encode(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return buf, nil
}

// Decode unmarshals a consumed message body into the envelope for its topic.
func Decode(buf []byte, v any) error {
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	return nil
}
