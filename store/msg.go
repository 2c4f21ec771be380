package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"
)

// RecipientKind is the header a recipient was addressed in.
type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCc  RecipientKind = "cc"
	RecipientBcc RecipientKind = "bcc"
)

// Recipient is one envelope recipient of an outgoing message, stored inline
// with the message record. Delivery outcomes live in the RecipientOutcome
// ledger, the Outcome here is the merged current value for quick display.
type Recipient struct {
	Address string
	Kind    RecipientKind
	Outcome Outcome // Merged from the ledger by the reconciler. Empty until the first event.
	Code    int     // SMTP code of the most recent event.
	Detail  string  // Response line of the most recent event.
	Retries int
}

// BatchRef records one transfer batch published for a message.
type BatchRef struct {
	BatchID    string
	Agent      string // Agent name the batch was addressed to.
	Recipients []string
	Published  time.Time
}

// OutgoingMessage is a submitted message moving through the outbound pipeline.
type OutgoingMessage struct {
	ID   int64
	UUID string `bstore:"nonzero,unique"`

	Submitted time.Time `bstore:"default now"`
	Sender    string    `bstore:"nonzero"`
	Subject   string
	MessageID string // RFC 5322 Message-ID header value, without angle brackets.

	Status       Status `bstore:"nonzero,index"`
	StatusDetail string // Human-readable reason for Blocked/Failed/Cancelled.
	Priority     int    // Higher dispatches earlier within a sweep.

	Size       int64
	SpamScore  float64 // From the outbound spam scan, 0 when scanning is off.
	DKIMSigned bool

	Recipients []Recipient
	Batches    []BatchRef

	Attempts          int // Dispatch attempts.
	LastError         string
	TransferStarted   time.Time
	TransferCompleted time.Time
}

// RecipientOutcome is one row of the append-only delivery event ledger.
// Rows are never updated or deleted while the message exists, replaying the
// ledger reconstructs the message status.
type RecipientOutcome struct {
	ID        int64
	MessageID int64   `bstore:"nonzero,ref OutgoingMessage,index MessageID+Recipient"`
	Recipient string  `bstore:"nonzero"`
	Outcome   Outcome `bstore:"nonzero"`
	Code      int
	Response  string
	BatchID   string
	Retries   int
	Occurred  time.Time // When the delivery agent observed the event.
	Recorded  time.Time `bstore:"default now"`
}

// MessageByUUID fetches an outgoing message by its public uuid.
func MessageByUUID(ctx context.Context, tx *bstore.Tx, uuid string) (OutgoingMessage, error) {
	q := bstore.QueryTx[OutgoingMessage](tx)
	q.FilterNonzero(OutgoingMessage{UUID: uuid})
	return q.Get()
}

// Cancel marks an outgoing message cancelled. Delivery events arriving later
// are still appended to the ledger but no longer change the status.
func Cancel(ctx context.Context, uuid string) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := MessageByUUID(ctx, tx, uuid)
		if err != nil {
			return fmt.Errorf("looking up message: %w", err)
		}
		if m.Status.Terminal() {
			return fmt.Errorf("message in terminal status %q", m.Status)
		}
		if !m.Status.TransitionOK(StatusCancelled) {
			return fmt.Errorf("cannot cancel message in status %q", m.Status)
		}
		m.Status = StatusCancelled
		m.StatusDetail = "cancelled by operator"
		return tx.Update(&m)
	})
}

// Retry re-enters a Failed, Bounced, Blocked or Deferred message into the
// pipeline by resetting it to Pending for the next dispatcher sweep.
func Retry(ctx context.Context, uuid string) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := MessageByUUID(ctx, tx, uuid)
		if err != nil {
			return fmt.Errorf("looking up message: %w", err)
		}
		if !m.Status.TransitionOK(StatusPending) {
			return fmt.Errorf("cannot retry message in status %q", m.Status)
		}
		m.Status = StatusPending
		m.StatusDetail = ""
		m.Batches = nil
		for i := range m.Recipients {
			m.Recipients[i].Outcome = ""
			m.Recipients[i].Code = 0
			m.Recipients[i].Detail = ""
		}
		return tx.Update(&m)
	})
}
