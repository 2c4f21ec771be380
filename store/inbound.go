package store

import (
	"context"
	"time"

	"github.com/mjl-/bstore"
)

// Folder is where an accepted incoming message is filed.
type Folder string

const (
	FolderInbox Folder = "inbox"
	FolderSpam  Folder = "spam"
)

// InboundStatus is the lifecycle state of an incoming message row.
type InboundStatus string

const (
	InboundDraft     InboundStatus = "draft"
	InboundAccepted  InboundStatus = "accepted"
	InboundRejected  InboundStatus = "rejected"
	InboundCancelled InboundStatus = "cancelled"
)

// Verdict is the result of an authentication check evaluated by the relay
// engine and passed along with the intake event.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictNeutral Verdict = "neutral"
	VerdictNone    Verdict = "none"
)

// IncomingMessage is one row of the inbound fan-out: a received message per
// resolved local recipient. A message to an alias with three members becomes
// three rows sharing the SourceMessageID.
type IncomingMessage struct {
	ID              int64
	UUID            string `bstore:"nonzero,unique"`
	SourceMessageID string `bstore:"nonzero,unique SourceMessageID+Recipient"` // Broker message id of the intake event.
	Recipient       string `bstore:"nonzero"`                                  // Local mailbox address after alias resolution.

	Received  time.Time `bstore:"default now"`
	Agent     string    // Inbound agent that accepted the connection.
	Sender    string
	RcptTo    string // Original envelope recipient, before alias resolution.
	Subject   string
	MessageID string // RFC 5322 Message-ID header value.
	Size      int64

	// Connection checks from intake.
	RemoteIP  string
	PTRName   string
	PTRStatus string // pass, fail, temperror per the reverse IP check.

	// Authentication verdicts evaluated upstream.
	SPF   Verdict
	DKIM  Verdict
	DMARC Verdict

	SpamScore float64
	Folder    Folder

	Status       InboundStatus `bstore:"nonzero,index"`
	RejectReason string
}

// RejectedMessage is an audit row for a rejected inbound message or
// connection, kept for the configured retention period.
type RejectedMessage struct {
	ID       int64
	Agent    string // Inbound agent that rejected.
	RemoteIP string
	Sender   string
	RcptTo   string
	Code     int // SMTP code given to the remote.
	Reason   string
	Occurred time.Time
	Recorded time.Time `bstore:"default now"`
}

// CleanupRejected removes rejected-message audit rows older than before.
func CleanupRejected(ctx context.Context, before time.Time) (int, error) {
	q := bstore.QueryDB[RejectedMessage](ctx, DB)
	q.FilterLess("Occurred", before)
	return q.Delete()
}

// Mailbox is a local deliverable address.
type Mailbox struct {
	ID      int64
	Address string `bstore:"nonzero,unique"`
	Enabled bool
	Default bool // Default mailbox of its user, used as NDR destination.
}

// Alias forwards mail for an address to member mailboxes.
type Alias struct {
	ID      int64
	Address string `bstore:"nonzero,unique"`
	Enabled bool
	Members []string // Mailbox addresses.
}

// ResolveRecipient resolves an envelope recipient to local mailbox addresses.
// A direct mailbox match wins over an alias. Disabled mailboxes and disabled
// alias members are skipped. An empty result means the recipient must be
// rejected.
func ResolveRecipient(ctx context.Context, tx *bstore.Tx, addr string) ([]string, error) {
	mbq := bstore.QueryTx[Mailbox](tx)
	mbq.FilterNonzero(Mailbox{Address: addr})
	mb, err := mbq.Get()
	if err == nil {
		if !mb.Enabled {
			return nil, nil
		}
		return []string{mb.Address}, nil
	} else if err != bstore.ErrAbsent {
		return nil, err
	}

	aq := bstore.QueryTx[Alias](tx)
	aq.FilterNonzero(Alias{Address: addr})
	a, err := aq.Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if !a.Enabled {
		return nil, nil
	}
	var l []string
	for _, maddr := range a.Members {
		q := bstore.QueryTx[Mailbox](tx)
		q.FilterNonzero(Mailbox{Address: maddr})
		mb, err := q.Get()
		if err == bstore.ErrAbsent {
			continue
		} else if err != nil {
			return nil, err
		}
		if mb.Enabled {
			l = append(l, mb.Address)
		}
	}
	return l, nil
}
