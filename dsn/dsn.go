// Package dsn composes Delivery Status Notification messages, see RFC 3464.
// Courier sends them to the original sender when inbound mail is rejected for
// an unknown or disabled recipient.
package dsn

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/mlog"
)

// Message is a DSN to be composed: basic message headers, human-readable
// text and the machine-parsable delivery-status part.
type Message struct {
	// From header, e.g. the postmaster address. DSNs themselves are sent with
	// a null reverse path to prevent mail loops.
	From string

	// To header and envelope recipient, the original MAIL FROM.
	To string

	Subject string

	// Set when the message is composed.
	MessageID string

	// Message-ID of the original message, so mail user-agents thread the DSN
	// with it.
	References string

	// Human-readable explanation. Lines end in bare newlines, converted to
	// \r\n when composing.
	TextBody string

	ReportingMTA string
	ArrivalDate  time.Time

	Recipients []Recipient

	// Original message headers to include as third MIME part. Optional.
	Original []byte
}

// Action is the per-recipient action field of a DSN.
type Action string

const (
	Failed    Action = "failed"
	Delayed   Action = "delayed"
	Delivered Action = "delivered"
)

// Recipient holds the per-recipient delivery-status lines.
type Recipient struct {
	FinalRecipient string
	Action         Action

	// Enhanced status code, e.g. "5.4.1". First digit indicates permanent or
	// temporary.
	Status string

	// Diagnostic from the rejecting side, e.g. the full SMTP response line.
	DiagnosticCode string
}

// Compose returns the DSN message content. The three MIME parts of the
// multipart/report are the human-readable explanation, the
// message/delivery-status fields and optionally the original headers.
func (m *Message) Compose(log *mlog.Log) ([]byte, error) {
	msgw := &errWriter{w: &bytes.Buffer{}}

	header := func(k, v string) {
		fmt.Fprintf(msgw, "%s: %s\r\n", k, v)
	}
	line := func(w io.Writer) {
		_, _ = w.Write([]byte("\r\n"))
	}

	m.MessageID = fmt.Sprintf("%s@%s", uuid.New().String(), courier.Conf.Static.Hostname)

	header("From", fmt.Sprintf("<%s>", m.From))
	header("To", fmt.Sprintf("<%s>", m.To))
	header("Subject", m.Subject)
	header("Message-Id", fmt.Sprintf("<%s>", m.MessageID))
	if m.References != "" {
		header("References", fmt.Sprintf("<%s>", m.References))
	}
	header("Date", time.Now().Format("2 Jan 2006 15:04:05 -0700"))
	header("Auto-Submitted", "auto-replied")
	header("MIME-Version", "1.0")
	mp := multipart.NewWriter(msgw)
	header("Content-Type", fmt.Sprintf(`multipart/report; report-type="delivery-status"; boundary="%s"`, mp.Boundary()))
	line(msgw)

	// Human-readable part.
	msgHdr := textproto.MIMEHeader{}
	msgHdr.Set("Content-Type", "text/plain")
	msgHdr.Set("Content-Transfer-Encoding", "7BIT")
	msgp, err := mp.CreatePart(msgHdr)
	if err != nil {
		return nil, err
	}
	if _, err := msgp.Write([]byte(strings.ReplaceAll(m.TextBody, "\n", "\r\n"))); err != nil {
		return nil, err
	}

	// Machine-parsable part.
	statusHdr := textproto.MIMEHeader{}
	statusHdr.Set("Content-Type", "message/delivery-status")
	statusHdr.Set("Content-Transfer-Encoding", "7BIT")
	statusp, err := mp.CreatePart(statusHdr)
	if err != nil {
		return nil, err
	}
	status := func(k, v string) {
		fmt.Fprintf(statusp, "%s: %s\r\n", k, v)
	}
	status("Reporting-MTA", "dns; "+m.ReportingMTA)
	if !m.ArrivalDate.IsZero() {
		status("Arrival-Date", m.ArrivalDate.Format("2 Jan 2006 15:04:05 -0700"))
	}
	if len(m.Recipients) == 0 {
		return nil, fmt.Errorf("missing per-recipient fields")
	}
	for _, r := range m.Recipients {
		line(statusp)
		status("Final-Recipient", "rfc822;"+r.FinalRecipient)
		status("Action", string(r.Action))
		st := r.Status
		if st == "" {
			switch r.Action {
			case Delayed:
				st = "4.0.0"
			case Failed:
				st = "5.0.0"
			default:
				st = "2.0.0"
			}
		}
		status("Status", st)
		if r.DiagnosticCode != "" {
			status("Diagnostic-Code", "smtp; "+r.DiagnosticCode)
		}
	}

	// Optional original headers.
	if len(m.Original) > 0 {
		origHdr := textproto.MIMEHeader{}
		origHdr.Set("Content-Type", "text/rfc822-headers")
		origHdr.Set("Content-Transfer-Encoding", "7BIT")
		origp, err := mp.CreatePart(origHdr)
		if err != nil {
			return nil, err
		}
		if _, err := origp.Write(m.Original); err != nil {
			return nil, err
		}
	}

	if err := mp.Close(); err != nil {
		return nil, err
	}
	if msgw.err != nil {
		return nil, msgw.err
	}
	return msgw.w.(*bytes.Buffer).Bytes(), nil
}

type errWriter struct {
	w   io.Writer
	err error
}

func (w *errWriter) Write(buf []byte) (int, error) {
	if w.err != nil {
		return -1, w.err
	}
	n, err := w.w.Write(buf)
	w.err = err
	return n, err
}
