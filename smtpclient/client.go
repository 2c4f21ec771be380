// Package smtpclient speaks the client side of SMTP, for handing messages to
// the relay engine and for probing agent liveness.
//
// Courier does not deliver to arbitrary hosts on the internet. It talks to the
// operator's own relay engines, so the client initializes a session with EHLO,
// optionally authenticates with AUTH PLAIN, and delivers with pipelined
// MAIL/RCPT/DATA when the server announces PIPELINING.
package smtpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/metrics"
	"github.com/courier-mta/courier/mlog"
	"github.com/courier-mta/courier/smtp"
)

var metricCommands = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "courier_smtpclient_command_duration_seconds",
		Help:    "SMTP client command duration and result codes in seconds.",
		Buckets: []float64{0.001, 0.005, 0.010, 0.050, 0.100, 0.5, 1, 5, 10, 20, 30},
	},
	[]string{
		"cmd",
		"code",
		"secode",
	},
)

var (
	ErrSize                = errors.New("message too large for remote smtp server") // Remote announced a maximum message size and the message exceeds it.
	Err8bitmimeUnsupported = errors.New("remote smtp server does not implement 8bitmime extension, required by message")
	ErrSMTPUTF8Unsupported = errors.New("remote smtp server does not implement smtputf8 extension, required by message")
	ErrAuthUnsupported     = errors.New("remote smtp server does not implement auth plain, required by config")
	ErrStatus              = errors.New("remote smtp server sent unexpected response status code") // E.g. 451 where 250 was expected.
	ErrProtocol            = errors.New("smtp protocol error")                                     // After a malformed SMTP response or inconsistent multi-line response.
	ErrBotched             = errors.New("smtp connection is botched")                              // Set on a client, and returned for new operations, after an i/o error or malformed SMTP response.
	ErrClosed              = errors.New("client is closed")
)

// Client is an SMTP client that can deliver messages to a relay engine.
//
// Use New to make a new client.
type Client struct {
	conn net.Conn

	r        *bufio.Reader
	w        *bufio.Writer
	log      *mlog.Log
	lastlog  time.Time // For adding delta timestamps between log lines.
	cmds     []string  // Last or active command, for generating errors and metrics.
	cmdStart time.Time // Start of command.

	botched  bool // If set, protocol is out of sync and no further commands can be sent.
	needRset bool // If set, a new delivery requires an RSET command.

	remoteHelo    string // From 220 greeting line.
	extEcodes     bool   // Remote server supports sending extended error codes.
	ext8bitmime   bool
	extSize       bool  // Remote server supports SIZE parameter.
	maxSize       int64 // Max size of email message.
	extPipelining bool  // Remote server supports command pipelining.
	extSMTPUTF8   bool  // Remote server supports SMTPUTF8 extension.
	extAuthPlain  bool  // AUTH with the PLAIN mechanism.
}

// Error represents a failure to deliver a message.
//
// Code, Secode, Command and Line are only set for SMTP-level errors, and are
// zero values otherwise.
type Error struct {
	// Whether failure is permanent, typically because of 5xx response.
	Permanent bool
	// SMTP response status, e.g. 2xx for success, 4xx for transient error and 5xx for
	// permanent failure.
	Code int
	// Short enhanced status, minus first digit and dot. Can be empty, e.g. for io
	// errors or if remote does not send enhanced status codes. If remote responds
	// with "550 5.7.1 ...", the Secode will be "7.1".
	Secode string
	// SMTP command causing failure.
	Command string
	// For errors due to SMTP responses, the full SMTP line excluding CRLF that
	// caused the error. First line of a multi-line response.
	Line string
	// Underlying error, e.g. one of the Err variables in this package, or io errors.
	Err error
}

// Response is a result for a single recipient, with the same fields as Error.
type Response Error

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// Opts influence behaviour of Client.
type Opts struct {
	// If set, authentication is done with AUTH PLAIN after the EHLO handshake.
	// Credentials go over the connection unprotected, only use on loopback or
	// private networks.
	AuthUser     string
	AuthPassword string
}

// New initializes an SMTP session on the given connection, returning a client
// that can be used to deliver messages.
//
// New reads the server greeting, identifies itself with EHLO (falling back to
// HELO), and optionally authenticates. If successful, a client is returned on
// which eventually Close must be called. Otherwise an error is returned and the
// caller is responsible for closing the connection.
func New(ctx context.Context, conn net.Conn, ehloHostname dns.Domain, opts Opts) (*Client, error) {
	c := &Client{
		conn:    conn,
		lastlog: time.Now(),
		cmds:    []string{"(none)"},
	}
	c.log = mlog.New("smtpclient").WithContext(ctx).Fields(mlog.Field("remote", conn.RemoteAddr().String()))
	c.r = bufio.NewReader(c.conn)
	c.w = bufio.NewWriter(timeoutWriter{c.conn, 30 * time.Second, c.log})

	if err := c.hello(ctx, ehloHostname, opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) xbotchf(code int, secode string, line string, format string, args ...any) {
	panic(c.botchf(code, secode, line, format, args...))
}

// botchf generates a temporary error and marks the client as botched, e.g. for
// i/o errors or invalid protocol messages.
func (c *Client) botchf(code int, secode string, line string, format string, args ...any) error {
	c.botched = true
	return c.errorf(false, code, secode, line, format, args...)
}

func (c *Client) errorf(permanent bool, code int, secode, line string, format string, args ...any) error {
	var cmd string
	if len(c.cmds) > 0 {
		cmd = c.cmds[0]
	}
	return Error{permanent, code, secode, cmd, line, fmt.Errorf(format, args...)}
}

func (c *Client) xerrorf(permanent bool, code int, secode, line string, format string, args ...any) {
	panic(c.errorf(permanent, code, secode, line, format, args...))
}

// timeoutWriter passes each Write on to conn after setting a write deadline.
type timeoutWriter struct {
	conn    net.Conn
	timeout time.Duration
	log     *mlog.Log
}

func (w timeoutWriter) Write(buf []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		w.log.Errorx("setting write deadline", err)
	}
	return w.conn.Write(buf)
}

func (c *Client) readline() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
		c.log.Errorx("setting read deadline", err)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			err = io.ErrUnexpectedEOF
		}
		return line, c.botchf(0, "", "", "%s: %w", strings.Join(c.cmds, ","), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Client) xwritelinef(format string, args ...any) {
	c.xbwritelinef(format, args...)
	c.xflush()
}

func (c *Client) xwriteline(line string) {
	c.xbwriteline(line)
	c.xflush()
}

func (c *Client) xbwritelinef(format string, args ...any) {
	c.xbwriteline(fmt.Sprintf(format, args...))
}

func (c *Client) xbwriteline(line string) {
	_, err := fmt.Fprintf(c.w, "%s\r\n", line)
	if err != nil {
		c.xbotchf(0, "", "", "write: %w", err)
	}
}

func (c *Client) xflush() {
	err := c.w.Flush()
	if err != nil {
		c.xbotchf(0, "", "", "writes: %w", err)
	}
}

// read response, possibly multiline, with extended codes based on what the
// remote announced.
func (c *Client) xread() (code int, secode, lastLine string) {
	var err error
	code, secode, lastLine, err = c.read()
	if err != nil {
		panic(err)
	}
	return
}

func (c *Client) read() (code int, secode, lastLine string, rerr error) {
	code, secode, _, lastLine, rerr = c.readecode(c.extEcodes)
	return
}

// read response, possibly multiline.
// if ecodes, extended codes are parsed.
func (c *Client) readecode(ecodes bool) (code int, secode, lastText, lastLine string, rerr error) {
	for {
		co, sec, text, line, last, err := c.read1(ecodes)
		if err != nil {
			rerr = err
			return
		}
		if code != 0 && co != code {
			err := c.botchf(0, "", line, "%w: multiline response with different codes, previous %d, last %d", ErrProtocol, code, co)
			return 0, "", "", "", err
		}
		code = co
		if last {
			if code != smtp.C334ContinueAuth {
				cmd := ""
				if len(c.cmds) > 0 {
					cmd = c.cmds[0]
					// We only keep the last, so we're not creating new slices all the time.
					if len(c.cmds) > 1 {
						c.cmds = c.cmds[1:]
					}
				}
				metricCommands.WithLabelValues(cmd, fmt.Sprintf("%d", co), sec).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
				c.log.Debug("smtpclient command result", mlog.Field("cmd", cmd), mlog.Field("code", co), mlog.Field("secode", sec), mlog.Field("duration", time.Since(c.cmdStart)))
			}
			return co, sec, text, line, nil
		}
	}
}

func (c *Client) xreadecode(ecodes bool) (code int, secode, lastText, lastLine string) {
	var err error
	code, secode, lastText, lastLine, err = c.readecode(ecodes)
	if err != nil {
		panic(err)
	}
	return
}

// read single response line.
// if ecodes, extended codes are parsed.
func (c *Client) read1(ecodes bool) (code int, secode, text, line string, last bool, rerr error) {
	line, rerr = c.readline()
	if rerr != nil {
		return
	}
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		rerr = c.botchf(0, "", line, "%w: expected response code: %s", ErrProtocol, line)
		return
	}
	v, err := strconv.ParseInt(line[:i], 10, 32)
	if err != nil {
		rerr = c.botchf(0, "", line, "%w: bad response code (%s): %s", ErrProtocol, err, line)
		return
	}
	code = int(v)
	major := code / 100
	s := line[3:]
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, " ") {
		last = s[0] == ' '
		s = s[1:]
	} else if s == "" {
		// Allow missing space after the code.
		last = true
	} else {
		rerr = c.botchf(0, "", line, "%w: expected space or dash after response code: %s", ErrProtocol, line)
		return
	}

	if ecodes {
		secode, s = parseEcode(major, s)
	}

	return code, secode, s, line, last, nil
}

func parseEcode(major int, s string) (secode string, remain string) {
	o := 0
	bad := false
	take := func(need bool, a, b byte) bool {
		if !bad && o < len(s) && s[o] >= a && s[o] <= b {
			o++
			return true
		}
		bad = bad || need
		return false
	}
	digit := func(need bool) bool {
		return take(need, '0', '9')
	}
	dot := func() bool {
		return take(true, '.', '.')
	}

	digit(true)
	dot()
	xo := o
	digit(true)
	for digit(false) {
	}
	dot()
	digit(true)
	for digit(false) {
	}
	secode = s[xo:o]
	take(false, ' ', ' ')
	if bad || int(s[0])-int('0') != major {
		return "", s
	}
	return secode, s[o:]
}

func (c *Client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(Error)
	if !ok {
		metrics.PanicInc("smtpclient")
		panic(x)
	}
	*rerr = cerr
}

func (c *Client) hello(ctx context.Context, ehloHostname dns.Domain, opts Opts) (rerr error) {
	defer c.recover(&rerr)

	// Read greeting.
	c.cmds = []string{"(greeting)"}
	c.cmdStart = time.Now()
	code, _, _, line, err := c.readecode(false)
	if err != nil {
		return err
	}
	if code != smtp.C220ServiceReady {
		c.xerrorf(code/100 == 5, code, "", line, "%w: expected 220, got %d", ErrStatus, code)
	}
	_, c.remoteHelo, _ = strings.Cut(line, " ")

	// Write EHLO and parse the extension list, falling back to HELO if the server
	// claims not to know EHLO.
	c.cmds[0] = "ehlo"
	c.cmdStart = time.Now()
	c.xwritelinef("EHLO %s", ehloHostname.ASCII)
	ehloOK := true
	for first := true; ; first = false {
		co, _, text, xline, last, err := c.read1(false)
		if err != nil {
			return err
		}
		line = xline
		if first {
			switch co {
			case smtp.C500BadSyntax:
				c.cmds[0] = "helo"
				c.cmdStart = time.Now()
				c.xwritelinef("HELO %s", ehloHostname.ASCII)
				co, _, _, xline = c.xreadecode(false)
				if co != smtp.C250Completed {
					c.xerrorf(co/100 == 5, co, "", xline, "%w: expected 250 to HELO, got %d", ErrStatus, co)
				}
				ehloOK = false
			case smtp.C250Completed:
			default:
				c.xerrorf(co/100 == 5, co, "", xline, "%w: expected 250 to EHLO, got %d", ErrStatus, co)
			}
			if !ehloOK {
				break
			}
			if last {
				break
			}
			continue
		}
		s := strings.ToUpper(strings.TrimSpace(text))
		switch {
		case s == "ENHANCEDSTATUSCODES":
			c.extEcodes = true
		case s == "8BITMIME":
			c.ext8bitmime = true
		case s == "PIPELINING":
			c.extPipelining = true
		case s == "SMTPUTF8" || strings.HasPrefix(s, "SMTPUTF8 "):
			c.extSMTPUTF8 = true
		case strings.HasPrefix(s, "SIZE"):
			c.extSize = true
			if v, err := strconv.ParseInt(strings.TrimSpace(s[len("SIZE"):]), 10, 64); err == nil {
				c.maxSize = v
			}
		case strings.HasPrefix(s, "AUTH "):
			for _, m := range strings.Split(s[len("AUTH "):], " ") {
				if m == "PLAIN" {
					c.extAuthPlain = true
				}
			}
		}
		if last {
			break
		}
	}

	if opts.AuthUser != "" {
		if !c.extAuthPlain {
			c.xerrorf(true, 0, "", "", "%w", ErrAuthUnsupported)
		}
		c.cmds[0] = "auth"
		c.cmdStart = time.Now()
		plain := base64.StdEncoding.EncodeToString([]byte("\x00" + opts.AuthUser + "\x00" + opts.AuthPassword))
		c.xwritelinef("AUTH PLAIN %s", plain)
		code, secode, line := c.xread()
		if code != smtp.C235AuthSuccess {
			c.xerrorf(code/100 == 5, code, secode, line, "%w: authentication got %d, expected 235", ErrStatus, code)
		}
	}
	return nil
}

// Supports8BITMIME returns whether the SMTP server supports the 8BITMIME
// extension, needed for messages with non-ASCII bytes in the body.
func (c *Client) Supports8BITMIME() bool {
	return c.ext8bitmime
}

// SupportsSMTPUTF8 returns whether the SMTP server supports the SMTPUTF8
// extension, needed for messages with non-ASCII UTF-8 in message headers or
// SMTP addresses.
func (c *Client) SupportsSMTPUTF8() bool {
	return c.extSMTPUTF8
}

// MaxSize returns the announced maximum message size, or 0 when the remote did
// not announce one.
func (c *Client) MaxSize() int64 {
	if c.extSize {
		return c.maxSize
	}
	return 0
}

// Deliver attempts to deliver a message to one recipient on the SMTP server.
//
// mailFrom must be an email address, or empty in case of a delivery status
// notification. rcptTo must be an email address.
//
// Returned errors can be of type Error, one of the Err-variables in this
// package or other underlying errors, e.g. for i/o. Use errors.Is to check.
func (c *Client) Deliver(ctx context.Context, mailFrom string, rcptTo string, msgSize int64, msg io.Reader, req8bitmime, reqSMTPUTF8 bool) (rerr error) {
	_, err := c.DeliverMultiple(ctx, mailFrom, []string{rcptTo}, msgSize, msg, req8bitmime, reqSMTPUTF8)
	return err
}

var errNoRecipientsPipelined = errors.New("no recipients accepted in pipelined transaction")
var errNoRecipients = errors.New("no recipients accepted in transaction")

// DeliverMultiple is like Deliver, but attempts to deliver a message to
// multiple recipients. Errors about the entire transaction, such as i/o errors
// or error responses to the MAIL FROM or DATA commands, are returned by a
// non-nil rerr. If rcptTo has a single recipient, an error to the RCPT TO
// command is returned in rerr instead of rcptResps. Otherwise, the SMTP
// response for each recipient is returned in rcptResps.
//
// Recipient response code 452 means the remote will not take more recipients
// for this transaction, another transaction can be attempted immediately
// after. Code 552 must be treated the same for historic reasons.
func (c *Client) DeliverMultiple(ctx context.Context, mailFrom string, rcptTo []string, msgSize int64, msg io.Reader, req8bitmime, reqSMTPUTF8 bool) (rcptResps []Response, rerr error) {
	defer c.recover(&rerr)

	if len(rcptTo) == 0 {
		return nil, fmt.Errorf("need at least one recipient")
	}

	if c.conn == nil {
		return nil, ErrClosed
	} else if c.botched {
		return nil, ErrBotched
	} else if c.needRset {
		if err := c.Reset(); err != nil {
			return nil, err
		}
	}

	if !c.ext8bitmime && req8bitmime {
		c.xerrorf(true, 0, "", "", "%w", Err8bitmimeUnsupported)
	}
	if !c.extSMTPUTF8 && reqSMTPUTF8 {
		c.xerrorf(false, 0, "", "", "%w", ErrSMTPUTF8Unsupported)
	}

	// Max size enforced only when the remote announced a non-zero limit.
	if c.extSize && c.maxSize > 0 && msgSize > c.maxSize {
		c.xerrorf(true, 0, "", "", "%w: message is %d bytes, remote has a %d bytes maximum size", ErrSize, msgSize, c.maxSize)
	}

	var mailSize, bodyType string
	if c.extSize {
		mailSize = fmt.Sprintf(" SIZE=%d", msgSize)
	}
	if c.ext8bitmime {
		if req8bitmime {
			bodyType = " BODY=8BITMIME"
		} else {
			bodyType = " BODY=7BIT"
		}
	}
	var smtputf8Arg string
	if reqSMTPUTF8 {
		smtputf8Arg = " SMTPUTF8"
	}

	lineMailFrom := fmt.Sprintf("MAIL FROM:<%s>%s%s%s", mailFrom, mailSize, bodyType, smtputf8Arg)

	// We are going into a transaction. We'll clear this when done.
	c.needRset = true

	if c.extPipelining {
		c.cmds = make([]string, 1+len(rcptTo)+1)
		c.cmds[0] = "mailfrom"
		for i := range rcptTo {
			c.cmds[1+i] = "rcptto"
		}
		c.cmds[len(c.cmds)-1] = "data"
		c.cmdStart = time.Now()

		// Write and read in separate goroutines. Otherwise, writing a large recipient
		// list could block when a server doesn't read more commands before we read
		// their response.
		errc := make(chan error, 1)
		// Make sure we don't return before we're done writing to the connection.
		defer func() {
			if errc != nil {
				<-errc
			}
		}()
		go func() {
			var b bytes.Buffer
			b.WriteString(lineMailFrom)
			b.WriteString("\r\n")
			for _, rcpt := range rcptTo {
				b.WriteString("RCPT TO:<")
				b.WriteString(rcpt)
				b.WriteString(">\r\n")
			}
			b.WriteString("DATA\r\n")
			_, err := c.w.Write(b.Bytes())
			if err == nil {
				err = c.w.Flush()
			}
			errc <- err
		}()

		// Read response to MAIL FROM.
		mfcode, mfsecode, mfline := c.xread()

		// We read the response to RCPT TOs and DATA without panic on read error.
		// Servers may be aborting the connection after a failed MAIL FROM, e.g. when
		// they have blocklisted our IP. We don't want the read for the response to
		// RCPT TO to cause a read error as it would result in an unhelpful error
		// message and a temporary instead of permanent error code.

		// Read responses to RCPT TO.
		rcptResps = make([]Response, len(rcptTo))
		nok := 0
		for i := range rcptTo {
			code, secode, line, err := c.read()
			// 552 should be treated as temporary historically.
			permanent := code/100 == 5 && code != smtp.C552MailboxFull
			rcptResps[i] = Response{permanent, code, secode, "rcptto", line, err}
			if code == smtp.C250Completed {
				nok++
			}
		}

		// Read response to DATA.
		datacode, datasecode, dataline, dataerr := c.read()

		writeerr := <-errc
		errc = nil

		// If MAIL FROM failed, it's an error for the entire transaction. We may have
		// been blocked.
		if mfcode != smtp.C250Completed {
			if writeerr != nil || dataerr != nil {
				c.botched = true
			}
			c.xerrorf(mfcode/100 == 5, mfcode, mfsecode, mfline, "%w: got %d, expected 2xx", ErrStatus, mfcode)
		}

		// If there was an i/o error writing the commands, there is no point continuing.
		if writeerr != nil {
			c.xbotchf(0, "", "", "writing pipelined mail/rcpt/data: %w", writeerr)
		}

		// If remote closed the connection before writing a DATA response, and the
		// RCPT TO's failed, use the last response for a rcptto as result.
		if dataerr != nil && errors.Is(dataerr, io.ErrUnexpectedEOF) && nok == 0 {
			c.botched = true
			r := rcptResps[len(rcptResps)-1]
			c.xerrorf(r.Permanent, r.Code, r.Secode, r.Line, "%w: server closed connection just before responding to data command", ErrStatus)
		}

		// If the data command had an i/o or protocol error, it's also a failure for
		// the entire transaction.
		if dataerr != nil {
			panic(dataerr)
		}

		// If we didn't have any successful recipient, there is no point in continuing.
		if nok == 0 {
			// Servers may return success for a DATA without valid recipients. Write a dot
			// to end DATA and restore the connection to a known state.
			if datacode == smtp.C354Continue {
				_, doterr := fmt.Fprintf(c.w, ".\r\n")
				if doterr == nil {
					doterr = c.w.Flush()
				}
				if doterr == nil {
					_, _, _, doterr = c.read()
				}
				if doterr != nil {
					c.botched = true
				}
			}

			if len(rcptTo) == 1 {
				panic(Error(rcptResps[0]))
			}
			c.xerrorf(false, 0, "", "", "%w", errNoRecipientsPipelined)
		}

		if datacode != smtp.C354Continue {
			c.xerrorf(datacode/100 == 5, datacode, datasecode, dataline, "%w: got %d, expected 354", ErrStatus, datacode)
		}

	} else {
		c.cmds[0] = "mailfrom"
		c.cmdStart = time.Now()
		c.xwriteline(lineMailFrom)
		code, secode, line := c.xread()
		if code != smtp.C250Completed {
			c.xerrorf(code/100 == 5, code, secode, line, "%w: got %d, expected 2xx", ErrStatus, code)
		}

		rcptResps = make([]Response, len(rcptTo))
		nok := 0
		for i, rcpt := range rcptTo {
			c.cmds[0] = "rcptto"
			c.cmdStart = time.Now()
			c.xwriteline(fmt.Sprintf("RCPT TO:<%s>", rcpt))
			code, secode, line = c.xread()
			if i > 0 && (code == smtp.C452StorageFull || code == smtp.C552MailboxFull) {
				// Remote doesn't accept more recipients for this transaction. Don't send
				// more, give remaining recipients the same error result.
				for j := i; j < len(rcptTo); j++ {
					rcptResps[j] = Response{false, code, secode, "rcptto", line, fmt.Errorf("no more recipients accepted in transaction")}
				}
				break
			}
			var err error
			if code == smtp.C250Completed {
				nok++
			} else {
				err = fmt.Errorf("%w: got %d, expected 2xx", ErrStatus, code)
			}
			rcptResps[i] = Response{code/100 == 5, code, secode, "rcptto", line, err}
		}

		if nok == 0 {
			if len(rcptTo) == 1 {
				panic(Error(rcptResps[0]))
			}
			c.xerrorf(false, 0, "", "", "%w", errNoRecipients)
		}

		c.cmds[0] = "data"
		c.cmdStart = time.Now()
		c.xwriteline("DATA")
		code, secode, line = c.xread()
		if code != smtp.C354Continue {
			c.xerrorf(code/100 == 5, code, secode, line, "%w: got %d, expected 354", ErrStatus, code)
		}
	}

	err := smtp.DataWrite(c.w, msg)
	if err != nil {
		c.xbotchf(0, "", "", "writing message as smtp data: %w", err)
	}
	c.xflush()
	code, secode, line := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, line, "%w: got %d, expected 2xx", ErrStatus, code)
	}

	c.needRset = false
	return
}

// Reset sends an SMTP RSET command to reset the message transaction state.
// Deliver automatically sends it if needed.
func (c *Client) Reset() (rerr error) {
	if c.conn == nil {
		return ErrClosed
	} else if c.botched {
		return ErrBotched
	}

	defer c.recover(&rerr)

	c.cmds[0] = "rset"
	c.cmdStart = time.Now()
	c.xwriteline("RSET")
	code, secode, line := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, line, "%w: got %d, expected 2xx", ErrStatus, code)
	}
	c.needRset = false
	return
}

// Botched returns whether this connection is botched, e.g. a protocol error
// occurred and the connection is in unknown state, and cannot be used for
// message delivery.
func (c *Client) Botched() bool {
	return c.botched || c.conn == nil
}

// Close cleans up the client, closing the underlying connection.
//
// If the connection is initialized and not botched, a QUIT command is sent and
// the response read with a short timeout before closing the underlying
// connection.
//
// Close returns any error encountered during QUIT and closing.
func (c *Client) Close() (rerr error) {
	if c.conn == nil {
		return ErrClosed
	}

	defer c.recover(&rerr)

	if !c.botched {
		c.cmds[0] = "quit"
		c.cmdStart = time.Now()
		c.xwriteline("QUIT")
		if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			c.log.Infox("setting read deadline for reading quit response", err)
		} else if _, err := c.r.ReadString('\n'); err != nil {
			rerr = fmt.Errorf("reading response to quit command: %v", err)
			c.log.Debugx("reading quit response", err)
		}
	}

	err := c.conn.Close()
	c.conn = nil
	if rerr == nil {
		rerr = err
	}
	return
}
