// Package spamc is a client for the SpamAssassin spamd protocol, used to
// score inbound messages and optionally outgoing messages before dispatch.
//
// Only the CHECK command is implemented, courier needs the score and the
// verdict but not the rewritten message.
package spamc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/courier-mta/courier/mlog"
)

var xlog = mlog.New("spamc")

var ErrProtocol = errors.New("spamc: protocol error")

// Client checks messages against a spamd server.
type Client struct {
	addr    string
	timeout time.Duration
}

// New returns a client for the spamd at addr, e.g. localhost:783.
func New(addr string) *Client {
	return &Client{addr: addr, timeout: time.Minute}
}

// Result of a CHECK command.
type Result struct {
	IsSpam    bool
	Score     float64
	Threshold float64 // Required score as configured on the spamd.
}

// Check submits a message to spamd and returns its verdict.
func (c *Client) Check(ctx context.Context, msg []byte) (result Result, rerr error) {
	log := xlog.WithContext(ctx)
	start := time.Now()
	defer func() {
		log.Debugx("spamd check", rerr, mlog.Field("score", result.Score), mlog.Field("spam", result.IsSpam), mlog.Field("duration", time.Since(start)))
	}()

	d := net.Dialer{Timeout: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return Result{}, fmt.Errorf("dialing spamd: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if _, err := fmt.Fprintf(conn, "CHECK SPAMC/1.5\r\nContent-length: %d\r\n\r\n", len(msg)); err != nil {
		return Result{}, fmt.Errorf("writing check command: %w", err)
	}
	if _, err := conn.Write(msg); err != nil {
		return Result{}, fmt.Errorf("writing message: %w", err)
	}
	if cw, ok := conn.(*net.TCPConn); ok {
		cw.CloseWrite()
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		return Result{}, fmt.Errorf("reading spamd status line: %w", err)
	}
	if !strings.HasPrefix(status, "SPAMD/") {
		return Result{}, fmt.Errorf("%w: unexpected status line %q", ErrProtocol, status)
	}
	t := strings.Fields(status)
	if len(t) < 3 || t[1] != "0" {
		return Result{}, fmt.Errorf("%w: spamd error response %q", ErrProtocol, strings.TrimSpace(status))
	}

	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			break
		} else if err != nil {
			return Result{}, fmt.Errorf("reading spamd response header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(k, "Spam") {
			continue
		}
		// E.g. "True ; 6.2 / 5.0".
		verdict, scores, ok := strings.Cut(v, ";")
		if !ok {
			return Result{}, fmt.Errorf("%w: malformed spam header %q", ErrProtocol, line)
		}
		result.IsSpam = strings.EqualFold(strings.TrimSpace(verdict), "true") || strings.TrimSpace(verdict) == "Yes"
		scorestr, threshstr, ok := strings.Cut(scores, "/")
		if !ok {
			return Result{}, fmt.Errorf("%w: malformed spam header %q", ErrProtocol, line)
		}
		result.Score, err = strconv.ParseFloat(strings.TrimSpace(scorestr), 64)
		if err != nil {
			return Result{}, fmt.Errorf("%w: bad score in %q", ErrProtocol, line)
		}
		result.Threshold, err = strconv.ParseFloat(strings.TrimSpace(threshstr), 64)
		if err != nil {
			return Result{}, fmt.Errorf("%w: bad threshold in %q", ErrProtocol, line)
		}
		return result, nil
	}
	return Result{}, fmt.Errorf("%w: response without spam header", ErrProtocol)
}

// Ping checks the spamd connection.
func (c *Client) Ping(ctx context.Context) error {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing spamd: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := fmt.Fprintf(conn, "PING SPAMC/1.5\r\n\r\n"); err != nil {
		return fmt.Errorf("writing ping: %w", err)
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading pong: %w", err)
	}
	if !strings.Contains(status, "PONG") {
		return fmt.Errorf("%w: unexpected ping response %q", ErrProtocol, strings.TrimSpace(status))
	}
	return nil
}
