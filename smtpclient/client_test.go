package smtpclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/courier-mta/courier/dns"
	"github.com/courier-mta/courier/mlog"
)

var localhost = dns.Domain{ASCII: "localhost"}

func TestClient(t *testing.T) {
	ctx := context.Background()
	log := mlog.New("smtpclient")

	type options struct {
		// Server behaviour.
		pipelining   bool
		ecodes       bool
		maxSize      int
		eightbitmime bool
		smtputf8     bool
		ehlo         bool
		authPlain    bool

		nodeliver bool // For server, whether client will attempt a delivery.

		// Client behaviour.
		opts         Opts
		need8bitmime bool
		needsmtputf8 bool
		recipients   []string   // If nil, mjl@example.com is used.
		resps        []Response // Checked only if non-nil.
	}

	cleanupResp := func(resps []Response) []Response {
		for i, r := range resps {
			resps[i] = Response{Code: r.Code, Secode: r.Secode}
		}
		return resps
	}

	msg := strings.ReplaceAll(`From: <postmaster@example.com>
To: <mjl@example.com>
Subject: test

test
`, "\n", "\r\n")

	test := func(msg string, opts options, expClientErr, expDeliverErr, expServerErr error) {
		t.Helper()

		clientConn, serverConn := net.Pipe()
		defer serverConn.Close()

		result := make(chan error, 2)

		go func() {
			defer func() {
				x := recover()
				if x != nil && x != "stop" {
					panic(x)
				}
			}()
			fail := func(format string, args ...any) {
				err := fmt.Errorf("server: %w", fmt.Errorf(format, args...))
				log.Errorx("failure", err)
				if err != nil && expServerErr != nil && (errors.Is(err, expServerErr) || errors.As(err, reflect.New(reflect.ValueOf(expServerErr).Type()).Interface())) {
					err = nil
				}
				result <- err
				panic("stop")
			}

			br := bufio.NewReader(serverConn)
			readline := func(prefix string) string {
				s, err := br.ReadString('\n')
				if err != nil {
					fail("expected command: %v", err)
				}
				if !strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix)) {
					fail("expected command %q, got: %s", prefix, s)
				}
				s = s[len(prefix):]
				return strings.TrimSuffix(s, "\r\n")
			}
			writeline := func(s string) {
				fmt.Fprintf(serverConn, "%s\r\n", s)
			}

			writeline("220 courier.example ESMTP test")

			if !opts.ehlo {
				readline("EHLO")
				// Client will try again with HELO.
				writeline("500 bad syntax")
				readline("HELO")
				writeline("250 courier.example")
			} else {
				readline("EHLO")
				writeline("250-courier.example")
				if opts.pipelining {
					writeline("250-PIPELINING")
				}
				if opts.maxSize > 0 {
					writeline(fmt.Sprintf("250-SIZE %d", opts.maxSize))
				}
				if opts.ecodes {
					writeline("250-ENHANCEDSTATUSCODES")
				}
				if opts.eightbitmime {
					writeline("250-8BITMIME")
				}
				if opts.smtputf8 {
					writeline("250-SMTPUTF8")
				}
				if opts.authPlain {
					writeline("250-AUTH PLAIN LOGIN")
				}
				writeline("250 UNKNOWN") // To be ignored.
			}

			if opts.authPlain && opts.opts.AuthUser != "" {
				readline("AUTH PLAIN ")
				writeline("235 2.7.0 auth ok")
			}

			if expClientErr == nil && !opts.nodeliver {
				readline("MAIL FROM:")
				writeline("250 ok")
				n := len(opts.recipients)
				if n == 0 {
					n = 1
				}
				for i := 0; i < n; i++ {
					readline("RCPT TO:")
					resp := "250 ok"
					if opts.resps != nil && opts.resps[i].Code != 250 {
						resp = fmt.Sprintf("%d maybe", opts.resps[i].Code)
					}
					writeline(resp)
				}
				readline("DATA")
				writeline("354 continue")
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						fail("reading message: %v", err)
					}
					if line == ".\r\n" {
						break
					}
				}
				writeline("250 ok")

				readline("QUIT")
				writeline("221 ok")
			}

			result <- nil
		}()

		go func() {
			defer func() {
				x := recover()
				if x != nil && x != "stop" {
					panic(x)
				}
			}()
			fail := func(format string, args ...any) {
				err := fmt.Errorf("client: %w", fmt.Errorf(format, args...))
				log.Errorx("failure", err)
				result <- err
				panic("stop")
			}
			c, err := New(ctx, clientConn, localhost, opts.opts)
			if (err == nil) != (expClientErr == nil) || err != nil && !errors.Is(err, expClientErr) && !errors.As(err, reflect.New(reflect.ValueOf(expClientErr).Type()).Interface()) {
				fail("new client: got err %v, expected %#v", err, expClientErr)
			}
			if err != nil {
				result <- nil
				return
			}
			rcptTo := opts.recipients
			if len(rcptTo) == 0 {
				rcptTo = []string{"mjl@example.com"}
			}
			resps, err := c.DeliverMultiple(ctx, "postmaster@example.com", rcptTo, int64(len(msg)), strings.NewReader(msg), opts.need8bitmime, opts.needsmtputf8)
			if (err == nil) != (expDeliverErr == nil) || err != nil && !errors.Is(err, expDeliverErr) || opts.resps != nil && !reflect.DeepEqual(cleanupResp(resps), opts.resps) {
				fail("deliver: got err %v, expected %v, got resps %v, expected %v", err, expDeliverErr, resps, opts.resps)
			}
			if err == nil {
				err = c.Close()
				if err != nil {
					fail("close client: %v", err)
				}
			}
			result <- nil
		}()

		var errs []error
		for i := 0; i < 2; i++ {
			select {
			case err := <-result:
				if err != nil {
					errs = append(errs, err)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("test timed out")
			}
		}
		if errs != nil {
			t.Fatalf("%v", errs)
		}
	}

	test(msg, options{ehlo: true}, nil, nil, nil)
	test(msg, options{ehlo: true, pipelining: true, ecodes: true}, nil, nil, nil)
	test(msg, options{ehlo: true, eightbitmime: true, need8bitmime: true}, nil, nil, nil)
	test(msg, options{ehlo: true, smtputf8: true, needsmtputf8: true}, nil, nil, nil)
	test(msg, options{}, nil, nil, nil) // Plain old HELO.
	test(msg, options{ehlo: true, authPlain: true, opts: Opts{AuthUser: "agent", AuthPassword: "secret"}}, nil, nil, nil)

	// Message requires an extension the remote does not announce.
	test(msg, options{ehlo: true, need8bitmime: true, nodeliver: true}, nil, Err8bitmimeUnsupported, nil)
	test(msg, options{ehlo: true, needsmtputf8: true, nodeliver: true}, nil, ErrSMTPUTF8Unsupported, nil)

	// Auth configured but remote does not announce it.
	test(msg, options{ehlo: true, opts: Opts{AuthUser: "agent", AuthPassword: "secret"}, nodeliver: true}, ErrAuthUnsupported, nil, nil)

	// Message too large for the announced limit.
	test(msg, options{ehlo: true, maxSize: 1, nodeliver: true}, nil, ErrSize, nil)

	// Multiple recipients, mixed results, pipelined and not.
	multi := options{
		ehlo:       true,
		pipelining: true,
		ecodes:     true,
		recipients: []string{"mjl@example.com", "mjl2@example.com"},
		resps:      []Response{{Code: 250}, {Code: 550}},
	}
	test(msg, multi, nil, nil, nil)
	multi.pipelining = false
	test(msg, multi, nil, nil, nil)
}

func TestErrstatus(t *testing.T) {
	test := func(line string, expSecode string) {
		t.Helper()
		secode, _ := parseEcode(5, line[4:])
		if secode != expSecode {
			t.Fatalf("parsing %q: got secode %q, expected %q", line, secode, expSecode)
		}
	}

	test("550 5.7.1 not allowed", "7.1")
	test("550 5.321.456 unusual", "321.456")
	test("550 no enhanced code", "")
	test("550 4.7.1 major mismatch", "")
}
