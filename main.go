package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/sconf"

	"github.com/courier-mta/courier/config"
	"github.com/courier-mta/courier/courier-"
	"github.com/courier-mta/courier/couriervar"
	"github.com/courier-mta/courier/mlog"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"setadminpassword", cmdSetadminpassword},
	{"config test", cmdConfigTest},
	{"config describe-static", cmdConfigDescribeStatic},
	{"queue list", cmdQueueList},
	{"queue retry", cmdQueueRetry},
	{"queue cancel", cmdQueueCancel},
	{"queue resend", cmdQueueResend},
	{"incoming list", cmdIncomingList},
	{"job list", cmdJobList},
	{"job submit", cmdJobSubmit},
	{"job rerun", cmdJobRerun},
	{"agent list", cmdAgentList},
	{"blocklist list", cmdBlocklistList},
	{"blocklist add", cmdBlocklistAdd},
	{"blocklist rm", cmdBlocklistRemove},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log *mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("courier "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "courier " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	equal := func(a, b []string) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}
	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "courier " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd, partial bool) {
	var lines []string
	if !partial {
		lines = append(lines, "courier [-config config/courier.conf] ...")
	}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"courier"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string

func main() {
	log.SetFlags(0)

	flag.StringVar(&courier.ConfigStaticPath, "config", envString("COURIERCONF", filepath.FromSlash("config/courier.conf")), "configuration file, defaults to $COURIERCONF with a fallback to config/courier.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		courier.Conf.Log = map[string]mlog.Level{"": level}
		mlog.SetConfig(courier.Conf.Log)
		// note: SetConfig may be called again when subcommands load config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("courier "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""))
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func mustLoadConfig() {
	err := courier.LoadConfig()
	xcheckf(err, "loading config file %q", courier.ConfigStaticPath)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, the error encountered
is printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	fmt.Println("config OK")
}

func cmdConfigDescribeStatic(c *cmd) {
	c.params = ">courier.conf"
	c.help = `Prints an annotated empty configuration for use as courier.conf.

The configuration file cannot be reloaded while courier is running. Courier
has to be restarted for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdSetadminpassword(c *cmd) {
	c.help = `Set a new admin password, for the web interface.

The password is read from stdin. Its bcrypt hash is stored in a file named
"adminpasswd" in the configuration directory.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	path := courier.ConfigDirPath(courier.Conf.Static.AdminListener.AdminPasswordFile)
	if courier.Conf.Static.AdminListener.AdminPasswordFile == "" {
		path = courier.ConfigDirPath("adminpasswd")
	}

	pw := xreadpassword()
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	xcheckf(err, "generating hash for password")
	err = os.WriteFile(path, hash, 0660)
	xcheckf(err, "writing hash to admin password file")
	fmt.Printf("admin password hash written to %s\n", path)
}

func xreadpassword() string {
	fmt.Printf(`
Type new password. Password WILL echo.

WARNING: Bots will try to bruteforce your password. Use a random password of at
least 12 characters.

`)
	fmt.Printf("password: ")
	buf := make([]byte, 64)
	n, err := os.Stdin.Read(buf)
	xcheckf(err, "reading stdin")
	pw := strings.TrimSuffix(strings.TrimSuffix(string(buf[:n]), "\n"), "\r")
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	return pw
}

func cmdVersion(c *cmd) {
	c.help = "Prints this courier version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(couriervar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// confirm prompts for a y/n answer, for destructive admin commands.
func confirm(msg string) bool {
	fmt.Printf("%s [y/N] ", msg)
	r := bufio.NewReader(os.Stdin)
	line, err := r.ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}
