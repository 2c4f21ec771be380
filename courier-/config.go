// Package courier provides functions dealing with the courier process:
// configuration loading, lifecycle contexts and correlation ids. It is the
// moving parts every other package relies on.
package courier

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mjl-/sconf"

	"github.com/courier-mta/courier/config"
	"github.com/courier-mta/courier/mlog"
)

var xlog = mlog.New("courier")

// ConfigStaticPath is the path to courier.conf, set by the cli.
var ConfigStaticPath string

// Conf holds the parsed configuration.
var Conf = Config{}

// Config is the currently active configuration, with helpers for the log
// levels that can be adjusted at runtime.
type Config struct {
	Static config.Static

	logMutex sync.Mutex
	Log      map[string]mlog.Level
}

// LogLevelSet sets a new log level for pkg. An empty pkg sets the default.
func (c *Config) LogLevelSet(pkg string, level mlog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	nl := map[string]mlog.Level{}
	for k, v := range c.Log {
		nl[k] = v
	}
	nl[pkg] = level
	c.Log = nl
	mlog.SetConfig(nl)
}

// ConfigDirPath returns the path to f. Either f itself when absolute, or
// interpreted relative to the directory of the current config file.
func ConfigDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(ConfigStaticPath), f)
}

// DataDirPath returns the path to f under the data directory, which is itself
// interpreted relative to the directory of the config file.
func DataDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(ConfigDirPath(Conf.Static.DataDir), f)
}

// LoadConfig parses the config file at ConfigStaticPath into Conf and applies
// the log levels. Called before starting workers and by "config test".
func LoadConfig() error {
	f, err := os.Open(ConfigStaticPath)
	if err != nil {
		return fmt.Errorf("open config file: %v", err)
	}
	defer f.Close()
	var static config.Static
	if err := sconf.Parse(f, &static); err != nil {
		return fmt.Errorf("parsing %s: %v", ConfigStaticPath, err)
	}
	if err := prepareStatic(&static); err != nil {
		return err
	}

	Conf.Static = static
	levels := map[string]mlog.Level{}
	defLevel, ok := mlog.Levels[static.LogLevel]
	if !ok {
		return fmt.Errorf("unknown log level %q", static.LogLevel)
	}
	levels[""] = defLevel
	for pkg, s := range static.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			return fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		levels[pkg] = level
	}
	Conf.logMutex.Lock()
	Conf.Log = levels
	Conf.logMutex.Unlock()
	mlog.SetConfig(levels)
	return nil
}

// prepareStatic validates the parsed config and fills in defaults.
func prepareStatic(static *config.Static) error {
	if static.DataDir == "" {
		return fmt.Errorf("DataDir must be set")
	}
	if static.Hostname == "" {
		return fmt.Errorf("Hostname must be set")
	}
	if static.Redis.Address == "" {
		return fmt.Errorf("Redis Address must be set")
	}
	if static.Redis.Prefix == "" {
		static.Redis.Prefix = "courier"
	}
	if static.Redis.VisibilityTimeout == 0 {
		static.Redis.VisibilityTimeout = 5 * time.Minute
	}
	if static.Relay.EHLOHostname == "" {
		static.Relay.EHLOHostname = static.Hostname
	}
	if static.Limits.MaxBatchSize <= 0 {
		static.Limits.MaxBatchSize = 100
	}
	if static.Limits.MaxRecipientsPerBatch <= 0 {
		static.Limits.MaxRecipientsPerBatch = 50
	}
	if static.Retry.MaxAttempts <= 0 {
		static.Retry.MaxAttempts = 5
	}
	if static.RejectedRetentionDays <= 0 {
		static.RejectedRetentionDays = 7
	}
	for _, role := range static.Roles {
		switch role {
		case "dispatch", "deliver", "intake", "reconcile", "jobs":
		default:
			return fmt.Errorf("unknown role %q", role)
		}
	}
	return nil
}

// HasRole returns whether this process should run the named worker. An empty
// Roles config runs everything.
func HasRole(name string) bool {
	if len(Conf.Static.Roles) == 0 {
		return true
	}
	for _, r := range Conf.Static.Roles {
		if r == name {
			return true
		}
	}
	return false
}
