package store

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mjl-/bstore"
)

// AgentDirection tells which side of the pipeline an agent serves. An agent
// is either inbound or outbound, never both.
type AgentDirection string

const (
	AgentInbound  AgentDirection = "inbound"
	AgentOutbound AgentDirection = "outbound"
)

// Agent is a relay engine instance known to the orchestrator.
type Agent struct {
	ID        int64
	Name      string         `bstore:"nonzero,unique"` // Stable identity, typically the hostname.
	Direction AgentDirection `bstore:"nonzero"`
	Enabled   bool
	Priority  int            // Lower is preferred, MX-style, for inbound ordering.

	IPv4 string
	IPv6 string

	// Admin channel endpoint on the agent, for jobs and status probes.
	BaseURL string
	APIKey  string

	Created time.Time `bstore:"default now"`
}

// CheckAgent validates an agent record before save.
func CheckAgent(a Agent) error {
	if a.Name == "" {
		return fmt.Errorf("agent must have a name")
	}
	switch a.Direction {
	case AgentInbound, AgentOutbound:
	default:
		return fmt.Errorf("agent direction must be inbound or outbound, saw %q", a.Direction)
	}
	if a.IPv4 == "" && a.IPv6 == "" {
		return fmt.Errorf("agent must have at least one address")
	}
	if a.IPv4 != "" {
		ip := net.ParseIP(a.IPv4)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid agent ipv4 address %q", a.IPv4)
		}
	}
	if a.IPv6 != "" {
		ip := net.ParseIP(a.IPv6)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("invalid agent ipv6 address %q", a.IPv6)
		}
	}
	return nil
}

// SaveAgent validates and upserts an agent by name.
func SaveAgent(ctx context.Context, a Agent) error {
	if err := CheckAgent(a); err != nil {
		return err
	}
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Agent](tx)
		q.FilterNonzero(Agent{Name: a.Name})
		cur, err := q.Get()
		if err == bstore.ErrAbsent {
			return tx.Insert(&a)
		} else if err != nil {
			return err
		}
		a.ID = cur.ID
		a.Created = cur.Created
		return tx.Update(&a)
	})
}

// Agents returns enabled agents for a direction, most preferred first.
func Agents(ctx context.Context, direction AgentDirection) ([]Agent, error) {
	q := bstore.QueryDB[Agent](ctx, DB)
	q.FilterNonzero(Agent{Direction: direction})
	q.FilterEqual("Enabled", true)
	q.SortAsc("Priority", "Name")
	return q.List()
}

// IPBlocklist is a cached entry of the external IP blacklist. The intake
// agent consults an in-memory snapshot refreshed from these rows.
type IPBlocklist struct {
	ID      int64
	IP      string    `bstore:"nonzero,unique"` // Expanded form, as returned by net.IP.String.
	Blocked bool
	Reason  string
	Source  string    // Which blacklist feed produced the entry.
	Added   time.Time `bstore:"default now"`
}

// UpsertBlocklist records a blacklist verdict for an IP.
func UpsertBlocklist(ctx context.Context, e IPBlocklist) error {
	ip := net.ParseIP(e.IP)
	if ip == nil {
		return fmt.Errorf("invalid ip %q", e.IP)
	}
	e.IP = ip.String()
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[IPBlocklist](tx)
		q.FilterNonzero(IPBlocklist{IP: e.IP})
		cur, err := q.Get()
		if err == bstore.ErrAbsent {
			return tx.Insert(&e)
		} else if err != nil {
			return err
		}
		e.ID = cur.ID
		e.Added = cur.Added
		return tx.Update(&e)
	})
}

// BlockedIPs returns all currently blocked IPs.
func BlockedIPs(ctx context.Context) ([]IPBlocklist, error) {
	q := bstore.QueryDB[IPBlocklist](ctx, DB)
	q.FilterEqual("Blocked", true)
	return q.List()
}
