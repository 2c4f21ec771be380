package smtp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/courier-mta/courier/dns"
)

var ErrBadAddress = errors.New("invalid email address")

// Localpart is a decoded local part of an email address, before the "@".
// An empty string can be a valid localpart.
type Localpart string

// Address is a parsed email address.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain // Can be zero value for empty addresses.
}

// NewAddress returns an address with the parts joined.
func NewAddress(localpart Localpart, domain dns.Domain) Address {
	return Address{localpart, domain}
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack returns the address in string form, for use in SMTP commands.
func (a Address) Pack() string {
	if a.IsZero() {
		return ""
	}
	return string(a.Localpart) + "@" + a.Domain.ASCII
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return string(a.Localpart) + "@" + a.Domain.Name()
}

// ParseAddress parses an email address of the form localpart@domain. The
// domain is IDNA-canonicalized and lower-cased, the localpart is kept as is.
// Quoted-string localparts are not accepted, the mail app hands us plain
// addresses only.
func ParseAddress(s string) (Address, error) {
	t := strings.Split(s, "@")
	if len(t) != 2 || t[0] == "" || t[1] == "" {
		return Address{}, fmt.Errorf("%w: must be localpart@domain", ErrBadAddress)
	}
	if strings.ContainsAny(t[0], " \t\r\n\"\\,<>") {
		return Address{}, fmt.Errorf("%w: bad characters in localpart", ErrBadAddress)
	}
	d, err := dns.ParseDomain(t[1])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return Address{Localpart(t[0]), d}, nil
}
