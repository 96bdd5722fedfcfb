// Package filter implements the allow/deny rule engine that authorizes
// SOCKS5 CONNECT requests. Rules match on destination address (CIDR for
// IPs, regex or wildcard for domain names), port and protocol; the rule
// list is ordered and the last matching entry wins.
package filter

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/opd-ai/gatekeeper/pkg/socks"
)

// dnsLabel is what a single '*' stands for in a wildcard pattern
const dnsLabel = `[A-Za-z0-9-]{1,63}`

// AddressMatcher matches the destination address of a request. It holds
// either a CIDR block (IP rules) or a compiled domain regex (domain
// rules). A domain request never matches an IP rule and vice versa; no
// name resolution happens during matching.
type AddressMatcher struct {
	cidr     *net.IPNet
	domain   *regexp.Regexp
	raw      string
	wildcard bool
}

// IPMatcher creates an address matcher from CIDR notation. A bare IP is
// accepted and treated as a full-length prefix.
func IPMatcher(cidr string) (*AddressMatcher, error) {
	spec := cidr
	if !strings.Contains(spec, "/") {
		ip := net.ParseIP(spec)
		if ip == nil {
			return nil, fmt.Errorf("filter: invalid IP %q", cidr)
		}
		if ip.To4() != nil {
			spec += "/32"
		} else {
			spec += "/128"
		}
	}
	_, ipnet, err := net.ParseCIDR(spec)
	if err != nil {
		return nil, fmt.Errorf("filter: invalid CIDR %q: %w", cidr, err)
	}
	return &AddressMatcher{cidr: ipnet, raw: cidr}, nil
}

// DomainPatternMatcher creates an address matcher from a regular
// expression. Patterns are used verbatim; authors anchor them themselves.
func DomainPatternMatcher(pattern string) (*AddressMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("filter: invalid domain pattern %q: %w", pattern, err)
	}
	return &AddressMatcher{domain: re, raw: pattern}, nil
}

// DomainWildcardMatcher creates an address matcher from a DNS wildcard
// pattern where each '*' stands for a single label.
func DomainWildcardMatcher(wildcard string) (*AddressMatcher, error) {
	re, err := CompileWildcard(wildcard)
	if err != nil {
		return nil, err
	}
	return &AddressMatcher{domain: re, raw: wildcard, wildcard: true}, nil
}

// CompileWildcard translates a wildcard domain into an anchored regex:
// the pattern is lowercased, dots (and all other metacharacters) are
// escaped, and each '*' becomes a single DNS label.
func CompileWildcard(wildcard string) (*regexp.Regexp, error) {
	if wildcard == "" {
		return nil, fmt.Errorf("filter: empty wildcard")
	}
	quoted := regexp.QuoteMeta(strings.ToLower(wildcard))
	expr := `\A` + strings.ReplaceAll(quoted, `\*`, dnsLabel) + `\z`
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("filter: invalid wildcard %q: %w", wildcard, err)
	}
	return re, nil
}

// Matches reports whether the destination address matches. The decision
// is made on the literal address type that arrived.
func (m *AddressMatcher) Matches(addr socks.Address) bool {
	if addr.IsDomain() {
		if m.domain == nil {
			return false
		}
		return m.domain.MatchString(strings.ToLower(addr.Domain()))
	}
	if m.cidr == nil {
		return false
	}
	return m.cidr.Contains(addr.IP())
}

// IsDomain reports whether this matcher targets domain names
func (m *AddressMatcher) IsDomain() bool {
	return m.domain != nil
}

// IsWildcard reports whether the matcher was compiled from a wildcard
func (m *AddressMatcher) IsWildcard() bool {
	return m.wildcard
}

// Raw returns the CIDR, pattern or wildcard the matcher was built from
func (m *AddressMatcher) Raw() string {
	return m.raw
}

// Matcher is the full match condition of a rule entry. A nil field
// matches anything.
type Matcher struct {
	Address  *AddressMatcher
	Port     *uint16
	Protocol *socks.Protocol
}

// Matches reports whether every populated field matches the request
func (m Matcher) Matches(req *socks.Request) bool {
	if m.Address != nil && !m.Address.Matches(req.Dest) {
		return false
	}
	if m.Port != nil && *m.Port != req.Port {
		return false
	}
	if m.Protocol != nil && *m.Protocol != req.Proto {
		return false
	}
	return true
}

// IsAny reports whether the matcher matches every request
func (m Matcher) IsAny() bool {
	return m.Address == nil && m.Port == nil && m.Protocol == nil
}
