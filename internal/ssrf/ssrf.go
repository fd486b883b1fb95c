// Package ssrf implements the connector framework's destination validator
// (spec §4.4): scheme/allow-list/private-IP checks, and the TOCTOU-
// resistant re-check a dialer must perform immediately before connecting.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/UAPK/gateway-core/internal/gwerr"
)

// Resolver resolves a hostname to its IP addresses. *net.Resolver satisfies
// this directly via LookupNetIP; tests substitute a fake to control DNS
// without touching the network.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ResolvedTarget is the outcome of a successful ValidateTarget call: the
// original URL, the single address chosen to dial, and the full resolved
// set (needed for the drift check immediately before dial).
type ResolvedTarget struct {
	URL       *url.URL
	ChosenIP  netip.Addr
	Family    string // "tcp4" or "tcp6"
	Resolved  []netip.Addr
	Hostname  string
}

// Config controls scheme and allow-list policy.
type Config struct {
	AllowHTTP        bool
	DefaultAllowList []string // used when a tool declares no allow_domains
}

// ValidateTarget implements spec §4.4 steps 1-4: parse, scheme check,
// allow-list match, DNS resolution and private-range rejection, then picks
// one resolved address.
func ValidateTarget(ctx context.Context, resolver Resolver, cfg Config, rawURL string, allowDomains []string) (*ResolvedTarget, *gwerr.Fault) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, gwerr.NewFault(gwerr.CodeSSRFScheme, fmt.Errorf("ssrf: parse url: %w", err))
	}
	if u.User != nil {
		return nil, gwerr.NewFault(gwerr.CodeSSRFScheme, fmt.Errorf("ssrf: embedded credentials not allowed"))
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !cfg.AllowHTTP {
			return nil, gwerr.NewFault(gwerr.CodeSSRFScheme, fmt.Errorf("ssrf: http scheme requires allow_http"))
		}
	default:
		return nil, gwerr.NewFault(gwerr.CodeSSRFScheme, fmt.Errorf("ssrf: unsupported scheme %q", u.Scheme))
	}

	hostname := u.Hostname()
	normalized, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		return nil, gwerr.NewFault(gwerr.CodeSSRFScheme, fmt.Errorf("ssrf: normalize hostname: %w", err))
	}

	effectiveAllow := allowDomains
	if len(effectiveAllow) == 0 {
		effectiveAllow = cfg.DefaultAllowList
	}
	if len(effectiveAllow) == 0 {
		return nil, gwerr.NewFault(gwerr.CodeSSRFAllowlist, fmt.Errorf("ssrf: no allow-list configured for host %q", normalized))
	}
	if !hostMatchesAny(normalized, effectiveAllow) {
		return nil, gwerr.NewFault(gwerr.CodeSSRFAllowlist, fmt.Errorf("ssrf: host %q not in allow-list", normalized))
	}

	if isLoopbackLabel(normalized) {
		return nil, gwerr.NewFault(gwerr.CodeSSRFPrivateIP, fmt.Errorf("ssrf: loopback hostname label %q", normalized))
	}

	addrs, err := resolver.LookupNetIP(ctx, "ip", normalized)
	if err != nil {
		return nil, gwerr.NewFault(gwerr.CodeConnNetwork, fmt.Errorf("ssrf: resolve %q: %w", normalized, err))
	}
	if len(addrs) == 0 {
		return nil, gwerr.NewFault(gwerr.CodeConnNetwork, fmt.Errorf("ssrf: no addresses for %q", normalized))
	}

	for _, a := range addrs {
		if isBlockedAddr(a) {
			return nil, gwerr.NewFault(gwerr.CodeSSRFPrivateIP, fmt.Errorf("ssrf: address %s for host %q is in a blocked range", a, normalized))
		}
	}

	chosen := addrs[0]
	family := "tcp4"
	if chosen.Is6() && !chosen.Is4In6() {
		family = "tcp6"
	}

	return &ResolvedTarget{
		URL:      u,
		ChosenIP: chosen,
		Family:   family,
		Resolved: addrs,
		Hostname: normalized,
	}, nil
}

// RecheckForDrift re-resolves target.Hostname and asserts every re-resolved
// address is in the set seen during ValidateTarget (a re-resolution that
// returns only some of those addresses passes), per the TOCTOU-resistant dial
// requirement in spec §4.4. Call this immediately before dial when the
// runtime cannot pin the dial to ChosenIP directly.
func RecheckForDrift(ctx context.Context, resolver Resolver, target *ResolvedTarget) *gwerr.Fault {
	addrs, err := resolver.LookupNetIP(ctx, "ip", target.Hostname)
	if err != nil {
		return gwerr.NewFault(gwerr.CodeConnNetwork, fmt.Errorf("ssrf: re-resolve %q: %w", target.Hostname, err))
	}
	for _, a := range addrs {
		if !containsAddr(target.Resolved, a) {
			return gwerr.NewFault(gwerr.CodeSSRFDNSDrift, fmt.Errorf("ssrf: address %s not in original resolved set for %q", a, target.Hostname))
		}
	}
	return nil
}

func containsAddr(set []netip.Addr, a netip.Addr) bool {
	for _, s := range set {
		if s == a {
			return true
		}
	}
	return false
}

func hostMatchesAny(host string, patterns []string) bool {
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		if strings.HasPrefix(p, "*.") {
			suffix := p[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) || host == suffix[1:] {
				return true
			}
			continue
		}
		if host == p {
			return true
		}
	}
	return false
}

func isLoopbackLabel(host string) bool {
	h := strings.ToLower(host)
	return h == "localhost" || strings.HasSuffix(h, ".localhost")
}

// blockedPrefixes are the ranges spec §4.4 step 3 names explicitly.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

func isBlockedAddr(a netip.Addr) bool {
	if a.IsUnspecified() || a.IsMulticast() {
		return true
	}
	unmapped := a.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(unmapped) {
			return true
		}
	}
	return false
}

// netResolver adapts *net.Resolver to the Resolver interface.
type netResolver struct {
	r *net.Resolver
}

// NewNetResolver wraps the standard library resolver (or a custom one, e.g.
// pointed at a specific nameserver) as a Resolver.
func NewNetResolver(r *net.Resolver) Resolver {
	if r == nil {
		r = net.DefaultResolver
	}
	return &netResolver{r: r}
}

func (n *netResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return n.r.LookupNetIP(ctx, network, host)
}
