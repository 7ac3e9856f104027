// Package scope decides which hosts a scan is authorized to touch. The tool
// server keeps its own scope via add_to_scope; this is the engine-side check
// so an off-target request is refused before it ever reaches a tool.
package scope

import (
	"fmt"
	"net/url"

	"github.com/jpillora/go-tld"
	"github.com/rs/zerolog/log"
)

// Rule controls how strictly a host entry matches.
type Rule string

const (
	// RuleStrict matches the exact host only.
	RuleStrict Rule = "strict"
	// RuleWWW matches the host and its www. variant.
	RuleWWW Rule = "www"
	// RuleSubdomains matches the host and every subdomain of it.
	RuleSubdomains Rule = "subdomains"
)

type hostEntry struct {
	host string
	rule Rule
}

// Scope is a set of authorized hosts. The zero value is an empty scope that
// matches nothing.
type Scope struct {
	entries []hostEntry
}

// Add authorizes a host under the given matching rule.
func (s *Scope) Add(host string, rule Rule) {
	s.entries = append(s.entries, hostEntry{host: host, rule: rule})
}

// AddURL authorizes the host of a URL. Unparseable URLs are skipped.
func (s *Scope) AddURL(rawURL string, rule Rule) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		log.Error().Err(err).Str("url", rawURL).Msg("Cannot derive scope host from URL")
		return
	}
	s.Add(u.Hostname(), rule)
}

// FromTarget builds a scope covering the scan target and its subdomains.
func FromTarget(target string) *Scope {
	s := &Scope{}
	s.AddURL(target, RuleSubdomains)
	return s
}

// IsInScope reports whether a URL's host is covered by the scope.
func (s *Scope) IsInScope(rawURL string) bool {
	u, err := tld.Parse(rawURL)
	if err != nil {
		log.Error().Err(err).Str("url", rawURL).Msg("Cannot parse URL for scope check")
		return false
	}
	registrable := fmt.Sprintf("%s.%s", u.Domain, u.TLD)
	host := u.Hostname()

	for _, entry := range s.entries {
		switch entry.rule {
		case RuleSubdomains:
			if entry.host == host || entry.host == registrable {
				return true
			}
		case RuleWWW:
			if entry.host == host || entry.host == u.Host || "www."+entry.host == host {
				return true
			}
		default:
			if entry.host == host {
				return true
			}
		}
	}
	return false
}
