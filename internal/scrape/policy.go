package scrape

import (
	"net/url"
	"strings"
)

// Policy decides which domains the scrapers may contact.
type Policy struct {
	allowed map[string]struct{}
}

func NewPolicy(allowedDomains []string) *Policy {
	m := make(map[string]struct{}, len(allowedDomains))
	for _, d := range allowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			m[d] = struct{}{}
		}
	}
	return &Policy{allowed: m}
}

// Domain extracts the lowercase host of raw, empty on parse failure.
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Allowed reports whether domain passes both the allow-list and the
// government-domain block. Government sites are never scraped even when
// someone puts one on the allow-list.
func (p *Policy) Allowed(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	if IsGovDomain(domain) {
		return false
	}
	_, ok := p.allowed[domain]
	return ok
}

// IsGovDomain matches *gov* hosts, e.g. www.gov.cn, weather.gov, cma.gov.cn.
func IsGovDomain(domain string) bool {
	for _, label := range strings.Split(strings.ToLower(domain), ".") {
		if strings.Contains(label, "gov") {
			return true
		}
	}
	return false
}
