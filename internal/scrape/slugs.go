package scrape

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// admin suffixes stripped during name normalization, longest first
var adminSuffixes = []string{
	"自治州", "自治县", "自治旗", "地区", "新区", "林区", "特区",
	"市", "县", "区", "盟", "旗", "州",
}

// NormalizeRegionName strips the longest matching administrative suffix.
func NormalizeRegionName(name string) string {
	name = strings.TrimSpace(name)
	for _, suf := range adminSuffixes {
		if strings.HasSuffix(name, suf) && len(name) > len(suf) {
			return strings.TrimSuffix(name, suf)
		}
	}
	return name
}

// Slugs resolves a region display name to the scraper's URL slug via a
// curated override table, a city index built once from the site's index
// page, and at most one conservative variant.
type Slugs struct {
	overrides     map[string]string
	cityLevelOnly bool

	mu    sync.Mutex
	index map[string]string
	built bool
}

func NewSlugs(overrides map[string]string, cityLevelOnly bool) *Slugs {
	norm := make(map[string]string, len(overrides))
	for k, v := range overrides {
		norm[NormalizeRegionName(k)] = v
	}
	return &Slugs{
		overrides:     norm,
		cityLevelOnly: cityLevelOnly,
		index:         map[string]string{},
	}
}

// BuildIndex fetches the site index page once and maps city names to slugs.
// Failures leave the index empty; resolution then relies on overrides.
func (s *Slugs) BuildIndex(ctx context.Context, client *http.Client, indexURL string) error {
	s.mu.Lock()
	if s.built || indexURL == "" {
		s.mu.Unlock()
		return nil
	}
	s.built = true
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, nil)
	if err != nil {
		return fmt.Errorf("index request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("index fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("index fetch: status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("index parse: %w", err)
	}

	found := map[string]string{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		name := strings.TrimSpace(sel.Text())
		slug := slugFromHref(href)
		if name == "" || slug == "" {
			return
		}
		key := NormalizeRegionName(name)
		if _, dup := found[key]; !dup {
			found[key] = slug
		}
	})

	s.mu.Lock()
	s.index = found
	s.mu.Unlock()
	return nil
}

// slugFromHref accepts "/beijing/" or "https://host/beijing/" shapes.
func slugFromHref(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if i := strings.Index(href, "://"); i >= 0 {
		rest := href[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			href = rest[j:]
		} else {
			return ""
		}
	}
	parts := strings.Split(strings.Trim(href, "/"), "/")
	if len(parts) != 1 {
		return ""
	}
	slug := parts[0]
	for _, r := range slug {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return ""
		}
	}
	return slug
}

// IsDistrict reports whether a region code denotes a district/county level
// unit: the last two digits of a six-digit code are non-zero.
func IsDistrict(code string) bool {
	if len(code) != 6 {
		return false
	}
	return code[4:] != "00"
}

// Resolve maps a region to its slug. Districts are skipped entirely when the
// resolver runs in city-level-only mode and no explicit override exists.
func (s *Slugs) Resolve(regionCode, name string) (string, bool) {
	key := NormalizeRegionName(name)

	if slug, ok := s.overrides[key]; ok {
		return slug, true
	}

	if s.cityLevelOnly && IsDistrict(regionCode) {
		return "", false
	}

	s.mu.Lock()
	slug, ok := s.index[key]
	s.mu.Unlock()
	if ok {
		return slug, true
	}

	// one conservative variant: the name itself when it is already a slug
	if v := slugFromHref("/" + strings.ToLower(key) + "/"); v != "" {
		return v, true
	}
	return "", false
}
