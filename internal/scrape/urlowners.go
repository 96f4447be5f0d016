package scrape

import (
	"strings"
	"sync"
)

// URLOwners maps canonical URL to the region that first claimed it within a
// run. A second region resolving to the same URL is refused so the target
// domain is never fetched twice for one page.
type URLOwners struct {
	mu sync.Mutex
	m  map[string]string
}

func NewURLOwners() *URLOwners {
	return &URLOwners{m: map[string]string{}}
}

func canonical(url string) string {
	url = strings.TrimSpace(strings.ToLower(url))
	return strings.TrimSuffix(url, "/")
}

// Claim registers regionCode as the owner of url. When the URL is already
// owned by a different region it returns that owner and false.
func (o *URLOwners) Claim(url, regionCode string) (string, bool) {
	key := canonical(url)
	o.mu.Lock()
	defer o.mu.Unlock()
	if owner, ok := o.m[key]; ok && owner != regionCode {
		return owner, false
	}
	o.m[key] = regionCode
	return regionCode, true
}

// Reset clears the map at run start.
func (o *URLOwners) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m = map[string]string{}
}
