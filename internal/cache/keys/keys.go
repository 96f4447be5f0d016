// Package keys builds the durable key/value namespace.
package keys

const (
	scraperPrefix = "cache:scraper:"

	WUKeyPool   = "cache:wu:key_pool"
	WUActiveKey = "cache:wu:active_key"

	RunLock  = "run:lock"
	RunAbort = "run:abort"
)

// Scraper returns the payload cache key for one (source, region) pair.
func Scraper(source, regionCode string) string {
	return scraperPrefix + source + ":" + regionCode
}

// ScraperPrefix is the namespace cleared by cache flush operations.
func ScraperPrefix() string { return scraperPrefix }
