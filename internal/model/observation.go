package model

import "time"

// Observation holds channel-specific numeric fields produced by a source's
// normalize step. Every numeric field is a pointer: absent means unknown and
// is never conflated with zero.
type Observation struct {
	Channel Channel `json:"-"`

	Rain24h      *float64 `json:"rain_24h,omitempty"`
	Rain1h       *float64 `json:"rain_1h,omitempty"`
	Rain24hEst   *float64 `json:"rain_24h_est,omitempty"`
	Rain1hEst    *float64 `json:"rain_1h_est,omitempty"`
	Humidity     *float64 `json:"humidity,omitempty"`
	WindSpeed    *float64 `json:"wind_speed,omitempty"`
	WindGust     *float64 `json:"wind_gust,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	SoilMoisture *float64 `json:"soil_moisture,omitempty"`

	Slope         *float64 `json:"slope,omitempty"`
	FaultDistance *float64 `json:"fault_distance,omitempty"`
	LithologyRisk *float64 `json:"lithology_risk,omitempty"`
	Lithology     string   `json:"lithology,omitempty"`

	WeatherText     string `json:"weather_text,omitempty"`
	ReportTime      string `json:"report_time,omitempty"`
	DataMode        string `json:"data_mode,omitempty"`
	SourceNote      string `json:"source_note,omitempty"`
	DataQualityNote string `json:"data_quality_note,omitempty"`
}

// Float is a convenience constructor for optional numeric fields.
func Float(v float64) *float64 { return &v }

// SourceError is a typed, non-fatal failure of a single source fetch.
type SourceError struct {
	Kind       string `json:"error"`
	Message    string `json:"message,omitempty"`
	URL        string `json:"url,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	OwnerCode  string `json:"owner_code,omitempty"`
	RegionCode string `json:"region_code,omitempty"`
}

// Well-known source error kinds understood by the pipeline.
const (
	ErrDisabled         = "disabled"
	ErrDomainNotAllowed = "domain_not_allowed"
	ErrSlugNotFound     = "slug_not_found"
	ErrParseNoMetrics   = "html_parse_no_metrics"
	ErrURLCollision     = "url_collision"
	ErrRateLimited      = "rate_limited"
	ErrConnect          = "connect_error"
	ErrTimeout          = "timeout"
	ErrCancelled        = "cancelled"
	ErrAuthFailed       = "auth_failed"
	ErrKeyDiscovery     = "key_discovery_failed"
	ErrNoStationMapped  = "no_station_mapped"
	ErrParserCooldown   = "parser_cooldown"
)

// RawPayload is the opaque result of a fetch. All failures are encoded in Err;
// a fetch never raises through the orchestrator.
type RawPayload struct {
	Source     string         `json:"source"`
	RegionCode string         `json:"region_code"`
	FetchedAt  time.Time      `json:"fetched_at"`
	Err        *SourceError   `json:"error,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	RawText    string         `json:"raw_text,omitempty"`
	SourceURL  string         `json:"source_url,omitempty"`
	Simulated  bool           `json:"simulated,omitempty"`
	CacheHit   bool           `json:"cache_hit,omitempty"`
	StaleCache bool           `json:"stale_cache,omitempty"`
}

// OK reports whether the fetch produced usable data.
func (p RawPayload) OK() bool { return p.Err == nil }

// Num reads a numeric field from the payload bag, tolerating string encodings.
func (p RawPayload) Num(key string) *float64 {
	v, ok := p.Fields[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case float64:
		return Float(t)
	case int:
		return Float(float64(t))
	case int64:
		return Float(float64(t))
	}
	return nil
}

// Str reads a string field from the payload bag.
func (p RawPayload) Str(key string) string {
	if v, ok := p.Fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SourceStatus partitions a region's sources into per-channel successes and
// per-source errors.
type SourceStatus struct {
	Success   map[Channel][]string   `json:"success"`
	Errors    map[string]SourceError `json:"errors"`
	CacheHits []string               `json:"cache_hits,omitempty"`
}

// NewSourceStatus returns a status with both channels initialized so the JSON
// wire shape is stable even when a channel has no successes.
func NewSourceStatus() SourceStatus {
	return SourceStatus{
		Success: map[Channel][]string{
			ChannelMeteorology: {},
			ChannelGeology:     {},
		},
		Errors: map[string]SourceError{},
	}
}

// CollectionResult is the per-region aggregate produced by the orchestrator.
type CollectionResult struct {
	RegionCode   string                 `json:"region_code"`
	RegionName   string                 `json:"region_name"`
	Lat          *float64               `json:"lat,omitempty"`
	Lon          *float64               `json:"lon,omitempty"`
	Observations map[string]Observation `json:"observations"`
	Reliability  map[string]float64     `json:"reliability"`
	Status       SourceStatus           `json:"source_status"`
	HistoryCount int                    `json:"history_count"`
	LastEvent    *HistoryEvent          `json:"last_event,omitempty"`
	Previous     *Snapshot              `json:"previous,omitempty"`
}
