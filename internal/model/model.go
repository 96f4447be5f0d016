// Package model defines core domain types shared across the engine.
package model

import "time"

// Level is a four-step risk level.
type Level string

const (
	LevelGreen  Level = "green"
	LevelYellow Level = "yellow"
	LevelOrange Level = "orange"
	LevelRed    Level = "red"
)

var levelRank = map[Level]int{
	LevelGreen:  0,
	LevelYellow: 1,
	LevelOrange: 2,
	LevelRed:    3,
}

func (l Level) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return 0
}

func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// ParseLevel returns the level for s, or green when s is unknown.
func ParseLevel(s string) Level {
	l := Level(s)
	if l.Valid() {
		return l
	}
	return LevelGreen
}

// LevelByRank is the inverse of Rank; out-of-range ranks clamp.
func LevelByRank(r int) Level {
	switch {
	case r <= 0:
		return LevelGreen
	case r == 1:
		return LevelYellow
	case r == 2:
		return LevelOrange
	default:
		return LevelRed
	}
}

// Channel categorizes a data source.
type Channel string

const (
	ChannelMeteorology Channel = "meteorology"
	ChannelGeology     Channel = "geology"
)

// Region is the externally owned administrative unit. The engine reads it and
// updates only RiskLevel and LastUpdatedAt.
type Region struct {
	ID            int64      `db:"id" json:"id"`
	Code          string     `db:"code" json:"code"`
	Name          string     `db:"name" json:"name"`
	Lat           *float64   `db:"lat" json:"lat,omitempty"`
	Lon           *float64   `db:"lon" json:"lon,omitempty"`
	RiskLevel     Level      `db:"risk_level" json:"risk_level"`
	LastUpdatedAt *time.Time `db:"last_updated_at" json:"last_updated_at,omitempty"`
}

// Input converts a stored region into a collector work item.
func (r Region) Input() RegionInput {
	return RegionInput{Code: r.Code, Name: r.Name, Lat: r.Lat, Lon: r.Lon}
}

// RegionInput is the per-region work item handed to the collector.
type RegionInput struct {
	Code string   `json:"code"`
	Name string   `json:"name"`
	Lat  *float64 `json:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty"`
}

// RunMode tags how a run was started.
type RunMode string

const (
	ModeFast      RunMode = "fast"
	ModeFull      RunMode = "full"
	ModeManual    RunMode = "manual"
	ModeScheduled RunMode = "scheduled"
)

// RunState is the single process-wide run lifecycle record. A projection of it
// is persisted with the durable lock so a restarted process can observe stale
// holders.
type RunState struct {
	Running          bool       `json:"running"`
	RequestID        string     `json:"request_id,omitempty"`
	Mode             RunMode    `json:"mode,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	HeartbeatAt      *time.Time `json:"heartbeat_at,omitempty"`
	TotalRegions     int        `json:"total_regions"`
	SelectedRegions  int        `json:"selected_regions"`
	ProcessedRegions int        `json:"processed_regions"`
	AbortRequested   bool       `json:"abort_requested"`
	LastStartedAt    *time.Time `json:"last_started_at,omitempty"`
	LastFinishedAt   *time.Time `json:"last_finished_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	LastTrigger      string     `json:"last_trigger,omitempty"`
}

// HistoryEvent is the most recent active warning for a region.
type HistoryEvent struct {
	Date     string `json:"date"`
	Severity Level  `json:"severity"`
}

// Snapshot is a region's previous non-test warning, used for change detection
// and for retaining state when every source fails.
type Snapshot struct {
	RegionName  string              `json:"region_name"`
	Level       Level               `json:"level"`
	Confidence  float64             `json:"confidence"`
	CreatedAt   time.Time           `json:"created_at"`
	Meteorology *MeteorologyPayload `json:"meteorology,omitempty"`
}

// WarningRecord is the persisted form of a Decision.
type WarningRecord struct {
	ID          int64     `db:"id"`
	RegionID    int64     `db:"region_id"`
	Level       Level     `db:"level"`
	Reason      string    `db:"reason"`
	Meteorology string    `db:"meteorology"`
	Confidence  float64   `db:"confidence"`
	CreatedAt   time.Time `db:"created_at"`
	Source      string    `db:"source"`
}
