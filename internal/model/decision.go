package model

import "time"

// ConfidenceBreakdown enumerates the components that produced the final
// confidence value, plus the formula string for auditability.
type ConfidenceBreakdown struct {
	Formula         string             `json:"formula"`
	FinalConfidence float64            `json:"final_confidence"`
	Components      map[string]float64 `json:"components"`
}

// MeteorologyPayload is the JSON blob persisted with every warning and carried
// on delta messages.
type MeteorologyPayload struct {
	MergedObservation   Observation         `json:"merged_observation"`
	SourceStatus        SourceStatus        `json:"source_status"`
	HazardCandidates    []string            `json:"hazard_candidates"`
	ConfidenceBreakdown ConfidenceBreakdown `json:"confidence_breakdown"`
	RiskScore           float64             `json:"risk_score"`
	DataQualityNote     string              `json:"data_quality_note,omitempty"`
	ChangedFields       []string            `json:"changed_fields,omitempty"`
	Simulated           bool                `json:"simulated,omitempty"`
}

// Decision is the per-region output of the fusion pipeline.
type Decision struct {
	RegionCode string  `json:"region_code"`
	RegionName string  `json:"region_name"`
	Level      Level   `json:"level"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`

	LocalScore        float64  `json:"local_score"`
	AdjustedScore     float64  `json:"adjusted_score"`
	NeighborInfluence *float64 `json:"neighbor_influence,omitempty"`
	DataQualityScore  float64  `json:"data_quality_score"`
	ChangeScore       float64  `json:"change_score"`

	Meteorology MeteorologyPayload `json:"meteorology"`

	// Retained marks a region whose sources all failed and whose previous
	// warning is kept as-is: no new record is written for it.
	Retained bool `json:"retained,omitempty"`

	Refined bool `json:"refined,omitempty"`
}

// DeltaResult is one region's entry inside a delta broadcast.
type DeltaResult struct {
	RegionCode  string             `json:"region_code"`
	RegionName  string             `json:"region_name"`
	Level       Level              `json:"level"`
	Reason      string             `json:"reason"`
	Confidence  float64            `json:"confidence"`
	Meteorology MeteorologyPayload `json:"meteorology"`
}

// DeltaMessage is the per-batch broadcast emitted after a commit.
type DeltaMessage struct {
	Timestamp time.Time     `json:"timestamp"`
	RequestID string        `json:"request_id,omitempty"`
	Results   []DeltaResult `json:"results"`
}

// DeltaFromDecisions builds a broadcast message from committed decisions,
// skipping retained regions.
func DeltaFromDecisions(requestID string, at time.Time, decisions []Decision) DeltaMessage {
	msg := DeltaMessage{Timestamp: at, RequestID: requestID}
	for _, d := range decisions {
		if d.Retained {
			continue
		}
		msg.Results = append(msg.Results, DeltaResult{
			RegionCode:  d.RegionCode,
			RegionName:  d.RegionName,
			Level:       d.Level,
			Reason:      d.Reason,
			Confidence:  d.Confidence,
			Meteorology: d.Meteorology,
		})
	}
	return msg
}
