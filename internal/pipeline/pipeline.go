// Package pipeline turns raw collection results into decision records via
// six ordered stages: validation, merge, scoring, neighbor influence,
// optional LLM refinement, and the final level decision. Stages never abort
// a run; anything uncomputable becomes a quality note.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/config"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/logger"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/observability"
)

type Config struct {
	Weights                config.RiskWeights
	NeighborWeight         float64
	ChangeThreshold        float64
	LLMMaxRegions          int
	LLMConfidenceThreshold float64
}

type Pipeline struct {
	cfg     Config
	refiner Refiner
	log     *zerolog.Logger
}

// New builds a pipeline; a nil refiner disables the refinement stage.
func New(cfg Config, refiner Refiner, log *zerolog.Logger) *Pipeline {
	if cfg.NeighborWeight <= 0 {
		cfg.NeighborWeight = 0.2
	}
	if cfg.ChangeThreshold <= 0 {
		cfg.ChangeThreshold = 0.12
	}
	return &Pipeline{cfg: cfg, refiner: refiner, log: log}
}

// regionState carries a region through the stages.
type regionState struct {
	result   model.CollectionResult
	merged   model.Observation
	notes    []string
	quality  float64
	coverage float64
	local    float64
	adjusted float64
	neighbor *float64

	retained  bool
	baseline  bool
	prevLevel model.Level
	hasPrev   bool
	prevScore *float64
}

// Process runs the staged pipeline over one batch.
func (p *Pipeline) Process(ctx context.Context, results []model.CollectionResult, forceLLM bool) []model.Decision {
	states := make([]*regionState, len(results))
	for i, r := range results {
		states[i] = p.prepare(r)
	}

	p.neighborStage(states)

	decisions := make([]model.Decision, len(states))
	for i, st := range states {
		decisions[i] = p.decide(st)
	}

	p.refineStage(ctx, states, decisions, forceLLM)
	return decisions
}

// prepare covers validation, merge, and local scoring for one region.
func (p *Pipeline) prepare(result model.CollectionResult) *regionState {
	st := &regionState{result: result}

	for name, obs := range result.Observations {
		notes := validateObservation(&obs)
		result.Observations[name] = obs
		st.notes = append(st.notes, notes...)
	}

	merged, mergeNotes := mergeObservations(result)
	st.merged = merged
	st.notes = append(st.notes, mergeNotes...)

	total := len(result.Observations) + len(result.Status.Errors)
	if total > 0 {
		st.coverage = float64(len(result.Observations)) / float64(total)
	}

	if result.Previous != nil {
		st.hasPrev = true
		st.prevLevel = result.Previous.Level
		if result.Previous.Meteorology != nil {
			st.prevScore = model.Float(result.Previous.Meteorology.RiskScore)
		}
	}

	if len(result.Observations) == 0 {
		if st.hasPrev {
			st.retained = true
			if st.prevScore != nil {
				st.local = *st.prevScore
			} else {
				st.local = levelThreshold(st.prevLevel)
			}
		} else {
			st.baseline = true
			st.local = baselineScore(result.RegionCode)
			st.notes = append(st.notes, "no_data_baseline")
		}
		st.adjusted = st.local
		return st
	}

	st.quality = dataQuality(st.merged)
	st.local = localScore(st.merged, result.HistoryCount, p.cfg.Weights)
	st.adjusted = st.local
	return st
}

// neighborStage blends each region's score with the mean of its admin-prefix
// neighbors inside the same processed set. Fewer than two resolved neighbors
// leaves the score untouched and neighbor_influence null.
func (p *Pipeline) neighborStage(states []*regionState) {
	groups := map[string][]*regionState{}
	for _, st := range states {
		if st.retained || st.baseline {
			continue
		}
		groups[adminPrefix(st.result.RegionCode)] = append(groups[adminPrefix(st.result.RegionCode)], st)
	}

	for _, group := range groups {
		for _, st := range group {
			var sum float64
			n := 0
			for _, other := range group {
				if other == st {
					continue
				}
				sum += other.local
				n++
			}
			if n < 2 {
				continue
			}
			mean := sum / float64(n)
			st.neighbor = model.Float(mean)
			st.adjusted = clamp01((1-p.cfg.NeighborWeight)*st.local + p.cfg.NeighborWeight*mean)
		}
	}
}

func adminPrefix(code string) string {
	if len(code) < 2 {
		return code
	}
	return code[:2]
}

// decide assembles one decision from a prepared state.
func (p *Pipeline) decide(st *regionState) model.Decision {
	r := st.result

	if st.retained {
		prev := r.Previous
		conf := math.Max(0.2, prev.Confidence-0.15)
		breakdown := model.ConfidenceBreakdown{
			Formula:         "retained_previous",
			FinalConfidence: conf,
			Components:      map[string]float64{"retained_penalty": -0.15},
		}
		return model.Decision{
			RegionCode:    r.RegionCode,
			RegionName:    r.RegionName,
			Level:         prev.Level,
			Reason:        "数据源暂不可用，维持先前预警等级。",
			Confidence:    conf,
			LocalScore:    st.local,
			AdjustedScore: st.local,
			Retained:      true,
			Meteorology: model.MeteorologyPayload{
				SourceStatus:        r.Status,
				HazardCandidates:    []string{},
				ConfidenceBreakdown: breakdown,
				RiskScore:           st.local,
				DataQualityNote:     "all_sources_failed",
			},
		}
	}

	changed, changeScore := changedFields(st.merged, r.Previous, p.cfg.ChangeThreshold)

	level := decideLevel(st.adjusted, st.prevLevel, st.hasPrev)
	hazards := hazardCandidates(st.merged)
	breakdown := confidence(st.quality, changeScore, st.coverage, st.adjusted, level, r.Previous, 0)
	reason := composeReason(st.merged, hazards, r.HistoryCount, st.notes)

	note := strings.Join(st.notes, ";")
	d := model.Decision{
		RegionCode:        r.RegionCode,
		RegionName:        r.RegionName,
		Level:             level,
		Reason:            reason,
		Confidence:        breakdown.FinalConfidence,
		LocalScore:        st.local,
		AdjustedScore:     st.adjusted,
		NeighborInfluence: st.neighbor,
		DataQualityScore:  st.quality,
		ChangeScore:       changeScore,
		Meteorology: model.MeteorologyPayload{
			MergedObservation:   st.merged,
			SourceStatus:        r.Status,
			HazardCandidates:    hazards,
			ConfidenceBreakdown: breakdown,
			RiskScore:           st.adjusted,
			DataQualityNote:     note,
			ChangedFields:       changed,
			Simulated:           st.merged.DataMode == "simulated",
		},
	}
	return d
}

// refineStage picks the cost-bounded refinement set and applies answers.
func (p *Pipeline) refineStage(ctx context.Context, states []*regionState, decisions []model.Decision, force bool) {
	if p.refiner == nil || p.cfg.LLMMaxRegions <= 0 {
		return
	}

	type candidate struct {
		idx    int
		change float64
	}
	var candidates []candidate
	for i, st := range states {
		if st.retained {
			continue
		}
		change := 0.0
		if st.prevScore != nil {
			change = math.Abs(st.adjusted - *st.prevScore)
		}
		selected := force ||
			change > p.cfg.ChangeThreshold ||
			decisions[i].Confidence < p.cfg.LLMConfidenceThreshold
		if selected {
			candidates = append(candidates, candidate{idx: i, change: change})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].change > candidates[j].change })
	if len(candidates) > p.cfg.LLMMaxRegions {
		candidates = candidates[:p.cfg.LLMMaxRegions]
	}

	for _, c := range candidates {
		st := states[c.idx]
		d := &decisions[c.idx]

		in := RefineInput{
			RegionCode:       d.RegionCode,
			RegionName:       d.RegionName,
			Merged:           st.merged,
			CandidateLevel:   d.Level,
			AdjustedScore:    d.AdjustedScore,
			HazardCandidates: d.Meteorology.HazardCandidates,
			ChangedFields:    d.Meteorology.ChangedFields,
		}
		if st.hasPrev {
			in.PreviousLevel = st.prevLevel
		}
		if len(st.result.Status.Errors) > 0 {
			in.SourceErrors = map[string]string{}
			for name, se := range st.result.Status.Errors {
				in.SourceErrors[name] = se.Kind
			}
		}

		res, err := p.refiner.Refine(ctx, in)
		if err != nil {
			observability.IncLLMRefinement("error")
			log := logger.FromContext(logger.WithRegion(ctx, d.RegionCode), p.log)
			log.Warn().Err(err).Msg("llm refinement failed")
			p.annotate(d, "llm_parse_failed")
			continue
		}

		delta, notes := applyRefinement(d, res)
		for _, n := range notes {
			p.annotate(d, n)
		}

		breakdown := confidence(st.quality, d.ChangeScore, st.coverage, d.AdjustedScore, d.Level, st.result.Previous, delta)
		d.Confidence = breakdown.FinalConfidence
		d.Meteorology.ConfidenceBreakdown = breakdown
		observability.IncLLMRefinement("ok")
	}
}

func (p *Pipeline) annotate(d *model.Decision, note string) {
	if d.Meteorology.DataQualityNote == "" {
		d.Meteorology.DataQualityNote = note
		return
	}
	if !strings.Contains(d.Meteorology.DataQualityNote, note) {
		d.Meteorology.DataQualityNote = fmt.Sprintf("%s;%s", d.Meteorology.DataQualityNote, note)
	}
}
