package run

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/logger"
	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

// DebugRandomize synthesizes plausible decisions for every region and pushes
// them through the delta channel without persisting anything. It never
// touches sources or the LLM; downstream consumers use it to exercise their
// rendering paths.
func (c *Controller) DebugRandomize(ctx context.Context) (int, error) {
	regions, err := c.store.ListRegions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list regions: %w", err)
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	decisions := make([]model.Decision, 0, len(regions))
	for _, r := range regions {
		score := rnd.Float64() * 0.95
		level := model.LevelGreen
		switch {
		case score >= 0.8:
			level = model.LevelRed
		case score >= 0.55:
			level = model.LevelOrange
		case score >= 0.3:
			level = model.LevelYellow
		}
		conf := 0.5 + rnd.Float64()*0.4

		rain24 := score * 130
		decisions = append(decisions, model.Decision{
			RegionCode:    r.Code,
			RegionName:    r.Name,
			Level:         level,
			Reason:        fmt.Sprintf("调试模拟数据，风险评分%.2f。", score),
			Confidence:    conf,
			LocalScore:    score,
			AdjustedScore: score,
			Meteorology: model.MeteorologyPayload{
				MergedObservation: model.Observation{
					Rain24h:  &rain24,
					DataMode: "simulated",
				},
				SourceStatus:     model.NewSourceStatus(),
				HazardCandidates: []string{},
				ConfidenceBreakdown: model.ConfidenceBreakdown{
					Formula:         "debug_randomize",
					FinalConfidence: conf,
					Components:      map[string]float64{"debug": conf},
				},
				RiskScore: score,
				Simulated: true,
			},
		})
	}

	if c.pub == nil {
		return len(decisions), nil
	}
	delta := model.DeltaFromDecisions("debug-"+logger.NewID(), time.Now().UTC(), decisions)
	if err := c.pub.Publish(ctx, delta); err != nil {
		return len(decisions), fmt.Errorf("publish debug delta: %w", err)
	}
	return len(decisions), nil
}
