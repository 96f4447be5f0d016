package pipeline

import (
	"fmt"
	"strings"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

// level thresholds and hysteresis margins
const (
	thYellow = 0.3
	thOrange = 0.55
	thRed    = 0.8

	hystUp   = 0.02
	hystDown = 0.04
)

func rawLevel(score float64) model.Level {
	switch {
	case score >= thRed:
		return model.LevelRed
	case score >= thOrange:
		return model.LevelOrange
	case score >= thYellow:
		return model.LevelYellow
	}
	return model.LevelGreen
}

func levelThreshold(l model.Level) float64 {
	switch l {
	case model.LevelRed:
		return thRed
	case model.LevelOrange:
		return thOrange
	case model.LevelYellow:
		return thYellow
	}
	return 0
}

// decideLevel applies hysteresis around the previous level: climbing a step
// needs the threshold plus a margin, and a region descends at most one step
// per run, only once clearly below the previous level's floor.
func decideLevel(score float64, prev model.Level, hasPrev bool) model.Level {
	target := rawLevel(score)
	if !hasPrev {
		return target
	}

	switch {
	case target.Rank() > prev.Rank():
		lvl := prev
		for lvl.Rank() < target.Rank() {
			next := model.LevelByRank(lvl.Rank() + 1)
			if score < levelThreshold(next)+hystUp {
				break
			}
			lvl = next
		}
		return lvl

	case target.Rank() < prev.Rank():
		if score <= levelThreshold(prev)-hystDown {
			return model.LevelByRank(prev.Rank() - 1)
		}
		return prev
	}
	return prev
}

// composeReason writes the user-facing explanation in Chinese, appending the
// hazard phrase exactly once.
func composeReason(merged model.Observation, hazards []string, historyCount int, notes []string) string {
	var parts []string

	if v := effRain24(merged); v != nil {
		parts = append(parts, fmt.Sprintf("24小时降雨约%.0f毫米", *v))
	}
	if v := effRain1h(merged); v != nil && *v > 0 {
		parts = append(parts, fmt.Sprintf("1小时降雨约%.0f毫米", *v))
	}
	if merged.Slope != nil {
		parts = append(parts, fmt.Sprintf("地形坡度约%.0f度", *merged.Slope))
	}
	if merged.FaultDistance != nil {
		parts = append(parts, fmt.Sprintf("距断裂带约%.1f公里", *merged.FaultDistance))
	}
	if merged.SoilMoisture != nil && *merged.SoilMoisture >= 0.4 {
		parts = append(parts, "土壤含水量偏高")
	}
	if historyCount > 0 {
		parts = append(parts, fmt.Sprintf("历史预警%d次", historyCount))
	}
	if len(parts) == 0 {
		parts = append(parts, "监测数据有限")
	}

	reason := strings.Join(parts, "，")

	if phrase := hazardPhrase(hazards); phrase != "" && !strings.Contains(reason, phrase) {
		reason += "，存在" + phrase + "风险"
	}
	for _, n := range notes {
		if n == "precipitation_estimated" {
			reason += "（降水为估算值）"
			break
		}
	}
	return reason + "。"
}

func hazardPhrase(hazards []string) string {
	var zh []string
	for _, h := range hazards {
		if name, ok := hazardNamesZH[h]; ok {
			zh = append(zh, name)
		}
	}
	return strings.Join(zh, "、")
}
