package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

// RefineInput is the compact payload sent to the model for one region.
type RefineInput struct {
	RegionCode       string            `json:"region_code"`
	RegionName       string            `json:"region_name"`
	Merged           model.Observation `json:"merged_observation"`
	CandidateLevel   model.Level       `json:"candidate_level"`
	AdjustedScore    float64           `json:"adjusted_score"`
	PreviousLevel    model.Level       `json:"previous_level,omitempty"`
	HazardCandidates []string          `json:"hazard_candidates"`
	ChangedFields    []string          `json:"changed_fields,omitempty"`
	SourceErrors     map[string]string `json:"source_errors,omitempty"`
}

// RefineResult is the model's structured answer.
type RefineResult struct {
	LevelOverride   string  `json:"level_override"`
	ReasonAppend    string  `json:"reason_append"`
	ConfidenceDelta float64 `json:"confidence_delta"`
}

// Refiner is the external LLM boundary; a nil Refiner disables refinement.
type Refiner interface {
	Refine(ctx context.Context, in RefineInput) (RefineResult, error)
}

const refineSystemPrompt = `你是地质灾害预警审核助手。根据提供的观测数据JSON审核候选预警等级。
只返回JSON对象，字段为：
- "level_override": "green"/"yellow"/"orange"/"red"，仅在确有必要时给出，且最多只能相差一级；否则为空字符串
- "reason_append": 不超过30个汉字的中文补充说明
- "confidence_delta": -0.2到0.2之间的数值`

// OpenAIRefiner calls an OpenAI-compatible chat endpoint in JSON mode.
type OpenAIRefiner struct {
	client *openai.LLM
}

func NewOpenAIRefiner(baseURL, apiKey, modelName string) (*OpenAIRefiner, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(modelName),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}
	return &OpenAIRefiner{client: client}, nil
}

func (r *OpenAIRefiner) Refine(ctx context.Context, in RefineInput) (RefineResult, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return RefineResult{}, fmt.Errorf("encode refine input: %w", err)
	}

	resp, err := r.client.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, refineSystemPrompt),
			llms.TextParts(llms.ChatMessageTypeHuman, string(payload)),
		},
		llms.WithJSONMode(),
		llms.WithTemperature(0.1),
	)
	if err != nil {
		return RefineResult{}, fmt.Errorf("llm call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return RefineResult{}, fmt.Errorf("llm call: empty response")
	}

	var out RefineResult
	if err := json.Unmarshal([]byte(resp.Choices[0].Content), &out); err != nil {
		return RefineResult{}, fmt.Errorf("llm response parse: %w", err)
	}
	return out, nil
}

func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// applyRefinement folds the model's answer into the decision under the
// guardrails: delta clipped to ±0.2, override moved at most one step, and the
// appended reason ignored unless it is actually Chinese. Returned notes name
// what was rejected.
func applyRefinement(d *model.Decision, res RefineResult) (llmDelta float64, notes []string) {
	llmDelta = res.ConfidenceDelta
	if llmDelta > 0.2 {
		llmDelta = 0.2
	}
	if llmDelta < -0.2 {
		llmDelta = -0.2
	}

	if res.LevelOverride != "" {
		override := model.Level(res.LevelOverride)
		if !override.Valid() {
			notes = append(notes, "llm_override_rejected")
		} else {
			diff := override.Rank() - d.Level.Rank()
			switch {
			case diff > 1:
				override = model.LevelByRank(d.Level.Rank() + 1)
			case diff < -1:
				override = model.LevelByRank(d.Level.Rank() - 1)
			}
			d.Level = override
		}
	}

	appendText := strings.TrimSpace(res.ReasonAppend)
	if appendText != "" {
		if !containsCJK(appendText) {
			notes = append(notes, "llm_reason_ignored")
		} else if !strings.Contains(d.Reason, appendText) {
			d.Reason = strings.TrimSuffix(d.Reason, "。") + "。" + appendText
			if !strings.HasSuffix(d.Reason, "。") {
				d.Reason += "。"
			}
		}
	}
	d.Refined = true
	return llmDelta, notes
}
