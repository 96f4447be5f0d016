package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

const cgsName = "geology_cgs"

// CGS serves per-region geological context: terrain slope, distance to the
// nearest mapped fault, and a lithology susceptibility grade. The data is
// quasi-static, so callers cache it aggressively.
type CGS struct {
	mode        KeyMode
	apiKey      string
	baseURL     string
	client      *http.Client
	reliability float64
}

func NewCGS(apiKey, baseURL string, client *http.Client) *CGS {
	if baseURL == "" {
		baseURL = "https://api.cgs-survey.example.com/v1/region"
	}
	return &CGS{
		mode:        ModeForKey(apiKey),
		apiKey:      apiKey,
		baseURL:     baseURL,
		client:      client,
		reliability: 0.88,
	}
}

func (c *CGS) Name() string           { return cgsName }
func (c *CGS) Channel() model.Channel { return model.ChannelGeology }
func (c *CGS) Reliability() float64   { return c.reliability }

// lithology grade to susceptibility in [0,1]
var lithologyGrades = map[string]float64{
	"granite":        0.15,
	"limestone":      0.45,
	"sandstone":      0.55,
	"shale":          0.70,
	"mudstone":       0.80,
	"loess":          0.85,
	"colluvium":      0.90,
	"metamorphic":    0.40,
	"volcaniclastic": 0.60,
}

func (c *CGS) Fetch(ctx context.Context, region model.RegionInput) model.RawPayload {
	switch c.mode {
	case ModeDisabled:
		return disabledPayload(cgsName, region)
	case ModeSimulate:
		p := okPayload(cgsName, region, simGeology(cgsName, region.Code))
		p.Simulated = true
		return p
	}

	q := url.Values{}
	q.Set("code", region.Code)
	q.Set("key", c.apiKey)
	reqURL := c.baseURL + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return errPayload(cgsName, region, model.SourceError{Kind: model.ErrConnect, Message: err.Error()})
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errPayload(cgsName, region, classifyTransportError(err, c.baseURL))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errPayload(cgsName, region, model.SourceError{
			Kind: model.ErrAuthFailed, StatusCode: resp.StatusCode, URL: c.baseURL,
		})
	case resp.StatusCode != http.StatusOK:
		return errPayload(cgsName, region, httpStatusError(resp.StatusCode, c.baseURL))
	}

	var body struct {
		SlopeDeg      float64 `json:"slope_deg"`
		FaultDistKM   float64 `json:"fault_distance_km"`
		Lithology     string  `json:"lithology"`
		LithologyRisk float64 `json:"lithology_risk"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errPayload(cgsName, region, model.SourceError{
			Kind: model.ErrConnect, Message: fmt.Sprintf("decode: %v", err), URL: c.baseURL,
		})
	}

	fields := map[string]any{
		"slope":          body.SlopeDeg,
		"fault_distance": body.FaultDistKM,
	}
	if body.Lithology != "" {
		fields["lithology"] = body.Lithology
	}
	switch {
	case body.LithologyRisk > 0:
		fields["lithology_risk"] = body.LithologyRisk
	case body.Lithology != "":
		if g, ok := lithologyGrades[body.Lithology]; ok {
			fields["lithology_risk"] = g
		}
	}
	return okPayload(cgsName, region, fields)
}

func (c *CGS) Normalize(p model.RawPayload) model.Observation {
	obs := model.Observation{Channel: model.ChannelGeology}
	if !p.OK() {
		return obs
	}
	obs.Slope = p.Num("slope")
	obs.FaultDistance = p.Num("fault_distance")
	obs.LithologyRisk = p.Num("lithology_risk")
	obs.Lithology = p.Str("lithology")
	if p.Simulated {
		obs.DataMode = "simulated"
	}
	return obs
}
