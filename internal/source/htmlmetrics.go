package source

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// metric extraction patterns applied to the visible page text
var (
	reRain24h   = regexp.MustCompile(`(?:24小时|日)降(?:水|雨)量?[:：]?\s*([0-9]+(?:\.[0-9]+)?)\s*(?:mm|毫米)`)
	reRain1h    = regexp.MustCompile(`(?:1小时|小时)降(?:水|雨)量?[:：]?\s*([0-9]+(?:\.[0-9]+)?)\s*(?:mm|毫米)`)
	reHumidity  = regexp.MustCompile(`(?:相对)?湿度[:：]?\s*([0-9]+(?:\.[0-9]+)?)\s*%`)
	reWindSpeed = regexp.MustCompile(`风速[:：]?\s*([0-9]+(?:\.[0-9]+)?)\s*(?:m/s|米/秒)`)
	reTemp      = regexp.MustCompile(`(?:气温|温度)[:：]?\s*(-?[0-9]+(?:\.[0-9]+)?)\s*(?:°C|℃)`)
	reSlope     = regexp.MustCompile(`坡度[:：]?\s*([0-9]+(?:\.[0-9]+)?)\s*(?:°|度)`)
)

var hazardKeywords = []string{"滑坡", "泥石流", "崩塌", "地面塌陷", "地裂缝"}

// pageText flattens a document to text, dropping script/style noise.
func pageText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	doc.Find("script,style,noscript").Remove()
	return doc.Text(), nil
}

func matchNum(re *regexp.Regexp, text string) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseWeatherPage extracts meteorology metrics; ok is false when the page
// yields nothing usable.
func parseWeatherPage(body []byte) (map[string]any, bool) {
	text, err := pageText(body)
	if err != nil {
		return nil, false
	}

	fields := map[string]any{}
	if v, ok := matchNum(reRain24h, text); ok {
		fields["rain_24h"] = v
	}
	if v, ok := matchNum(reRain1h, text); ok {
		fields["rain_1h"] = v
	}
	if v, ok := matchNum(reHumidity, text); ok {
		fields["humidity"] = v
	}
	if v, ok := matchNum(reWindSpeed, text); ok {
		fields["wind_speed"] = v
	}
	if v, ok := matchNum(reTemp, text); ok {
		fields["temperature"] = v
	}
	if len(fields) == 0 {
		// weather phrase alone still supports an estimate
		for _, row := range amapRainTable {
			if strings.Contains(text, row.phrase) {
				fields["weather"] = row.phrase
				break
			}
		}
	}
	return fields, len(fields) > 0
}

// parseGeologyPage extracts slope plus hazard bulletin mentions. Mention
// density stands in for a susceptibility grade when nothing better exists.
func parseGeologyPage(body []byte) (map[string]any, bool) {
	text, err := pageText(body)
	if err != nil {
		return nil, false
	}

	fields := map[string]any{}
	if v, ok := matchNum(reSlope, text); ok {
		fields["slope"] = v
	}

	mentions := 0
	for _, kw := range hazardKeywords {
		mentions += strings.Count(text, kw)
	}
	if mentions > 0 {
		fields["hazard_mentions"] = float64(mentions)
		risk := 0.2 + 0.1*float64(mentions)
		if risk > 0.9 {
			risk = 0.9
		}
		fields["lithology_risk"] = risk
	}
	return fields, len(fields) > 0
}
