package router

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseTriggerRequestQuery(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/run/trigger?fast_mode=true&region_limit=30&force_llm=1", nil)
	req, err := ParseTriggerRequest(r)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !req.FastMode || req.RegionLimit != 30 || !req.ForceLLM {
		t.Fatalf("parsed = %+v", req)
	}
}

func TestParseTriggerRequestBody(t *testing.T) {
	body := strings.NewReader(`{"fast_mode":true,"region_limit":10}`)
	r := httptest.NewRequest("POST", "/api/run/trigger", body)
	r.Header.Set("Content-Type", "application/json")

	req, err := ParseTriggerRequest(r)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !req.FastMode || req.RegionLimit != 10 {
		t.Fatalf("parsed = %+v", req)
	}
}

func TestParseTriggerRequestQueryWinsOverBody(t *testing.T) {
	body := strings.NewReader(`{"region_limit":10}`)
	r := httptest.NewRequest("POST", "/api/run/trigger?region_limit=5", body)
	r.Header.Set("Content-Type", "application/json")

	req, err := ParseTriggerRequest(r)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.RegionLimit != 5 {
		t.Fatalf("query must win: %+v", req)
	}
}

func TestParseTriggerRequestEmptyBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/run/trigger", nil)
	r.Header.Set("Content-Type", "application/json")
	if _, err := ParseTriggerRequest(r); err != nil {
		t.Fatalf("empty body must be accepted: %v", err)
	}
}

func TestParseTriggerRequestRejectsBadValues(t *testing.T) {
	for _, target := range []string{
		"/api/run/trigger?fast_mode=maybe",
		"/api/run/trigger?region_limit=-1",
		"/api/run/trigger?region_limit=abc",
	} {
		r := httptest.NewRequest("POST", target, nil)
		if _, err := ParseTriggerRequest(r); err == nil {
			t.Fatalf("%s must be rejected", target)
		}
	}
}

func TestParseClearCache(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/scraper/reset?clear_cache=true", nil)
	if !ParseClearCache(r) {
		t.Fatalf("clear_cache=true not parsed")
	}
	r = httptest.NewRequest("POST", "/api/scraper/reset", nil)
	if ParseClearCache(r) {
		t.Fatalf("absent clear_cache must default to false")
	}
}
