package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter_WindowBudgetRejects(t *testing.T) {
	l := NewLimiter(time.Nanosecond, 30*time.Minute, 3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := l.Acquire(ctx)
		if err != nil || !ok {
			t.Fatalf("acquire %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := l.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire over budget: %v", err)
	}
	if ok {
		t.Fatalf("acquire succeeded past the window budget")
	}
	if rem := l.Remaining(); rem != 0 {
		t.Fatalf("remaining = %d, want 0", rem)
	}
}

func TestLimiter_WindowRolls(t *testing.T) {
	l := NewLimiter(time.Nanosecond, 30*time.Minute, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	if ok, _ := l.Acquire(context.Background()); !ok {
		t.Fatalf("first acquire rejected")
	}
	if ok, _ := l.Acquire(context.Background()); ok {
		t.Fatalf("budget of 1 allowed a second request")
	}

	now = now.Add(31 * time.Minute)
	if ok, _ := l.Acquire(context.Background()); !ok {
		t.Fatalf("new window did not reset the budget")
	}
}

func TestLimiter_Reset(t *testing.T) {
	l := NewLimiter(time.Nanosecond, 30*time.Minute, 1)
	if ok, _ := l.Acquire(context.Background()); !ok {
		t.Fatalf("first acquire rejected")
	}
	l.Reset()
	if ok, _ := l.Acquire(context.Background()); !ok {
		t.Fatalf("acquire after Reset rejected")
	}
}

func TestCooldowns_ExponentialAndClear(t *testing.T) {
	c := NewCooldowns(time.Minute, time.Hour)
	now := time.Now()
	c.now = func() time.Time { return now }

	if blocked, _ := c.Blocked("tianqi.2345.com"); blocked {
		t.Fatalf("fresh domain blocked")
	}

	if d := c.Strike("tianqi.2345.com", 429); d != time.Minute {
		t.Fatalf("first strike cooldown = %v, want 1m", d)
	}
	if d := c.Strike("tianqi.2345.com", 429); d != 2*time.Minute {
		t.Fatalf("second strike cooldown = %v, want 2m", d)
	}

	blocked, status := c.Blocked("tianqi.2345.com")
	if !blocked || status != 429 {
		t.Fatalf("blocked=%v status=%d", blocked, status)
	}

	now = now.Add(3 * time.Minute)
	if blocked, _ := c.Blocked("tianqi.2345.com"); blocked {
		t.Fatalf("still blocked after cooldown elapsed")
	}

	c.Strike("tianqi.2345.com", 403)
	c.Clear("tianqi.2345.com")
	if blocked, _ := c.Blocked("tianqi.2345.com"); blocked {
		t.Fatalf("blocked after Clear")
	}
}

func TestCooldowns_CapsAtMax(t *testing.T) {
	c := NewCooldowns(time.Minute, 4*time.Minute)
	var last time.Duration
	for i := 0; i < 6; i++ {
		last = c.Strike("d", 403)
	}
	if last != 4*time.Minute {
		t.Fatalf("cooldown = %v, want cap 4m", last)
	}
}

func TestURLOwners_SecondRegionRefused(t *testing.T) {
	o := NewURLOwners()

	owner, ok := o.Claim("https://tianqi.2345.com/foshan/", "R002")
	if !ok || owner != "R002" {
		t.Fatalf("first claim: owner=%s ok=%v", owner, ok)
	}

	// canonicalization: trailing slash and case differences collapse
	owner, ok = o.Claim("https://tianqi.2345.com/FOSHAN", "R003")
	if ok {
		t.Fatalf("second region claimed an owned URL")
	}
	if owner != "R002" {
		t.Fatalf("owner = %s, want R002", owner)
	}

	// same region may re-claim
	if _, ok := o.Claim("https://tianqi.2345.com/foshan/", "R002"); !ok {
		t.Fatalf("owner re-claim refused")
	}

	o.Reset()
	if _, ok := o.Claim("https://tianqi.2345.com/foshan/", "R003"); !ok {
		t.Fatalf("claim refused after Reset")
	}
}

func TestPolicy_AllowListAndGovBlock(t *testing.T) {
	p := NewPolicy([]string{"tianqi.2345.com", "www.weather.gov.cn"})

	if !p.Allowed("tianqi.2345.com") {
		t.Fatalf("allow-listed domain refused")
	}
	if p.Allowed("evil.example.com") {
		t.Fatalf("unlisted domain allowed")
	}
	// gov domains are blocked even when allow-listed
	if p.Allowed("www.weather.gov.cn") {
		t.Fatalf("gov domain allowed")
	}
	if !IsGovDomain("beijing.gov.cn") || IsGovDomain("tianqi.2345.com") {
		t.Fatalf("gov pattern misclassified")
	}
	if Domain("https://tianqi.2345.com/foshan/") != "tianqi.2345.com" {
		t.Fatalf("Domain extraction failed")
	}
}

func TestSlugs_OverridesPreferred(t *testing.T) {
	s := NewSlugs(map[string]string{"佛山市": "foshan"}, true)

	slug, ok := s.Resolve("440600", "佛山市")
	if !ok || slug != "foshan" {
		t.Fatalf("slug=%q ok=%v", slug, ok)
	}
	// normalized lookup: suffix-stripped name matches the same override
	slug, ok = s.Resolve("440600", "佛山")
	if !ok || slug != "foshan" {
		t.Fatalf("normalized slug=%q ok=%v", slug, ok)
	}
}

func TestSlugs_CityLevelOnlySkipsDistricts(t *testing.T) {
	s := NewSlugs(nil, true)

	if _, ok := s.Resolve("440604", "禅城区"); ok {
		t.Fatalf("district resolved without an override")
	}

	// explicit override still wins for a district
	s = NewSlugs(map[string]string{"禅城区": "chancheng"}, true)
	slug, ok := s.Resolve("440604", "禅城区")
	if !ok || slug != "chancheng" {
		t.Fatalf("override ignored for district: %q %v", slug, ok)
	}
}

func TestSlugs_IndexLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<a href="/foshan/">佛山</a>
			<a href="/guangzhou/">广州</a>
			<a href="https://elsewhere.example.com/x/y">外部</a>
		</body></html>`))
	}))
	defer srv.Close()

	s := NewSlugs(nil, true)
	if err := s.BuildIndex(context.Background(), srv.Client(), srv.URL); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	slug, ok := s.Resolve("440600", "佛山市")
	if !ok || slug != "foshan" {
		t.Fatalf("index slug=%q ok=%v", slug, ok)
	}
	if _, ok := s.Resolve("440100", "不存在市"); ok {
		t.Fatalf("unknown city resolved")
	}
}

func TestNormalizeRegionName_LongestSuffix(t *testing.T) {
	cases := map[string]string{
		"延边朝鲜族自治州": "延边朝鲜族",
		"佛山市":      "佛山",
		"禅城区":      "禅城",
		"佛山":       "佛山",
	}
	for in, want := range cases {
		if got := NormalizeRegionName(in); got != want {
			t.Fatalf("NormalizeRegionName(%q) = %q, want %q", in, got, want)
		}
	}
}
