package selector

import (
	"fmt"
	"testing"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

func makeRegions(total, highRisk int) []model.Region {
	regions := make([]model.Region, total)
	for i := range regions {
		level := model.LevelGreen
		if i < highRisk {
			level = model.LevelOrange
		}
		regions[i] = model.Region{
			ID:        int64(i + 1),
			Code:      fmt.Sprintf("51%04d", i),
			Name:      fmt.Sprintf("region-%d", i),
			RiskLevel: level,
		}
	}
	return regions
}

func TestFullOrdersByCode(t *testing.T) {
	regions := makeRegions(10, 0)
	// shuffle deterministically
	regions[0], regions[7] = regions[7], regions[0]
	regions[2], regions[5] = regions[5], regions[2]

	out := New(20).Full(regions)
	if len(out) != 10 {
		t.Fatalf("full selection dropped regions: %d", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i-1].Code >= out[i].Code {
			t.Fatalf("not ordered at %d: %s >= %s", i, out[i-1].Code, out[i].Code)
		}
	}
}

func TestFastKeepsHighRiskHead(t *testing.T) {
	regions := makeRegions(100, 5)
	s := New(5)

	for _, reqID := range []string{"req-a", "req-b", "req-c"} {
		out := s.Fast(regions, 30, reqID)
		if len(out) != 30 {
			t.Fatalf("req %s: selected %d, want 30", reqID, len(out))
		}
		seen := map[string]bool{}
		for _, r := range out {
			seen[r.Code] = true
		}
		for i := 0; i < 5; i++ {
			code := fmt.Sprintf("51%04d", i)
			if !seen[code] {
				t.Fatalf("req %s: high-risk region %s missing from head", reqID, code)
			}
		}
	}
}

func TestFastHeadOrderedByLevelThenCode(t *testing.T) {
	regions := makeRegions(50, 3)
	regions[1].RiskLevel = model.LevelRed

	out := New(20).Fast(regions, 10, "req-x")
	if out[0].RiskLevel != model.LevelRed {
		t.Fatalf("red region must lead the head, got %s/%s", out[0].Code, out[0].RiskLevel)
	}
	if out[1].Code >= out[2].Code {
		t.Fatalf("ties must break by code: %s then %s", out[1].Code, out[2].Code)
	}
}

func TestFastHeadPrefersRedOverCapOverflow(t *testing.T) {
	// five orange regions with low codes plus a red one far past them; the
	// red must win a head slot even though the cap fills on orange first
	regions := makeRegions(100, 5)
	regions[90].RiskLevel = model.LevelRed
	s := New(3)

	out := s.Fast(regions, 30, "req-a")
	if out[0].Code != regions[90].Code || out[0].RiskLevel != model.LevelRed {
		t.Fatalf("head[0] = %s/%s, want the red region", out[0].Code, out[0].RiskLevel)
	}
	for i := 1; i < 3; i++ {
		if out[i].RiskLevel != model.LevelOrange {
			t.Fatalf("head[%d] = %s/%s, want orange", i, out[i].Code, out[i].RiskLevel)
		}
	}
}

func TestFastRotationCoversAllRegions(t *testing.T) {
	regions := makeRegions(100, 5)
	s := New(5)

	covered := map[string]bool{}
	for i := 0; i < 64; i++ {
		for _, r := range s.Fast(regions, 30, fmt.Sprintf("req-%d", i)) {
			covered[r.Code] = true
		}
		if len(covered) == len(regions) {
			break
		}
	}
	if len(covered) != len(regions) {
		t.Fatalf("rotation left %d regions never selected", len(regions)-len(covered))
	}
}

func TestFastWindowIsDeterministicPerRequest(t *testing.T) {
	regions := makeRegions(100, 5)
	s := New(5)

	a := s.Fast(regions, 30, "req-1")
	b := s.Fast(regions, 30, "req-1")
	if len(a) != len(b) {
		t.Fatalf("same request id gave different sizes")
	}
	for i := range a {
		if a[i].Code != b[i].Code {
			t.Fatalf("same request id gave different selection at %d", i)
		}
	}
}

func TestFastLimitAtLeastTotalFallsBackToFull(t *testing.T) {
	regions := makeRegions(10, 2)
	out := New(5).Fast(regions, 10, "req-1")
	if len(out) != 10 {
		t.Fatalf("limit >= total must select everything, got %d", len(out))
	}
}
