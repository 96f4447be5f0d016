// Package selector picks which regions a run processes. Full mode takes
// everything; fast mode takes a fixed high-risk head plus a rotating window
// over the rest, so repeated fast runs eventually touch every region.
package selector

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

type Selector struct {
	headLimit int
}

func New(headLimit int) *Selector {
	if headLimit <= 0 {
		headLimit = 20
	}
	return &Selector{headLimit: headLimit}
}

// Full returns all regions ordered by code.
func (s *Selector) Full(regions []model.Region) []model.Region {
	out := make([]model.Region, len(regions))
	copy(out, regions)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Fast returns up to limit regions: the high-risk head (current level orange
// or red, ordered by level then code, capped at the head limit) plus a
// rotating window over the remaining regions. The window offset is derived
// from the request id, so distinct requests walk distinct slices of the tail
// and every region is eventually selected.
func (s *Selector) Fast(regions []model.Region, limit int, requestID string) []model.Region {
	if limit <= 0 || limit >= len(regions) {
		return s.Full(regions)
	}

	var high, tail []model.Region
	for _, r := range s.Full(regions) {
		if r.RiskLevel.Rank() >= model.LevelOrange.Rank() {
			high = append(high, r)
		} else {
			tail = append(tail, r)
		}
	}
	// order the whole high-risk set before truncating, so a red region past
	// the cap still displaces a lower orange one
	sort.SliceStable(high, func(i, j int) bool {
		if high[i].RiskLevel.Rank() != high[j].RiskLevel.Rank() {
			return high[i].RiskLevel.Rank() > high[j].RiskLevel.Rank()
		}
		return high[i].Code < high[j].Code
	})

	head := high
	if len(head) > s.headLimit {
		head = head[:s.headLimit]
		// overflow high-risk regions rejoin the rotating tail by code order
		tail = append(tail, high[s.headLimit:]...)
		sort.Slice(tail, func(i, j int) bool { return tail[i].Code < tail[j].Code })
	}

	out := make([]model.Region, 0, limit)
	out = append(out, head...)
	if len(out) >= limit {
		return out[:limit]
	}

	room := limit - len(out)
	if room >= len(tail) {
		return append(out, tail...)
	}

	offset := int(xxhash.Sum64String(requestID) % uint64(len(tail)))
	for i := 0; i < room; i++ {
		out = append(out, tail[(offset+i)%len(tail)])
	}
	return out
}
