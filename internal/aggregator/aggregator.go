package aggregator

import (
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/store"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/types"
)

type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByProvider map[string]int `json:"by_provider"`
	// SuccessRate is completed / (completed + failed), 0 when nothing finished.
	SuccessRate float64 `json:"success_rate"`
}

// Aggregate folds grouped counts into Stats. Providers are only counted for
// completed records.
func Aggregate(counts []store.Count) Stats {
	byStatus := map[string]int{}
	byProvider := map[string]int{}
	total := 0
	for _, c := range counts {
		total += c.N
		byStatus[string(c.Status)] += c.N
		if c.Status == types.StatusCompleted && c.Provider != "" {
			byProvider[c.Provider] += c.N
		}
	}
	done := byStatus[string(types.StatusCompleted)]
	finished := done + byStatus[string(types.StatusFailed)]
	rate := 0.0
	if finished > 0 {
		rate = float64(done) / float64(finished)
	}
	return Stats{Total: total, ByStatus: byStatus, ByProvider: byProvider, SuccessRate: rate}
}
