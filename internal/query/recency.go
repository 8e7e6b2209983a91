package query

import (
	"math"
	"sort"
	"time"

	"github.com/thunderbirdlabs/cortex/internal/vectorstore"
)

// applyRecencyBoost decays similarity scores by document age with
// half-life decay and re-sorts descending. Chunks without a timestamp,
// and document types without a decay policy, keep their raw score.
func applyRecencyBoost(results []vectorstore.Result, emailDecayDays, attachmentDecayDays int, now time.Time) {
	for i := range results {
		ts := results[i].Chunk.CreatedAtTimestamp
		if ts == nil {
			continue
		}
		decay := decayDaysFor(results[i].Chunk.DocumentType, emailDecayDays, attachmentDecayDays)
		if decay <= 0 {
			continue
		}
		ageDays := now.Sub(time.Unix(*ts, 0)).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		results[i].Score *= math.Pow(0.5, ageDays/decay)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}

func decayDaysFor(documentType string, emailDecayDays, attachmentDecayDays int) float64 {
	switch documentType {
	case "email":
		return float64(emailDecayDays)
	case "email_attachment", "attachment":
		return float64(attachmentDecayDays)
	default:
		return 0
	}
}
