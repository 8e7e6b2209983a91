package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thunderbirdlabs/cortex/internal/model"
	"github.com/thunderbirdlabs/cortex/internal/vectorstore"
)

func agedResult(docType string, ageDays int, score float64, now time.Time) vectorstore.Result {
	ts := now.Add(-time.Duration(ageDays) * 24 * time.Hour).Unix()
	return vectorstore.Result{
		Chunk: model.Chunk{DocumentType: docType, CreatedAtTimestamp: &ts},
		Score: score,
	}
}

func TestRecencyBoostHalvesAtDecay(t *testing.T) {
	now := time.Date(2024, 11, 15, 0, 0, 0, 0, time.UTC)
	results := []vectorstore.Result{agedResult("email", 30, 0.8, now)}

	applyRecencyBoost(results, 30, 90, now)

	assert.InDelta(t, 0.4, results[0].Score, 0.001)
}

func TestRecencyBoostReordersByAge(t *testing.T) {
	now := time.Date(2024, 11, 15, 0, 0, 0, 0, time.UTC)
	results := []vectorstore.Result{
		agedResult("email", 120, 0.9, now), // decays to ~0.056
		agedResult("email", 1, 0.7, now),   // barely decays
	}

	applyRecencyBoost(results, 30, 90, now)

	assert.InDelta(t, 0.684, results[0].Score, 0.01)
	assert.Less(t, results[1].Score, 0.06)
}

func TestRecencyBoostLeavesUntimestampedAlone(t *testing.T) {
	now := time.Date(2024, 11, 15, 0, 0, 0, 0, time.UTC)
	results := []vectorstore.Result{
		{Chunk: model.Chunk{DocumentType: "email"}, Score: 0.5},
		agedResult("email", 60, 0.9, now),
	}

	applyRecencyBoost(results, 30, 90, now)

	// The untimestamped chunk keeps 0.5 and now outranks the decayed
	// one (0.9 * 0.25 = 0.225).
	assert.Equal(t, 0.5, results[0].Score)
	assert.InDelta(t, 0.225, results[1].Score, 0.001)
}

func TestRecencyBoostIgnoresUnknownTypes(t *testing.T) {
	now := time.Date(2024, 11, 15, 0, 0, 0, 0, time.UTC)
	results := []vectorstore.Result{agedResult("contract", 365, 0.6, now)}

	applyRecencyBoost(results, 30, 90, now)

	assert.Equal(t, 0.6, results[0].Score)
}

func TestRecencyBoostClampsFutureTimestamps(t *testing.T) {
	now := time.Date(2024, 11, 15, 0, 0, 0, 0, time.UTC)
	results := []vectorstore.Result{agedResult("email", -10, 0.6, now)}

	applyRecencyBoost(results, 30, 90, now)

	assert.Equal(t, 0.6, results[0].Score)
}

func TestDecayDaysForTypes(t *testing.T) {
	assert.Equal(t, 30.0, decayDaysFor("email", 30, 90))
	assert.Equal(t, 90.0, decayDaysFor("email_attachment", 30, 90))
	assert.Equal(t, 90.0, decayDaysFor("attachment", 30, 90))
	assert.Equal(t, 0.0, decayDaysFor("contract", 30, 90))
}
