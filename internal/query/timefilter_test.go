package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/observability"
)

func TestHasTimeKeywords(t *testing.T) {
	cases := []struct {
		question string
		want     bool
	}{
		{"What did Dale say about the delivery window between October 1 and October 31, 2024?", true},
		{"Show me emails from last month", true},
		{"What were the Q3 numbers?", true},
		{"Anything after the audit?", true},
		{"Invoices during 2024", true},
		{"What materials does PurePlay purchase?", false},
		{"Who approved the purchase order?", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, hasTimeKeywords(tc.question), tc.question)
	}
}

func TestHasTimeKeywordsMonthNames(t *testing.T) {
	// The modal verb reading of May is accepted here; the extractor
	// decides whether a real filter exists.
	assert.True(t, hasTimeKeywords("May I see the supplier list?"))
	assert.True(t, hasTimeKeywords("deliveries in may"))
}

func newTestExtractor(provider llm.Provider) *TimeExtractor {
	tx := NewTimeExtractor(provider, "test-model", observability.NopLogger())
	tx.now = func() time.Time { return time.Date(2024, 11, 15, 10, 0, 0, 0, time.UTC) }
	return tx
}

func TestExtractReturnsWindow(t *testing.T) {
	provider := &llm.MockProvider{
		Responses: []string{`{"has_time_filter": true, "start_date": "2024-10-01", "end_date": "2024-10-31"}`},
	}
	tx := newTestExtractor(provider)

	window, err := tx.Extract(context.Background(), "emails between October 1 and October 31, 2024")
	require.NoError(t, err)
	require.NotNil(t, window)

	assert.Equal(t, int64(1727740800), window.Start)
	assert.Equal(t, int64(1730419199), window.End)
	assert.Equal(t, "2024-10-01", window.StartDate)
	assert.Equal(t, "2024-10-31", window.EndDate)

	require.Len(t, provider.Calls, 1)
	req := provider.Calls[0]
	assert.Zero(t, req.Temperature)
	assert.Equal(t, "json_object", req.ResponseFormat)
	assert.Contains(t, req.Messages[1].Content, "Current date: 2024-11-15")
}

func TestExtractNoFilter(t *testing.T) {
	provider := &llm.MockProvider{Responses: []string{`{"has_time_filter": false}`}}
	tx := newTestExtractor(provider)

	window, err := tx.Extract(context.Background(), "may be relevant")
	require.NoError(t, err)
	assert.Nil(t, window)
}

func TestExtractHandlesFencedOutput(t *testing.T) {
	provider := &llm.MockProvider{
		Responses: []string{"```json\n{\"has_time_filter\": true, \"start_date\": \"2024-01-01\", \"end_date\": \"2024-12-31\"}\n```"},
	}
	tx := newTestExtractor(provider)

	window, err := tx.Extract(context.Background(), "everything in 2024")
	require.NoError(t, err)
	require.NotNil(t, window)
	assert.Equal(t, "2024-01-01", window.StartDate)
}

func TestExtractMalformedOutput(t *testing.T) {
	provider := &llm.MockProvider{Responses: []string{`sure, here are the dates you asked for`}}
	tx := newTestExtractor(provider)

	_, err := tx.Extract(context.Background(), "emails from October 2024")
	require.Error(t, err)
}

func TestExtractBadDates(t *testing.T) {
	provider := &llm.MockProvider{
		Responses: []string{`{"has_time_filter": true, "start_date": "October first", "end_date": "2024-10-31"}`},
	}
	tx := newTestExtractor(provider)

	_, err := tx.Extract(context.Background(), "emails from October 2024")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start_date")
}

func TestWindowFromDatesCoversWholeEndDay(t *testing.T) {
	window, err := windowFromDates("2024-10-01", "2024-10-31")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC).Unix(), window.Start)
	assert.Equal(t, time.Date(2024, 10, 31, 23, 59, 59, 0, time.UTC).Unix(), window.End)
}

func TestWindowFromDatesKeepsInvertedRange(t *testing.T) {
	// An inverted range is not an error; it simply matches nothing
	// downstream.
	window, err := windowFromDates("2024-12-01", "2024-01-31")
	require.NoError(t, err)
	assert.Greater(t, window.Start, window.End)
}
