// Package query implements the hybrid query engine: time-window
// extraction, filtered vector retrieval with recency boost and
// reranking, graph retrieval, sub-question decomposition and answer
// synthesis.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// TimeWindow is an inclusive Unix-second range derived from a question.
type TimeWindow struct {
	Start     int64
	End       int64
	StartDate string
	EndDate   string
}

// timeKeywordPattern matches the cheap signals that a question may
// constrain time: month names, quarter tokens, range prepositions and
// explicit 4-digit years. May as a month name also matches the modal
// verb; the extractor sorts that out.
var timeKeywordPattern = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december|q[1-4]|quarters?|after|before|between|during|(19|20)\d{2})\b`)

var timePhrases = []string{"last week", "last month", "last year"}

// hasTimeKeywords is the prefilter that decides whether the time
// extractor is worth calling at all.
func hasTimeKeywords(question string) bool {
	lower := strings.ToLower(question)
	for _, phrase := range timePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return timeKeywordPattern.MatchString(question)
}

// TimeExtractor turns natural-language time references into explicit
// date windows using a deterministic LLM call.
type TimeExtractor struct {
	provider llm.Provider
	model    string
	logger   *observability.Logger
	now      func() time.Time
}

// NewTimeExtractor creates a time extractor.
func NewTimeExtractor(provider llm.Provider, model string, logger *observability.Logger) *TimeExtractor {
	return &TimeExtractor{
		provider: provider,
		model:    model,
		logger:   logger.WithComponent("time_extractor"),
		now:      time.Now,
	}
}

type rawTimeFilter struct {
	HasTimeFilter bool   `json:"has_time_filter"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
}

const timeExtractSystemPrompt = `You extract explicit time ranges from questions about documents. Respond with JSON only.`

// Extract asks the model whether the question constrains results to a
// date range. A nil window means no time filter applies.
func (t *TimeExtractor) Extract(ctx context.Context, question string) (*TimeWindow, error) {
	today := t.now().UTC().Format("2006-01-02")
	prompt := fmt.Sprintf(`Current date: %s

Question: %s

If the question restricts results to a specific time range, respond with:
{"has_time_filter": true, "start_date": "YYYY-MM-DD", "end_date": "YYYY-MM-DD"}

If it does not, respond with:
{"has_time_filter": false}

Resolve relative references ("last month", "Q3") against the current date. Respond with JSON only.`, today, question)

	resp, err := t.provider.Chat(ctx, llm.ChatRequest{
		Model: t.model,
		Messages: []llm.Message{
			{Role: "system", Content: timeExtractSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("time extraction call: %w", err)
	}

	jsonText, err := llm.ExtractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parse time extraction output: %w", err)
	}
	var raw rawTimeFilter
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("parse time extraction output: %w", err)
	}
	if !raw.HasTimeFilter {
		return nil, nil
	}

	window, err := windowFromDates(raw.StartDate, raw.EndDate)
	if err != nil {
		return nil, err
	}
	t.logger.Debug().
		Str("start_date", window.StartDate).
		Str("end_date", window.EndDate).
		Msg("Time filter extracted")
	return window, nil
}

// windowFromDates converts calendar dates into the inclusive Unix range
// [00:00:00 UTC of start, 23:59:59 UTC of end].
func windowFromDates(startDate, endDate string) (*TimeWindow, error) {
	start, err := time.ParseInLocation("2006-01-02", startDate, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid start_date %q: %w", startDate, err)
	}
	end, err := time.ParseInLocation("2006-01-02", endDate, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid end_date %q: %w", endDate, err)
	}
	return &TimeWindow{
		Start:     start.Unix(),
		End:       end.Add(24*time.Hour - time.Second).Unix(),
		StartDate: startDate,
		EndDate:   endDate,
	}, nil
}
