package query

import (
	"github.com/thunderbirdlabs/cortex/internal/llm"
)

// messageOverheadTokens covers role framing per chat message.
const messageOverheadTokens = 4

// truncateHistory admits messages newest-first until the token budget
// is spent, then returns the admitted messages in their original
// order. The newest message is always admitted so a single oversized
// turn cannot erase the conversation entirely.
func truncateHistory(history []llm.Message, budget int) []llm.Message {
	if len(history) == 0 || budget <= 0 {
		return nil
	}

	remaining := budget
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := llm.EstimateTokens(history[i].Content) + messageOverheadTokens
		if cost > remaining && keepFrom < len(history) {
			break
		}
		remaining -= cost
		keepFrom = i
	}

	out := make([]llm.Message, len(history)-keepFrom)
	copy(out, history[keepFrom:])
	return out
}
