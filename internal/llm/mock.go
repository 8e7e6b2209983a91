package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a scripted Provider for tests. Responses are served
// in order; RespondFunc, when set, takes precedence and can inspect the
// request.
type MockProvider struct {
	mu          sync.Mutex
	Responses   []string
	RespondFunc func(req ChatRequest) (string, error)
	Err         error
	Calls       []ChatRequest
}

// Chat records the request and returns the next scripted response.
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.RespondFunc != nil {
		content, err := m.RespondFunc(req)
		if err != nil {
			return nil, err
		}
		return &ChatResponse{Content: content, Model: req.Model}, nil
	}

	if m.Err != nil {
		return nil, m.Err
	}

	if len(m.Responses) == 0 {
		return nil, fmt.Errorf("mock provider: no scripted response for call %d", len(m.Calls))
	}

	content := m.Responses[0]
	m.Responses = m.Responses[1:]
	return &ChatResponse{Content: content, Model: req.Model}, nil
}

// CallCount returns how many requests the mock has served.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

var _ Provider = (*MockProvider)(nil)
