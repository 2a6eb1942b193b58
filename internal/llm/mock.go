package llm

import "context"

// MockAdapter is a scripted Adapter for tests.
type MockAdapter struct {
	Verdict       Classification
	ClassifyErr   error
	Summary       string
	SummarizeErr  error
	ClassifyCalls int
	SummaryCalls  int
	LastMessage   string
}

var _ Adapter = (*MockAdapter)(nil)

func (m *MockAdapter) ClassifyIntent(_ context.Context, message string, _ []string) (Classification, error) {
	m.ClassifyCalls++
	m.LastMessage = message
	if m.ClassifyErr != nil {
		return Classification{}, m.ClassifyErr
	}
	return m.Verdict, nil
}

func (m *MockAdapter) Summarize(_ context.Context, _ []string) (string, error) {
	m.SummaryCalls++
	if m.SummarizeErr != nil {
		return "", m.SummarizeErr
	}
	return m.Summary, nil
}

func (m *MockAdapter) CountTokens(text string) int {
	return estimateTokens(text)
}
