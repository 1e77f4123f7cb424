// Package llmtest provides a testify mock of llm.Client.
package llmtest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/product-enricher/pkg/llm"
)

// MockClient implements llm.Client for tests.
type MockClient struct {
	mock.Mock
}

// NewMockClient returns a mock whose expectations are asserted at cleanup.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// CreateMessage records the call and returns the configured response.
func (m *MockClient) CreateMessage(ctx context.Context, req llm.MessageRequest) (*llm.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.MessageResponse), args.Error(1)
}

// Answer is a convenience response with only text set.
func Answer(text string) *llm.MessageResponse {
	return &llm.MessageResponse{Text: text}
}
