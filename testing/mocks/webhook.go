package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/scheduler"
)

// MockWebhookTrigger implements the webhook entry point for testing
type MockWebhookTrigger struct {
	mock.Mock
}

func (m *MockWebhookTrigger) TriggerWebhook(ctx context.Context, req scheduler.WebhookRequest) (*scheduler.WebhookResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*scheduler.WebhookResult)
	return result, args.Error(1)
}

// MockAuditLog implements audit log listing for testing
type MockAuditLog struct {
	mock.Mock
}

func (m *MockAuditLog) List(limit, offset int) ([]*domain.AuditLog, int64, error) {
	args := m.Called(limit, offset)
	entries, _ := args.Get(0).([]*domain.AuditLog)
	return entries, args.Get(1).(int64), args.Error(2)
}
