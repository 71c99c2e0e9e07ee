// Package payment содержит заглушку платёжного провайдера.
package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// RefundCall: параметры одного вызова Refund.
type RefundCall struct {
	PaymentIntentID string
	AmountMinor     int64
}

// MockProvider: конфигурируемая заглушка PaymentProvider для тестов и локального запуска.
type MockProvider struct {
	mu sync.Mutex

	// RefundID возвращается вместо сгенерированного идентификатора, если задан.
	RefundID  string
	RefundErr error

	calls []RefundCall
}

// NewMockProvider возвращает mock с успешным сценарием по умолчанию.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Refund возвращает настроенный результат и запоминает вызов.
func (m *MockProvider) Refund(_ context.Context, paymentIntentID string, amountMinor int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, RefundCall{PaymentIntentID: paymentIntentID, AmountMinor: amountMinor})
	if m.RefundErr != nil {
		return "", &domain.ProviderError{Op: "refund", Err: m.RefundErr}
	}
	if amountMinor <= 0 {
		return "", &domain.ProviderError{Op: "refund", StatusCode: 400, Err: fmt.Errorf("invalid refund amount %d", amountMinor)}
	}
	if m.RefundID != "" {
		return m.RefundID, nil
	}
	return "re_" + uuid.NewString(), nil
}

// Calls возвращает копию выполненных вызовов.
func (m *MockProvider) Calls() []RefundCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RefundCall, len(m.calls))
	copy(out, m.calls)
	return out
}

var _ domain.PaymentProvider = (*MockProvider)(nil)
