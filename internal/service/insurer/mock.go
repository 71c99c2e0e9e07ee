package insurer

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// MockProvider: конфигурируемая заглушка InsuranceProvider для тестов и локального запуска.
// Ошибки из очередей (FailCreate и т.д.) возвращаются по одной на вызов, затем действуют постоянные.
type MockProvider struct {
	mu sync.Mutex

	Result   domain.ContractResult
	Document []byte

	CreateErr  error
	ConfirmErr error
	PrintErr   error

	createQueue  []error
	confirmQueue []error
	printQueue   []error

	createCalls  int
	confirmCalls int
	printCalls   int
	requests     []domain.ContractRequest
	confirmed    []string
}

// NewMockProvider возвращает mock с успешным сценарием по умолчанию.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Result: domain.ContractResult{
			OrderID:      "order-1",
			PolicyNumber: "TRV-0000001",
			TotalAmount:  "45.00",
		},
		Document: []byte("%PDF-1.4 mock policy"),
	}
}

// FailCreate ставит ошибки в очередь для следующих вызовов CreateContract.
func (m *MockProvider) FailCreate(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createQueue = append(m.createQueue, errs...)
}

// FailConfirm ставит ошибки в очередь для следующих вызовов ConfirmContract.
func (m *MockProvider) FailConfirm(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmQueue = append(m.confirmQueue, errs...)
}

// FailPrint ставит ошибки в очередь для следующих вызовов GetPrintForm.
func (m *MockProvider) FailPrint(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.printQueue = append(m.printQueue, errs...)
}

// CreateContract возвращает настроенный результат и запоминает запрос.
func (m *MockProvider) CreateContract(_ context.Context, req domain.ContractRequest) (domain.ContractResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createCalls++
	m.requests = append(m.requests, req)
	if err := next(&m.createQueue, m.CreateErr); err != nil {
		return domain.ContractResult{}, err
	}
	return m.Result, nil
}

// ConfirmContract подтверждает договор, если orderID совпадает с выданным.
func (m *MockProvider) ConfirmContract(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.confirmCalls++
	if err := next(&m.confirmQueue, m.ConfirmErr); err != nil {
		return err
	}
	if orderID != m.Result.OrderID {
		return &domain.ProviderError{Op: "confirm_contract", StatusCode: 404, Err: fmt.Errorf("order %s not found", orderID)}
	}
	m.confirmed = append(m.confirmed, orderID)
	return nil
}

// GetPrintForm возвращает настроенный документ.
func (m *MockProvider) GetPrintForm(_ context.Context, _ string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.printCalls++
	if err := next(&m.printQueue, m.PrintErr); err != nil {
		return nil, err
	}
	doc := make([]byte, len(m.Document))
	copy(doc, m.Document)
	return doc, nil
}

// Calls возвращает число вызовов каждой операции.
func (m *MockProvider) Calls() (create, confirm, print int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.confirmCalls, m.printCalls
}

// Requests возвращает копию принятых запросов на создание договора.
func (m *MockProvider) Requests() []domain.ContractRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ContractRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

func next(queue *[]error, fallback error) error {
	if len(*queue) > 0 {
		err := (*queue)[0]
		*queue = (*queue)[1:]
		return err
	}
	return fallback
}

var _ domain.InsuranceProvider = (*MockProvider)(nil)
