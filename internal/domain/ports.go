package domain

import "context"

// PolicyRepository хранит полисы, созданные на checkout.
type PolicyRepository interface {
	// Create сохраняет новый полис. Возвращает ErrPolicyExists, если ID занят.
	Create(ctx context.Context, policy Policy) error
	// Get возвращает полис или ErrPolicyNotFound.
	Get(ctx context.Context, id string) (Policy, error)
}

// EventStore: журнал событий полиса, только добавление.
type EventStore interface {
	// Append создаёт новую запись; время и Seq назначает хранилище, вид берётся из payload.
	Append(ctx context.Context, policyID string, payload EventPayload) (Event, error)
	// List возвращает все события полиса по возрастанию времени добавления.
	List(ctx context.Context, policyID string) ([]Event, error)
	// PolicyIDsWithKind возвращает полисы, у которых есть хотя бы одно событие вида kind.
	PolicyIDsWithKind(ctx context.Context, kind EventKind, limit int) ([]string, error)
}

// PolicyLocker обеспечивает взаимное исключение операций над одним полисом.
type PolicyLocker interface {
	// Lock блокирует полис; возвращённая функция снимает блокировку.
	Lock(ctx context.Context, policyID string) (unlock func(), err error)
}

// ContractRequest: данные для создания договора у страховщика.
type ContractRequest struct {
	Policy    Policy
	Travelers []Traveler
	TariffID  string
	// IdempotencyKey одинаков для всех попыток оформления одного полиса.
	IdempotencyKey string
}

// ContractResult: ответ страховщика на создание договора.
type ContractResult struct {
	OrderID      string
	PolicyNumber string
	TotalAmount  string
}

// InsuranceProvider описывает контракт внешнего API страховщика.
type InsuranceProvider interface {
	CreateContract(ctx context.Context, req ContractRequest) (ContractResult, error)
	ConfirmContract(ctx context.Context, orderID string) error
	// GetPrintForm возвращает печатную форму полиса (PDF).
	GetPrintForm(ctx context.Context, orderID string) ([]byte, error)
}

// PaymentProvider описывает взаимодействие с платёжным провайдером.
type PaymentProvider interface {
	// Refund инициирует возврат и возвращает идентификатор возврата.
	Refund(ctx context.Context, paymentIntentID string, amountMinor int64) (string, error)
}

// DocumentStorage сохраняет печатные формы полисов.
type DocumentStorage interface {
	Store(ctx context.Context, policyID string, document []byte) (string, error)
}

// Notifier отправляет уведомление о выпуске полиса. Ошибка не откатывает Completed.
type Notifier interface {
	NotifyCompletion(ctx context.Context, policy Policy, completed Event) error
}

// EventPublisher публикует добавленные события наружу (best effort).
type EventPublisher interface {
	PublishEvent(ctx context.Context, event Event) error
}
