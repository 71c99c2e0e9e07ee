package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind: дискриминатор события жизненного цикла полиса.
type EventKind string

const (
	EventPendingPayment    EventKind = "pending_payment"
	EventPaymentReceived   EventKind = "payment_received"
	EventContractCreated   EventKind = "contract_created"
	EventContractConfirmed EventKind = "contract_confirmed"
	EventCompleted         EventKind = "completed"
	EventFailed            EventKind = "failed"
	EventRefundInitiated   EventKind = "refund_initiated"
	EventRefunded          EventKind = "refunded"
)

// EventKinds перечисляет все виды событий в порядке жизненного цикла.
var EventKinds = []EventKind{
	EventPendingPayment,
	EventPaymentReceived,
	EventContractCreated,
	EventContractConfirmed,
	EventCompleted,
	EventFailed,
	EventRefundInitiated,
	EventRefunded,
}

// Valid проверяет, что вид события поддерживается.
func (k EventKind) Valid() bool {
	switch k {
	case EventPendingPayment, EventPaymentReceived, EventContractCreated, EventContractConfirmed,
		EventCompleted, EventFailed, EventRefundInitiated, EventRefunded:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что после события автоматическое оформление не продолжается.
func (k EventKind) Terminal() bool {
	switch k {
	case EventCompleted, EventRefunded, EventRefundInitiated:
		return true
	default:
		return false
	}
}

// FailedStep: метка шага оформления, на котором произошла ошибка.
type FailedStep string

const (
	StepContractCreation     FailedStep = "contract_creation"
	StepContractConfirmation FailedStep = "contract_confirmation"
	StepPDFRetrieval         FailedStep = "pdf_retrieval"
)

// Event: неизменяемая запись журнала полиса.
type Event struct {
	// Seq назначается хранилищем и монотонно растёт в порядке добавления.
	Seq       int64
	PolicyID  string
	Kind      EventKind
	CreatedAt time.Time
	Payload   EventPayload
}

// EventPayload: закрытый набор вариантов полезной нагрузки, по одному на вид события.
type EventPayload interface {
	Kind() EventKind
	isEventPayload()
}

// PendingPayment фиксирует создание полиса на checkout.
type PendingPayment struct {
	CheckoutSessionID string `json:"checkout_session_id"`
}

// PaymentReceived фиксирует подтверждение оплаты платёжным провайдером.
type PaymentReceived struct {
	PaymentIntentID string `json:"payment_intent_id"`
	AmountMinor     int64  `json:"amount_minor"`
	Currency        string `json:"currency"`
}

// ContractCreated хранит ответ страховщика на создание договора.
type ContractCreated struct {
	OrderID      string `json:"order_id"`
	PolicyNumber string `json:"policy_number"`
	// TotalAmount: десятичная сумма в том виде, в каком её вернул страховщик.
	TotalAmount string `json:"total_amount"`
}

// ContractConfirmed фиксирует подтверждение договора у страховщика.
type ContractConfirmed struct {
	OrderID string `json:"order_id"`
}

// Completed фиксирует сохранение печатной формы полиса.
type Completed struct {
	DocumentPath string `json:"document_path"`
}

// Failed фиксирует ошибку шага оформления.
type Failed struct {
	Step         FailedStep `json:"step"`
	ErrorMessage string     `json:"error_message"`
}

// RefundInitiated фиксирует запуск возврата оператором.
type RefundInitiated struct {
	RefundID    string `json:"refund_id"`
	Reason      string `json:"reason"`
	Actor       string `json:"actor"`
	AmountMinor int64  `json:"amount_minor"`
}

// Refunded фиксирует внешнее подтверждение возврата.
type Refunded struct {
	RefundID string `json:"refund_id"`
}

func (PendingPayment) Kind() EventKind    { return EventPendingPayment }
func (PaymentReceived) Kind() EventKind   { return EventPaymentReceived }
func (ContractCreated) Kind() EventKind   { return EventContractCreated }
func (ContractConfirmed) Kind() EventKind { return EventContractConfirmed }
func (Completed) Kind() EventKind         { return EventCompleted }
func (Failed) Kind() EventKind            { return EventFailed }
func (RefundInitiated) Kind() EventKind   { return EventRefundInitiated }
func (Refunded) Kind() EventKind          { return EventRefunded }

func (PendingPayment) isEventPayload()    {}
func (PaymentReceived) isEventPayload()   {}
func (ContractCreated) isEventPayload()   {}
func (ContractConfirmed) isEventPayload() {}
func (Completed) isEventPayload()         {}
func (Failed) isEventPayload()            {}
func (RefundInitiated) isEventPayload()   {}
func (Refunded) isEventPayload()          {}

// EncodePayload сериализует полезную нагрузку события в JSON.
func EncodePayload(payload EventPayload) ([]byte, error) {
	if payload == nil {
		return nil, ErrEventPayloadRequired
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", payload.Kind(), err)
	}
	return data, nil
}

// DecodePayload восстанавливает полезную нагрузку по виду события.
func DecodePayload(kind EventKind, raw []byte) (EventPayload, error) {
	var (
		payload EventPayload
		err     error
	)

	switch kind {
	case EventPendingPayment:
		var p PendingPayment
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventPaymentReceived:
		var p PaymentReceived
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventContractCreated:
		var p ContractCreated
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventContractConfirmed:
		var p ContractConfirmed
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventCompleted:
		var p Completed
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventFailed:
		var p Failed
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventRefundInitiated:
		var p RefundInitiated
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventRefunded:
		var p Refunded
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrEventKindUnknown, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}

	return payload, nil
}
