package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего владельца полиса.
	ErrAccountRequired = errors.New("account_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отрицательной стоимости полиса.
	ErrPriceNegative = errors.New("price_minor must be non-negative")
	// Ошибка некорректного периода страхования.
	ErrDateRangeInvalid = errors.New("end date must be after start date")
	// Ошибка неподдерживаемого уровня покрытия.
	ErrCoverageTierInvalid = errors.New("coverage tier is invalid")
	// Ошибка отсутствующего направления поездки.
	ErrDestinationRequired = errors.New("destination country is required")
	// Ошибка полиса без путешественников.
	ErrTravelersRequired = errors.New("policy must contain at least one traveler")
	// Ошибка отсутствующего имени путешественника.
	ErrTravelerNameRequired = errors.New("traveler first and last name are required")
	// Ошибка отсутствующего номера паспорта.
	ErrTravelerPassportRequired = errors.New("traveler passport number is required")
	// ErrPolicyIDRequired возвращается при пустом идентификаторе полиса.
	ErrPolicyIDRequired = errors.New("policy_id is required")
	// ErrPolicyNotFound возвращается, если полис не найден в репозитории.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrPolicyExists возвращается при повторном создании полиса с тем же ID.
	ErrPolicyExists = errors.New("policy already exists")
	// ErrEventKindUnknown: неизвестный дискриминатор события.
	ErrEventKindUnknown = errors.New("unknown event kind")
	// ErrEventPayloadRequired: попытка добавить событие без полезной нагрузки.
	ErrEventPayloadRequired = errors.New("event payload is required")
	// ErrPolicyTerminal: операция невозможна для полиса в конечном состоянии.
	ErrPolicyTerminal = errors.New("policy is in terminal state")
	// ErrPolicyNotFailed: ручной повтор допустим только для полиса в состоянии failed.
	ErrPolicyNotFailed = errors.New("policy is not in failed state")
	// ErrPaymentNotReceived: у полиса нет события PaymentReceived.
	ErrPaymentNotReceived = errors.New("policy payment was not received")
	// ErrRefundAlreadyInitiated: возврат по полису уже запущен или завершён.
	ErrRefundAlreadyInitiated = errors.New("refund already initiated")
	// ErrRefundNotInitiated: подтверждение возврата без запущенного возврата.
	ErrRefundNotInitiated = errors.New("refund was not initiated")
	// ErrContractNotFound: шаг не нашёл событие с идентификатором заказа страховщика.
	ErrContractNotFound = errors.New("contract order id not found")
	// ErrProviderUnavailable: временная недоступность внешнего провайдера (circuit open, 5xx).
	ErrProviderUnavailable = errors.New("provider temporarily unavailable")
	// ErrDocumentEmpty: страховщик вернул пустую печатную форму.
	ErrDocumentEmpty = errors.New("print form document is empty")
	// ErrLockUnavailable: не удалось получить блокировку полиса.
	ErrLockUnavailable = errors.New("policy lock unavailable")
)

// ProviderError описывает ошибку вызова внешнего провайдера (страховщика или платёжки).
type ProviderError struct {
	// Op: имя операции контракта, например "create_contract".
	Op string
	// StatusCode: HTTP-статус ответа, 0 если ответа не было.
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Temporary сообщает, что ошибка вызвана таймаутом, перегрузкой или 5xx.
func (e *ProviderError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsProviderError проверяет, что ошибка пришла от внешнего провайдера.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}
