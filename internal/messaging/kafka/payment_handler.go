package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
	"github.com/vladislavdragonenkov/policyflow/internal/service/intake"
)

// PaymentConfirmer фиксирует подтверждённую оплату полиса.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, confirmation intake.PaymentConfirmation) error
}

// ParsePaymentConfirmation разбирает сообщение топика подтверждений оплаты.
// Если policy_id в теле пуст, используется ключ сообщения.
func ParsePaymentConfirmation(message *sarama.ConsumerMessage) (intake.PaymentConfirmation, error) {
	var confirmation intake.PaymentConfirmation
	if err := json.Unmarshal(message.Value, &confirmation); err != nil {
		return intake.PaymentConfirmation{}, fmt.Errorf("failed to unmarshal payment confirmation: %w", err)
	}
	if confirmation.PolicyID == "" {
		confirmation.PolicyID = string(message.Key)
	}
	return confirmation, nil
}

// NewPaymentHandler возвращает обработчик подтверждений оплаты.
// Битые сообщения и ошибки валидации не повторяются.
func NewPaymentHandler(confirmer PaymentConfirmer) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		confirmation, err := ParsePaymentConfirmation(message)
		if err != nil {
			return Permanent(err)
		}

		err = confirmer.ConfirmPayment(ctx, confirmation)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrPolicyIDRequired),
			errors.Is(err, domain.ErrPolicyNotFound),
			errors.Is(err, intake.ErrPaymentIntentRequired):
			return Permanent(err)
		default:
			return err
		}
	}
}
