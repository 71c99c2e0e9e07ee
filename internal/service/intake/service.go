// Package intake принимает входящие события воронки: оформление на checkout и подтверждение оплаты.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
	"github.com/vladislavdragonenkov/policyflow/internal/service/state"
)

// ErrPaymentIntentRequired: подтверждение оплаты без идентификатора платежа.
var ErrPaymentIntentRequired = errors.New("payment_intent_id is required")

// Enqueuer ставит полис на асинхронное оформление.
type Enqueuer interface {
	Enqueue(policyID string) error
}

// PaymentConfirmation: подтверждение оплаты от платёжного провайдера.
type PaymentConfirmation struct {
	PolicyID        string `json:"policy_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountMinor     int64  `json:"amount_minor"`
	Currency        string `json:"currency"`
}

// Service создаёт полисы и фиксирует оплату.
type Service struct {
	policies  domain.PolicyRepository
	events    domain.EventStore
	resolver  *state.Resolver
	scheduler Enqueuer
	locker    domain.PolicyLocker
	logger    *log.Entry
	now       func() time.Time
}

// NewService создаёт сервис приёма. locker может быть nil.
func NewService(
	policies domain.PolicyRepository,
	events domain.EventStore,
	scheduler Enqueuer,
	locker domain.PolicyLocker,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "intake")
	}
	return &Service{
		policies:  policies,
		events:    events,
		resolver:  state.NewResolver(events),
		scheduler: scheduler,
		locker:    locker,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Checkout сохраняет купленный полис и записывает PendingPayment.
func (s *Service) Checkout(ctx context.Context, policy domain.Policy, checkoutSessionID string) (domain.Policy, error) {
	if strings.TrimSpace(policy.ID) == "" {
		policy.ID = uuid.NewString()
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = s.now()
	}
	if errs := policy.Validate(); len(errs) > 0 {
		return domain.Policy{}, errors.Join(errs...)
	}

	if err := s.policies.Create(ctx, policy); err != nil {
		return domain.Policy{}, fmt.Errorf("create policy: %w", err)
	}
	if _, err := s.events.Append(ctx, policy.ID, domain.PendingPayment{CheckoutSessionID: checkoutSessionID}); err != nil {
		return domain.Policy{}, fmt.Errorf("append pending_payment: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"policy_id":  policy.ID,
		"account_id": policy.AccountID,
	}).Info("policy checked out")
	return policy, nil
}

// ConfirmPayment записывает PaymentReceived и ставит полис на оформление.
// Повторная доставка подтверждения не создаёт дубликатов.
func (s *Service) ConfirmPayment(ctx context.Context, confirmation PaymentConfirmation) error {
	policyID := strings.TrimSpace(confirmation.PolicyID)
	if policyID == "" {
		return domain.ErrPolicyIDRequired
	}
	if strings.TrimSpace(confirmation.PaymentIntentID) == "" {
		return ErrPaymentIntentRequired
	}

	policy, err := s.policies.Get(ctx, policyID)
	if err != nil {
		return fmt.Errorf("load policy %s: %w", policyID, err)
	}

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, policyID)
		if err != nil {
			return fmt.Errorf("lock policy %s: %w", policyID, err)
		}
		defer unlock()
	}

	snap, err := s.resolver.Snapshot(ctx, policyID)
	if err != nil {
		return err
	}

	logger := s.logger.WithField("policy_id", policyID)
	if snap.HasState && snap.Current.Kind != domain.EventPendingPayment {
		if snap.Current.Kind != domain.EventPaymentReceived {
			logger.WithField("state", snap.Current.Kind).Debug("duplicate payment confirmation ignored")
			return nil
		}
		return s.enqueue(policyID)
	}

	if confirmation.AmountMinor != policy.PriceMinor || !strings.EqualFold(confirmation.Currency, policy.Currency) {
		logger.WithFields(log.Fields{
			"paid_minor":  confirmation.AmountMinor,
			"price_minor": policy.PriceMinor,
			"currency":    confirmation.Currency,
		}).Warn("payment amount differs from policy price")
	}

	if _, err := s.events.Append(ctx, policyID, domain.PaymentReceived{
		PaymentIntentID: confirmation.PaymentIntentID,
		AmountMinor:     confirmation.AmountMinor,
		Currency:        strings.ToUpper(confirmation.Currency),
	}); err != nil {
		return fmt.Errorf("append payment_received: %w", err)
	}
	logger.Info("payment received")

	return s.enqueue(policyID)
}

func (s *Service) enqueue(policyID string) error {
	if s.scheduler == nil {
		return nil
	}
	if err := s.scheduler.Enqueue(policyID); err != nil {
		return fmt.Errorf("enqueue policy %s: %w", policyID, err)
	}
	return nil
}
