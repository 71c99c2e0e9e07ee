// Package admin содержит операции оператора: возврат, ручной повтор и просмотр полисов.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
	"github.com/vladislavdragonenkov/policyflow/internal/metrics"
	"github.com/vladislavdragonenkov/policyflow/internal/service/state"
)

// ErrRefundMismatch: подтверждение пришло для другого возврата.
var ErrRefundMismatch = errors.New("refund id does not match initiated refund")

// Enqueuer ставит полис на асинхронное оформление.
type Enqueuer interface {
	Enqueue(policyID string) error
}

// FailedPolicy: строка списка полисов в состоянии failed.
type FailedPolicy struct {
	PolicyID     string
	Step         domain.FailedStep
	ErrorMessage string
	FailedAt     time.Time
	// Failures: общее число событий Failed в журнале полиса.
	Failures int
}

// Option настраивает сервис.
type Option func(*Service)

// WithLocker задаёт блокировщик полисов.
func WithLocker(locker domain.PolicyLocker) Option {
	return func(s *Service) { s.locker = locker }
}

// WithPublisher задаёт публикацию добавленных событий.
func WithPublisher(publisher domain.EventPublisher) Option {
	return func(s *Service) { s.publisher = publisher }
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.FulfillmentMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service: административные операции над полисами.
type Service struct {
	events    domain.EventStore
	resolver  *state.Resolver
	payments  domain.PaymentProvider
	scheduler Enqueuer

	locker    domain.PolicyLocker
	publisher domain.EventPublisher
	metrics   *metrics.FulfillmentMetrics
	logger    *log.Entry
}

// NewService создаёт административный сервис.
func NewService(events domain.EventStore, payments domain.PaymentProvider, scheduler Enqueuer, opts ...Option) *Service {
	s := &Service{
		events:    events,
		resolver:  state.NewResolver(events),
		payments:  payments,
		scheduler: scheduler,
		logger:    log.New().WithField("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateRefund возвращает оплату через платёжного провайдера и записывает RefundInitiated.
// После этого события автоматическое оформление полиса прекращается.
func (s *Service) InitiateRefund(ctx context.Context, policyID, reason, actor string) (domain.Event, error) {
	unlock, err := s.lock(ctx, policyID)
	if err != nil {
		return domain.Event{}, err
	}
	defer unlock()

	snap, err := s.resolver.Snapshot(ctx, policyID)
	if err != nil {
		return domain.Event{}, err
	}
	if snap.HasState && (snap.Current.Kind == domain.EventRefundInitiated || snap.Current.Kind == domain.EventRefunded) {
		return domain.Event{}, domain.ErrRefundAlreadyInitiated
	}

	paymentEvt, ok := snap.LatestOfKind(domain.EventPaymentReceived)
	if !ok {
		return domain.Event{}, domain.ErrPaymentNotReceived
	}
	payment, ok := paymentEvt.Payload.(domain.PaymentReceived)
	if !ok {
		return domain.Event{}, domain.ErrPaymentNotReceived
	}

	refundID, err := s.payments.Refund(ctx, payment.PaymentIntentID, payment.AmountMinor)
	if err != nil {
		s.logger.WithError(err).WithField("policy_id", policyID).Warn("refund failed")
		return domain.Event{}, fmt.Errorf("refund payment %s: %w", payment.PaymentIntentID, err)
	}

	evt, err := s.events.Append(ctx, policyID, domain.RefundInitiated{
		RefundID:    refundID,
		Reason:      strings.TrimSpace(reason),
		Actor:       strings.TrimSpace(actor),
		AmountMinor: payment.AmountMinor,
	})
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"policy_id": policyID,
			"refund_id": refundID,
		}).Error("refund issued but event not recorded")
		return domain.Event{}, fmt.Errorf("append refund_initiated: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"policy_id":    policyID,
		"refund_id":    refundID,
		"actor":        actor,
		"amount_minor": payment.AmountMinor,
	}).Info("refund initiated")
	s.recorded(ctx, evt)
	return evt, nil
}

// ConfirmRefund записывает Refunded по внешнему подтверждению возврата.
// Повторное подтверждение того же возврата возвращает уже записанное событие.
func (s *Service) ConfirmRefund(ctx context.Context, policyID, refundID string) (domain.Event, error) {
	unlock, err := s.lock(ctx, policyID)
	if err != nil {
		return domain.Event{}, err
	}
	defer unlock()

	snap, err := s.resolver.Snapshot(ctx, policyID)
	if err != nil {
		return domain.Event{}, err
	}

	initiatedEvt, ok := snap.LatestOfKind(domain.EventRefundInitiated)
	if !ok {
		return domain.Event{}, domain.ErrRefundNotInitiated
	}
	initiated, _ := initiatedEvt.Payload.(domain.RefundInitiated)
	refundID = strings.TrimSpace(refundID)
	if refundID == "" {
		refundID = initiated.RefundID
	}
	if refundID != initiated.RefundID {
		return domain.Event{}, fmt.Errorf("%w: got %s, initiated %s", ErrRefundMismatch, refundID, initiated.RefundID)
	}

	if snap.Current.Kind == domain.EventRefunded {
		return snap.Current, nil
	}
	if snap.Current.Kind != domain.EventRefundInitiated {
		return domain.Event{}, domain.ErrRefundNotInitiated
	}

	evt, err := s.events.Append(ctx, policyID, domain.Refunded{RefundID: refundID})
	if err != nil {
		return domain.Event{}, fmt.Errorf("append refunded: %w", err)
	}
	s.logger.WithFields(log.Fields{
		"policy_id": policyID,
		"refund_id": refundID,
	}).Info("refund confirmed")
	s.recorded(ctx, evt)
	return evt, nil
}

// Retry ставит полис в состоянии failed на повторное оформление с последнего успешного шага.
func (s *Service) Retry(ctx context.Context, policyID string) error {
	failed, err := s.resolver.IsFailed(ctx, policyID)
	if err != nil {
		return err
	}
	if !failed {
		return domain.ErrPolicyNotFailed
	}
	if err := s.scheduler.Enqueue(policyID); err != nil {
		return fmt.Errorf("enqueue policy %s: %w", policyID, err)
	}
	s.logger.WithField("policy_id", policyID).Info("manual retry enqueued")
	return nil
}

// ListFailed возвращает полисы, текущее состояние которых failed, начиная с последних ошибок.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]FailedPolicy, error) {
	candidates, err := s.events.PolicyIDsWithKind(ctx, domain.EventFailed, 0)
	if err != nil {
		return nil, fmt.Errorf("scan failed policies: %w", err)
	}

	result := make([]FailedPolicy, 0)
	for _, policyID := range candidates {
		snap, err := s.resolver.Snapshot(ctx, policyID)
		if err != nil {
			return nil, err
		}
		if !snap.Failed() {
			continue
		}

		failed, _ := snap.Current.Payload.(domain.Failed)
		row := FailedPolicy{
			PolicyID:     policyID,
			Step:         failed.Step,
			ErrorMessage: failed.ErrorMessage,
			FailedAt:     snap.Current.CreatedAt,
		}
		for _, evt := range snap.History {
			if evt.Kind == domain.EventFailed {
				row.Failures++
			}
		}
		result = append(result, row)
	}

	sortFailed(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// History возвращает журнал полиса для аудита.
func (s *Service) History(ctx context.Context, policyID string) ([]domain.Event, error) {
	return s.resolver.History(ctx, policyID)
}

// ResumeInFlight ставит на оформление полисы, которые оплачены, но застряли до Completed
// без ошибки (например, сервис остановился посреди каскада). limit<=0 снимает ограничение.
func (s *Service) ResumeInFlight(ctx context.Context, limit int) ([]string, error) {
	candidates, err := s.events.PolicyIDsWithKind(ctx, domain.EventPaymentReceived, 0)
	if err != nil {
		return nil, fmt.Errorf("scan paid policies: %w", err)
	}

	var resumed []string
	for _, policyID := range candidates {
		if limit > 0 && len(resumed) >= limit {
			break
		}
		snap, err := s.resolver.Snapshot(ctx, policyID)
		if err != nil {
			return resumed, err
		}
		if !snap.HasState {
			continue
		}
		switch snap.Current.Kind {
		case domain.EventPaymentReceived, domain.EventContractCreated, domain.EventContractConfirmed:
		default:
			continue
		}
		if err := s.scheduler.Enqueue(policyID); err != nil {
			return resumed, fmt.Errorf("enqueue policy %s: %w", policyID, err)
		}
		resumed = append(resumed, policyID)
	}

	if len(resumed) > 0 {
		s.logger.WithField("count", len(resumed)).Info("in-flight policies resumed")
	}
	return resumed, nil
}

func (s *Service) lock(ctx context.Context, policyID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	unlock, err := s.locker.Lock(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("lock policy %s: %w", policyID, err)
	}
	return unlock, nil
}

func (s *Service) recorded(ctx context.Context, evt domain.Event) {
	if s.metrics != nil {
		s.metrics.RecordEventAppended(string(evt.Kind))
		s.metrics.RecordRefund(string(evt.Kind))
	}
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishEvent(ctx, evt); err != nil {
		s.logger.WithError(err).WithField("policy_id", evt.PolicyID).Warn("failed to publish lifecycle event")
	}
}

func sortFailed(rows []FailedPolicy) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].FailedAt.Equal(rows[j].FailedAt) {
			return rows[i].FailedAt.After(rows[j].FailedAt)
		}
		return rows[i].PolicyID < rows[j].PolicyID
	})
}
