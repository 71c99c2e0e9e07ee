// Package fulfillment реализует пошаговое оформление оплаченного полиса у страховщика.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
	"github.com/vladislavdragonenkov/policyflow/internal/metrics"
	"github.com/vladislavdragonenkov/policyflow/internal/service/state"
)

const tracerName = "github.com/vladislavdragonenkov/policyflow/internal/service/fulfillment"

// idempotencyNamespace: пространство имён для ключей идемпотентности запросов к страховщику.
var idempotencyNamespace = uuid.MustParse("6f1c7f4e-3b8a-4a57-9a0e-2d8c1f6b9e41")

// Option настраивает оркестратор.
type Option func(*Orchestrator)

// WithLocker задаёт блокировщик полисов. По умолчанию блокировка не выполняется.
func WithLocker(locker domain.PolicyLocker) Option {
	return func(o *Orchestrator) { o.locker = locker }
}

// WithNotifier задаёт получателя уведомлений о выпуске полиса.
func WithNotifier(notifier domain.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = notifier }
}

// WithPublisher задаёт публикацию добавленных событий (например, в Kafka).
func WithPublisher(publisher domain.EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = publisher }
}

// WithMetrics включает метрики Prometheus.
func WithMetrics(m *metrics.FulfillmentMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer задаёт трассировщик OpenTelemetry.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithProviderTimeout ограничивает время одного вызова страховщика.
func WithProviderTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) { o.providerTimeout = timeout }
}

// Orchestrator переводит полис payment_received → contract_created → contract_confirmed → completed.
// Каждый вызов Fulfill продолжает с последнего успешного состояния и безопасен для повторов.
type Orchestrator struct {
	policies  domain.PolicyRepository
	events    domain.EventStore
	resolver  *state.Resolver
	insurer   domain.InsuranceProvider
	documents domain.DocumentStorage

	locker          domain.PolicyLocker
	notifier        domain.Notifier
	publisher       domain.EventPublisher
	metrics         *metrics.FulfillmentMetrics
	tracer          trace.Tracer
	logger          *log.Entry
	providerTimeout time.Duration
}

// NewOrchestrator создаёт оркестратор оформления.
func NewOrchestrator(
	policies domain.PolicyRepository,
	events domain.EventStore,
	insurer domain.InsuranceProvider,
	documents domain.DocumentStorage,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		policies:  policies,
		events:    events,
		resolver:  state.NewResolver(events),
		insurer:   insurer,
		documents: documents,
		tracer:    otel.Tracer(tracerName),
		logger:    log.New().WithField("component", "fulfillment"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run: состояние одного вызова Fulfill.
type run struct {
	policy  domain.Policy
	history []domain.Event
}

func (r *run) latest(kind domain.EventKind) (domain.Event, bool) {
	return domain.LatestOfKind(r.history, kind)
}

// Fulfill продвигает полис по шагам оформления до completed или до первой ошибки.
// Ошибка шага записывается событием Failed и возвращается как *StepError.
func (o *Orchestrator) Fulfill(ctx context.Context, policyID string) (err error) {
	ctx, span := o.tracer.Start(ctx, "fulfillment.Fulfill", trace.WithAttributes(
		attribute.String("policy.id", policyID),
	))
	outcome := metrics.OutcomeNoop
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("fulfillment.outcome", outcome))
		span.End()
		if o.metrics != nil {
			o.metrics.RecordRun(outcome)
		}
	}()
	if o.metrics != nil {
		defer o.metrics.RunStarted()()
	}

	if o.locker != nil {
		unlock, lockErr := o.locker.Lock(ctx, policyID)
		if lockErr != nil {
			outcome = metrics.OutcomeError
			return fmt.Errorf("lock policy %s: %w", policyID, lockErr)
		}
		defer unlock()
	}

	policy, err := o.policies.Get(ctx, policyID)
	if err != nil {
		outcome = metrics.OutcomeError
		return fmt.Errorf("load policy %s: %w", policyID, err)
	}

	snap, err := o.resolver.Snapshot(ctx, policyID)
	if err != nil {
		outcome = metrics.OutcomeError
		return err
	}

	logger := o.logger.WithField("policy_id", policyID)
	if !snap.HasState {
		logger.Debug("policy has no lifecycle events, nothing to fulfil")
		return nil
	}
	if snap.Terminal() {
		logger.WithField("state", snap.Current.Kind).Debug("policy in terminal state, skipping fulfillment")
		return nil
	}

	from := snap.Current
	if snap.Failed() {
		if !snap.HasGood {
			logger.Warn("failed policy has no good state to resume from")
			return nil
		}
		from = snap.LastGood
		logger.WithField("resume_from", from.Kind).Info("resuming fulfillment after failure")
	}

	r := &run{policy: policy, history: snap.History}

	switch from.Kind {
	case domain.EventPaymentReceived:
		if err := o.createContract(ctx, r); err != nil {
			outcome = outcomeOf(err)
			return err
		}
		fallthrough
	case domain.EventContractCreated:
		if err := o.confirmContract(ctx, r); err != nil {
			outcome = outcomeOf(err)
			return err
		}
		fallthrough
	case domain.EventContractConfirmed:
		if err := o.deliverDocument(ctx, r); err != nil {
			outcome = outcomeOf(err)
			return err
		}
		outcome = metrics.OutcomeCompleted
	default:
		logger.WithField("state", from.Kind).Debug("policy not ready for fulfillment")
	}

	return nil
}

func (o *Orchestrator) createContract(ctx context.Context, r *run) error {
	return o.step(ctx, r, domain.StepContractCreation, func(ctx context.Context) (domain.EventPayload, error) {
		req := domain.ContractRequest{
			Policy:         r.policy,
			Travelers:      r.policy.Travelers,
			TariffID:       r.policy.CoverageTier.TariffID(),
			IdempotencyKey: uuid.NewSHA1(idempotencyNamespace, []byte(r.policy.ID)).String(),
		}
		result, err := withTimeout(ctx, o.providerTimeout, func(ctx context.Context) (domain.ContractResult, error) {
			return o.insurer.CreateContract(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		return domain.ContractCreated{
			OrderID:      result.OrderID,
			PolicyNumber: result.PolicyNumber,
			TotalAmount:  result.TotalAmount,
		}, nil
	})
}

func (o *Orchestrator) confirmContract(ctx context.Context, r *run) error {
	return o.step(ctx, r, domain.StepContractConfirmation, func(ctx context.Context) (domain.EventPayload, error) {
		created, ok := r.latest(domain.EventContractCreated)
		if !ok {
			return nil, domain.ErrContractNotFound
		}
		payload, ok := created.Payload.(domain.ContractCreated)
		if !ok || payload.OrderID == "" {
			return nil, domain.ErrContractNotFound
		}
		orderID := payload.OrderID
		_, err := withTimeout(ctx, o.providerTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.insurer.ConfirmContract(ctx, orderID)
		})
		if err != nil {
			return nil, err
		}
		return domain.ContractConfirmed{OrderID: orderID}, nil
	})
}

func (o *Orchestrator) deliverDocument(ctx context.Context, r *run) error {
	err := o.step(ctx, r, domain.StepPDFRetrieval, func(ctx context.Context) (domain.EventPayload, error) {
		confirmed, ok := r.latest(domain.EventContractConfirmed)
		if !ok {
			return nil, domain.ErrContractNotFound
		}
		payload, ok := confirmed.Payload.(domain.ContractConfirmed)
		if !ok || payload.OrderID == "" {
			return nil, domain.ErrContractNotFound
		}
		orderID := payload.OrderID

		document, err := withTimeout(ctx, o.providerTimeout, func(ctx context.Context) ([]byte, error) {
			return o.insurer.GetPrintForm(ctx, orderID)
		})
		if err != nil {
			return nil, err
		}
		if len(document) == 0 {
			return nil, domain.ErrDocumentEmpty
		}

		path, err := o.documents.Store(ctx, r.policy.ID, document)
		if err != nil {
			return nil, fmt.Errorf("store print form: %w", err)
		}
		return domain.Completed{DocumentPath: path}, nil
	})
	if err != nil {
		return err
	}

	o.logger.WithField("policy_id", r.policy.ID).Info("policy fulfilled")
	o.notifyCompletion(ctx, r)
	return nil
}

// step выполняет действие шага и записывает его результат: событие успеха или Failed.
func (o *Orchestrator) step(
	ctx context.Context,
	r *run,
	name domain.FailedStep,
	action func(ctx context.Context) (domain.EventPayload, error),
) error {
	ctx, span := o.tracer.Start(ctx, "fulfillment.step."+string(name))
	defer span.End()

	start := time.Now()
	payload, err := action(ctx)
	if err == nil {
		var evt domain.Event
		evt, err = o.events.Append(ctx, r.policy.ID, payload)
		if err == nil {
			r.history = append(r.history, evt)
			o.recordStep(name, start)
			o.published(ctx, evt)
			return nil
		}
		err = fmt.Errorf("append %s event: %w", payload.Kind(), err)
	}

	o.recordStep(name, start)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return o.fail(ctx, r, name, err)
}

// fail записывает событие Failed и возвращает StepError.
func (o *Orchestrator) fail(ctx context.Context, r *run, name domain.FailedStep, cause error) error {
	o.logger.WithError(cause).WithFields(log.Fields{
		"policy_id": r.policy.ID,
		"step":      name,
	}).Warn("fulfillment step failed")
	if o.metrics != nil {
		o.metrics.RecordStepFailure(string(name))
	}

	evt, err := o.events.Append(ctx, r.policy.ID, domain.Failed{Step: name, ErrorMessage: cause.Error()})
	if err != nil {
		o.logger.WithError(err).WithField("policy_id", r.policy.ID).Error("failed to record step failure")
		return &StepError{Step: name, Err: errors.Join(cause, fmt.Errorf("append failed event: %w", err))}
	}
	r.history = append(r.history, evt)
	o.published(ctx, evt)
	return &StepError{Step: name, Err: cause}
}

func (o *Orchestrator) recordStep(name domain.FailedStep, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordStepDuration(string(name), time.Since(start))
	}
}

// published учитывает добавленное событие и публикует его наружу без влияния на результат шага.
func (o *Orchestrator) published(ctx context.Context, evt domain.Event) {
	if o.metrics != nil {
		o.metrics.RecordEventAppended(string(evt.Kind))
	}
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishEvent(ctx, evt); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"policy_id": evt.PolicyID,
			"kind":      evt.Kind,
		}).Warn("failed to publish lifecycle event")
	}
}

func (o *Orchestrator) notifyCompletion(ctx context.Context, r *run) {
	if o.notifier == nil {
		return
	}
	completed, ok := r.latest(domain.EventCompleted)
	if !ok {
		return
	}
	if err := o.notifier.NotifyCompletion(ctx, r.policy, completed); err != nil {
		o.logger.WithError(err).WithField("policy_id", r.policy.ID).Error("completion notification failed")
	}
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, call func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return call(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return call(ctx)
}

func outcomeOf(err error) string {
	if _, ok := AsStepError(err); ok {
		return metrics.OutcomeFailed
	}
	return metrics.OutcomeError
}
