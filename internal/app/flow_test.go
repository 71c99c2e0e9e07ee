package app

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
	"github.com/vladislavdragonenkov/policyflow/internal/service/insurer"
	"github.com/vladislavdragonenkov/policyflow/internal/service/intake"
	"github.com/vladislavdragonenkov/policyflow/internal/service/payment"
)

// PolicyLifecycleTestSuite проверяет путь полиса от checkout до возврата на собранном runtime.
type PolicyLifecycleTestSuite struct {
	suite.Suite
	ctx      context.Context
	cancel   context.CancelFunc
	runtime  *Runtime
	insurer  *insurer.MockProvider
	payments *payment.MockProvider
}

func (s *PolicyLifecycleTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.insurer = insurer.NewMockProvider()
	s.payments = payment.NewMockProvider()

	cfg := DefaultConfig()
	cfg.RetryMaxAttempts = 2
	cfg.ResumeOnStart = false

	rt, err := NewRuntime(s.ctx, cfg, quietLogger(),
		WithInsurer(s.insurer),
		WithPayments(s.payments),
		WithRetrySleep(func(context.Context, time.Duration) error { return nil }),
	)
	s.Require().NoError(err)
	s.Require().NoError(rt.Start(s.ctx))
	s.runtime = rt
}

func (s *PolicyLifecycleTestSuite) TearDownTest() {
	s.cancel()
	s.Require().NoError(s.runtime.Close())
}

func (s *PolicyLifecycleTestSuite) checkout() domain.Policy {
	start := time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)
	policy, err := s.runtime.Intake.Checkout(s.ctx, domain.Policy{
		AccountID:    "account-42",
		StartDate:    start,
		EndDate:      start.AddDate(0, 0, 14),
		CoverageTier: domain.CoverageTierStandard,
		PriceMinor:   4500,
		Currency:     "EUR",
		Travelers: []domain.Traveler{
			{FirstName: "Anna", LastName: "Volkova", PassportNumber: "750000001"},
		},
		Destination: domain.Destination{CountryCode: "TH"},
	}, "cs_flow_1")
	s.Require().NoError(err)
	return policy
}

func (s *PolicyLifecycleTestSuite) pay(policy domain.Policy) {
	s.Require().NoError(s.runtime.Intake.ConfirmPayment(s.ctx, intake.PaymentConfirmation{
		PolicyID:        policy.ID,
		PaymentIntentID: "pi_" + policy.ID,
		AmountMinor:     policy.PriceMinor,
		Currency:        policy.Currency,
	}))
}

func (s *PolicyLifecycleTestSuite) waitForState(policyID string, kind domain.EventKind) {
	s.Require().Eventually(func() bool {
		history, err := s.runtime.Admin.History(s.ctx, policyID)
		if err != nil {
			return false
		}
		current, ok := domain.CurrentOf(history)
		return ok && current.Kind == kind
	}, 5*time.Second, 10*time.Millisecond, "policy never reached %s", kind)
}

func (s *PolicyLifecycleTestSuite) TestCheckoutToCompletion() {
	policy := s.checkout()
	s.pay(policy)
	s.waitForState(policy.ID, domain.EventCompleted)

	history, err := s.runtime.Admin.History(s.ctx, policy.ID)
	s.Require().NoError(err)

	kinds := make([]domain.EventKind, 0, len(history))
	for _, evt := range history {
		kinds = append(kinds, evt.Kind)
	}
	s.Equal([]domain.EventKind{
		domain.EventPendingPayment,
		domain.EventPaymentReceived,
		domain.EventContractCreated,
		domain.EventContractConfirmed,
		domain.EventCompleted,
	}, kinds)

	create, confirm, printForm := s.insurer.Calls()
	s.Equal(1, create)
	s.Equal(1, confirm)
	s.Equal(1, printForm)
}

func (s *PolicyLifecycleTestSuite) TestDuplicatePaymentDoesNotReissue() {
	policy := s.checkout()
	s.pay(policy)
	s.waitForState(policy.ID, domain.EventCompleted)
	s.pay(policy)

	history, err := s.runtime.Admin.History(s.ctx, policy.ID)
	s.Require().NoError(err)
	s.Len(history, 5)

	create, _, _ := s.insurer.Calls()
	s.Equal(1, create)
}

func (s *PolicyLifecycleTestSuite) TestFailedPolicyManualRetry() {
	unavailable := &domain.ProviderError{Op: "confirm_contract", StatusCode: http.StatusServiceUnavailable, Err: errBoom}
	s.insurer.FailConfirm(unavailable, unavailable)

	policy := s.checkout()
	s.pay(policy)
	s.waitForState(policy.ID, domain.EventFailed)

	s.Require().Eventually(func() bool {
		failed, err := s.runtime.Admin.ListFailed(s.ctx, 10)
		return err == nil && len(failed) == 1 && failed[0].Failures == 2
	}, 5*time.Second, 10*time.Millisecond)

	failed, err := s.runtime.Admin.ListFailed(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(policy.ID, failed[0].PolicyID)
	s.Equal(domain.StepContractConfirmation, failed[0].Step)

	s.Require().NoError(s.runtime.Admin.Retry(s.ctx, policy.ID))
	s.waitForState(policy.ID, domain.EventCompleted)

	create, _, _ := s.insurer.Calls()
	s.Equal(1, create, "retry must resume after the created contract")
}

func (s *PolicyLifecycleTestSuite) TestRefundAfterCompletion() {
	policy := s.checkout()
	s.pay(policy)
	s.waitForState(policy.ID, domain.EventCompleted)

	initiated, err := s.runtime.Admin.InitiateRefund(s.ctx, policy.ID, "trip cancelled", "support@policyflow")
	s.Require().NoError(err)
	s.Equal(domain.EventRefundInitiated, initiated.Kind)

	refundID := initiated.Payload.(domain.RefundInitiated).RefundID
	refunded, err := s.runtime.Admin.ConfirmRefund(s.ctx, policy.ID, refundID)
	s.Require().NoError(err)
	s.Equal(domain.EventRefunded, refunded.Kind)

	calls := s.payments.Calls()
	s.Require().Len(calls, 1)
	s.Equal(policy.PriceMinor, calls[0].AmountMinor)

	_, err = s.runtime.Admin.InitiateRefund(s.ctx, policy.ID, "again", "support@policyflow")
	s.ErrorIs(err, domain.ErrRefundAlreadyInitiated)
}

func TestPolicyLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(PolicyLifecycleTestSuite))
}

func TestRuntimeResumesInFlightPolicies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := insurer.NewMockProvider()
	cfg := DefaultConfig()
	rt, err := NewRuntime(ctx, cfg, quietLogger(), WithInsurer(mock))
	require.NoError(t, err)
	defer func() { _ = rt.Close() }()

	start := time.Date(2027, 1, 10, 0, 0, 0, 0, time.UTC)
	policy := domain.Policy{
		ID:           "policy-resume-1",
		AccountID:    "account-7",
		StartDate:    start,
		EndDate:      start.AddDate(0, 0, 7),
		CoverageTier: domain.CoverageTierBasic,
		PriceMinor:   1900,
		Currency:     "USD",
		Travelers:    []domain.Traveler{{FirstName: "Ivan", LastName: "Orlov", PassportNumber: "760000002"}},
		Destination:  domain.Destination{CountryCode: "TR"},
		CreatedAt:    start.AddDate(0, 0, -30),
	}
	require.NoError(t, rt.Policies.Create(ctx, policy))
	_, err = rt.Events.Append(ctx, policy.ID, domain.PendingPayment{CheckoutSessionID: "cs_resume"})
	require.NoError(t, err)
	_, err = rt.Events.Append(ctx, policy.ID, domain.PaymentReceived{PaymentIntentID: "pi_resume", AmountMinor: 1900, Currency: "USD"})
	require.NoError(t, err)

	require.NoError(t, rt.Start(ctx))

	require.Eventually(t, func() bool {
		history, err := rt.Events.List(ctx, policy.ID)
		if err != nil {
			return false
		}
		current, ok := domain.CurrentOf(history)
		return ok && current.Kind == domain.EventCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

// manualClock: время, которое сдвигается только ожиданием планировщика.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.delays = append(c.delays, d)
	return ctx.Err()
}

func TestRetriesOutlastOpenCircuitWithDefaultConfig(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	mock := insurer.NewMockProvider()
	cfg := DefaultConfig()

	rt, err := NewRuntime(ctx, cfg, quietLogger(),
		WithInsurer(mock),
		WithClock(clock.Now),
		WithRetrySleep(clock.Sleep),
	)
	require.NoError(t, err)
	defer func() { _ = rt.Close() }()

	// Сбой страховщика открывает breaker, после чего страховщик снова здоров.
	unavailable := &domain.ProviderError{Op: "create_contract", StatusCode: http.StatusServiceUnavailable, Err: errBoom}
	for i := 0; i < cfg.BreakerMaxFailures; i++ {
		mock.FailCreate(unavailable)
		_, _ = rt.Insurer.CreateContract(ctx, domain.ContractRequest{})
	}
	require.Equal(t, insurer.CircuitOpen, rt.Breaker.State())

	start := time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC)
	policy := domain.Policy{
		ID:           "policy-circuit-1",
		AccountID:    "account-9",
		StartDate:    start,
		EndDate:      start.AddDate(0, 0, 10),
		CoverageTier: domain.CoverageTierStandard,
		PriceMinor:   3100,
		Currency:     "EUR",
		Travelers:    []domain.Traveler{{FirstName: "Anna", LastName: "Sokolova", PassportNumber: "770000003"}},
		Destination:  domain.Destination{CountryCode: "IT"},
	}
	require.NoError(t, rt.Policies.Create(ctx, policy))
	_, err = rt.Events.Append(ctx, policy.ID, domain.PaymentReceived{PaymentIntentID: "pi_circuit", AmountMinor: 3100, Currency: "EUR"})
	require.NoError(t, err)

	out := rt.Scheduler.RunWithRetry(ctx, policy.ID)
	require.NoError(t, out.Err)
	require.False(t, out.Exhausted)
	require.Equal(t, 2, out.Attempts)

	// Первая попытка упёрлась в открытый breaker, ожидание покрыло весь reset timeout.
	require.Equal(t, []time.Duration{cfg.BreakerResetTimeout}, clock.delays)
	create, _, _ := mock.Calls()
	require.Equal(t, cfg.BreakerMaxFailures+1, create)
	require.Equal(t, insurer.CircuitClosed, rt.Breaker.State())

	history, err := rt.Events.List(ctx, policy.ID)
	require.NoError(t, err)
	current, ok := domain.CurrentOf(history)
	require.True(t, ok)
	require.Equal(t, domain.EventCompleted, current.Kind)
}
