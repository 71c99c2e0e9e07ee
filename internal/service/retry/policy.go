// Package retry повторно запускает оформление полиса с экспоненциальной задержкой.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"syscall"
	"time"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// Policy: параметры повторов: потолок попыток, функция задержки и классификатор ошибок.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Retryable решает, стоит ли повторять ошибку. nil означает DefaultRetryable.
	Retryable func(error) bool
}

// DefaultPolicy возвращает политику по умолчанию: 5 попыток, 1s → 2s → 4s → 8s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
		Retryable:     DefaultRetryable,
	}
}

// Delay возвращает паузу после неудачной попытки attempt (нумерация с 1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Validate проверяет, что задержки между попытками строго возрастают.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}
	if p.InitialDelay <= 0 {
		errs = append(errs, errors.New("initial delay must be positive"))
	}
	if p.BackoffFactor <= 1 {
		errs = append(errs, fmt.Errorf("backoff factor must be greater than 1, got %v", p.BackoffFactor))
	}
	if p.MaxDelay < 0 {
		errs = append(errs, errors.New("max delay must not be negative"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	// Последняя пауза идёт после попытки MaxAttempts-1 и не должна упираться в потолок.
	if p.MaxDelay > 0 && p.MaxAttempts > 1 {
		last := p.uncappedDelay(p.MaxAttempts - 1)
		if float64(p.MaxDelay) < last {
			return fmt.Errorf("max delay %s caps backoff before attempt %d (needs at least %s)",
				p.MaxDelay, p.MaxAttempts, time.Duration(last))
		}
	}
	return nil
}

func (p Policy) uncappedDelay(attempt int) float64 {
	return float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return DefaultRetryable(err)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// DefaultRetryable повторяет ошибки провайдера, таймауты и сбои соединения.
// Ошибки хранилища, отсутствие полиса и отмена контекста не повторяются.
func DefaultRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if domain.IsProviderError(err) || errors.Is(err, domain.ErrProviderUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
