package fulfillment

import (
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// StepError: ошибка шага оформления. Для неё в журнал уже записано событие Failed.
type StepError struct {
	Step domain.FailedStep
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("fulfillment step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// AsStepError извлекает StepError из цепочки ошибок.
func AsStepError(err error) (*StepError, bool) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr, true
	}
	return nil, false
}
