package recovery

import (
	"errors"

	"github.com/jmylchreest/playarr/internal/backend"
	"github.com/jmylchreest/playarr/internal/health"
	"github.com/jmylchreest/playarr/internal/models"
)

// Classify maps an error onto the recovery taxonomy.
func Classify(err error) models.ErrorClass {
	var be *backend.Error
	switch {
	case err == nil:
		return models.ClassUnclassified
	case errors.Is(err, models.ErrAutoplayBlocked):
		return models.ClassAutoplayBlocked
	case errors.Is(err, models.ErrRetryBudgetExhausted):
		return models.ClassRetryBudgetExhausted
	case errors.Is(err, models.ErrLoadTimeout):
		return models.ClassLoadTimeout
	case errors.Is(err, models.ErrSilentStall):
		return models.ClassTransientNetwork
	case errors.As(err, &be):
		switch be.Kind {
		case backend.ErrorNetwork:
			return models.ClassTransientNetwork
		case backend.ErrorMedia:
			return models.ClassDecodeFault
		}
	}
	return models.ClassUnclassified
}

// FromBackend turns a backend error event into a trigger. Non-fatal errors of
// kind other are informational and report false.
func FromBackend(err *backend.Error) (Trigger, bool) {
	if err == nil {
		return Trigger{}, false
	}
	if !err.Fatal && err.Kind == backend.ErrorOther {
		return Trigger{}, false
	}
	return Trigger{Class: Classify(err), Reason: err.Details, Err: err}, true
}

// FromStall turns a health observation into a trigger.
func FromStall(r health.Reason) Trigger {
	if r == health.ReasonLoadTimeout {
		return Trigger{Class: models.ClassLoadTimeout, Reason: string(r), Err: models.ErrLoadTimeout}
	}
	return Trigger{Class: models.ClassTransientNetwork, Reason: string(r), Err: models.ErrSilentStall}
}
