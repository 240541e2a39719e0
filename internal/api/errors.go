package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/quantsim/internal/fakequant"
	"github.com/samcharles93/quantsim/internal/plan"
	"github.com/samcharles93/quantsim/internal/session"
	"github.com/samcharles93/quantsim/internal/tensor"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

var badRequestErrors = []error{
	ErrInvalidRequest,
	plan.ErrInvalidPlan,
	plan.ErrUnknownStrategy,
	fakequant.ErrInvalidBitLength,
	fakequant.ErrInvalidAxis,
	fakequant.ErrInvalidWindowSize,
	fakequant.ErrInvalidMovingRate,
	fakequant.ErrInvalidMode,
	fakequant.ErrShapeMismatch,
	fakequant.ErrInvalidState,
	fakequant.ErrNoGradient,
	tensor.ErrInvalidShape,
	tensor.ErrShapeMismatch,
}

// classify maps an error onto an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, plan.ErrUnknownLayer):
		return http.StatusNotFound, "not_found_error"
	}
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest, "invalid_request_error"
		}
	}
	return http.StatusInternalServerError, "server_error"
}
