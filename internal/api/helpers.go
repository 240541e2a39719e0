package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/quantsim/internal/fakequant"
	"github.com/samcharles93/quantsim/internal/metrics"
	"github.com/samcharles93/quantsim/internal/tensor"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

// writeAPIError classifies err and writes it in the error envelope. op labels
// the validation error counter.
func writeAPIError(c *echo.Context, op string, err error) error {
	status, errType := classify(err)
	if status == http.StatusBadRequest {
		metrics.RecordValidationError(op, errType)
	}
	return writeError(c, status, errType, err.Error(), "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, newInvalidRequest("request body is empty")
		}
		return out, newInvalidRequest(err.Error())
	}
	return out, nil
}

// toTensor validates a payload and copies it into a tensor. A missing shape
// means a flat vector.
func (p TensorPayload) toTensor() (*tensor.Tensor, error) {
	shape := p.Shape
	if shape == nil {
		shape = []int{len(p.Data)}
	}
	data := p.Data
	if data == nil {
		data = []float32{}
	}
	x, err := tensor.FromData(shape, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return x, nil
}

func parseMode(s string) (fakequant.Mode, error) {
	mode, err := fakequant.ParseMode(s)
	if err != nil {
		return mode, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return mode, nil
}

// nonNil keeps empty outputs encoded as [] rather than null.
func nonNil(v []float32) []float32 {
	if v == nil {
		return []float32{}
	}
	return v
}
