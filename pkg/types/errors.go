package types

import (
	"errors"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrDeliveryTimeout = errors.New("delivery timeout")
	ErrLogWrite        = errors.New("log write failure")
)

const (
	KindValidation      string = "validation"
	KindNotFound        string = "not_found"
	KindConflict        string = "conflict"
	KindDeliveryTimeout string = "delivery_timeout"
	KindLogWrite        string = "log_write_failure"
	KindInternal        string = "internal"
)

type ErrorResult struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrDeliveryTimeout):
		return KindDeliveryTimeout
	case errors.Is(err, ErrLogWrite):
		return KindLogWrite
	default:
		return KindInternal
	}
}

func NewErrorResult(err error) ErrorResult {
	return ErrorResult{
		Error:   ErrorKind(err),
		Message: err.Error(),
	}
}
