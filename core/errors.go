package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput              = "FULFILLMENT_BAD_INPUT"
	ErrorSignatureInvalid      = "FULFILLMENT_SIGNATURE_INVALID"
	ErrorMalformedEvent        = "FULFILLMENT_MALFORMED_EVENT"
	ErrorOrderNotFound         = "FULFILLMENT_ORDER_NOT_FOUND"
	ErrorStatusConflict        = "FULFILLMENT_STATUS_CONFLICT"
	ErrorTransitionPersistence = "FULFILLMENT_TRANSITION_PERSISTENCE_FAILED"
	ErrorCompensationFailed    = "FULFILLMENT_COMPENSATION_FAILED"
	ErrorSubmissionFailed      = "FULFILLMENT_SUBMISSION_FAILED"
	ErrorSubmissionInProgress  = "FULFILLMENT_SUBMISSION_IN_PROGRESS"
	ErrorRefundNotAllowed      = "FULFILLMENT_REFUND_NOT_ALLOWED"
	ErrorExternalFailure       = "FULFILLMENT_EXTERNAL_FAILURE"
	ErrorInternal              = "FULFILLMENT_INTERNAL_ERROR"
	ErrorPermissionDenied      = "FULFILLMENT_PERMISSION_DENIED"
)

// MapError converts any error into the rich envelope returned to callers.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	switch {
	case goerrors.Is(err, ErrSignatureInvalid):
		return newError(err.Error(), goerrors.CategoryAuth, ErrorSignatureInvalid)
	case goerrors.Is(err, ErrMalformedEvent):
		return newError(err.Error(), goerrors.CategoryBadInput, ErrorMalformedEvent)
	case goerrors.Is(err, ErrOrderNotFound), goerrors.Is(err, ErrUserNotFound):
		return newError(err.Error(), goerrors.CategoryNotFound, ErrorOrderNotFound)
	case goerrors.Is(err, ErrOrderStatusConflict):
		return newError(err.Error(), goerrors.CategoryConflict, ErrorStatusConflict)
	case goerrors.Is(err, ErrRefundNotAllowed):
		return newError(err.Error(), goerrors.CategoryConflict, ErrorRefundNotAllowed)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "must"):
		return newError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

// HTTPStatus returns the response status class for err.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	mapped := MapError(err)
	if mapped == nil || mapped.Code == 0 {
		return http.StatusInternalServerError
	}
	return mapped.Code
}

func NewBadInputError(message string) error {
	return newError(message, goerrors.CategoryBadInput, ErrorBadInput)
}

func NewAuthenticationError(cause error, metadata map[string]any) error {
	return wrapError(cause, goerrors.CategoryAuth, "webhook signature verification failed", ErrorSignatureInvalid, metadata)
}

func NewMalformedEventError(cause error, metadata map[string]any) error {
	return wrapError(cause, goerrors.CategoryBadInput, "webhook payload is malformed", ErrorMalformedEvent, metadata)
}

func NewTransitionPersistenceError(cause error, metadata map[string]any) error {
	return wrapError(cause, goerrors.CategoryInternal, "order transition could not be persisted", ErrorTransitionPersistence, metadata)
}

func NewCompensationError(cause error, metadata map[string]any) error {
	return wrapError(cause, goerrors.CategoryInternal, "order refund could not be recorded", ErrorCompensationFailed, metadata)
}

func NewSubmissionError(cause error, metadata map[string]any) error {
	return wrapError(cause, goerrors.CategoryExternal, "print job submission failed", ErrorSubmissionFailed, metadata)
}

// NewSubmissionInProgressError tells a concurrent caller another submission
// holds the order. Webhook callers answer it with a retryable status.
func NewSubmissionInProgressError(metadata map[string]any) error {
	return wrapError(ErrSubmissionInProgress, goerrors.CategoryConflict, "print job submission already in progress", ErrorSubmissionInProgress, metadata)
}

// wrapError always produces an envelope with the given category and text code,
// keeping the cause reachable through errors.Is.
func wrapError(
	cause error,
	category goerrors.Category,
	message string,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(httpStatus(category)).
		WithTextCode(textCode)
	if cause != nil {
		err.Source = cause
		err.Message = message + ": " + cause.Error()
	}
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func newError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorOrderNotFound
	case goerrors.CategoryAuth:
		return ErrorSignatureInvalid
	case goerrors.CategoryAuthz:
		return ErrorPermissionDenied
	case goerrors.CategoryConflict:
		return ErrorStatusConflict
	case goerrors.CategoryExternal:
		return ErrorExternalFailure
	default:
		return ErrorInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
