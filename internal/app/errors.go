package app

import (
	"errors"
	"fmt"
	"net/http"

	"threadline/api/internal/message"
	"threadline/api/internal/popular"
	"threadline/api/internal/store"
	"threadline/api/internal/thread"
)

const notFoundMessage = "Message not found, maybe try again later"

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func messageNotFound(id string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", notFoundMessage, map[string]any{"id": id})
}

func invalidArgument(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_ARGUMENT", message, details)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

// classify turns the user-actionable errors of the core packages into domain
// errors and passes everything else through unchanged.
func classify(err error, id string) error {
	if err == nil {
		return nil
	}
	var notFound *thread.NotFoundError
	if errors.As(err, &notFound) {
		return messageNotFound(notFound.ID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return messageNotFound(id)
	}
	if errors.Is(err, popular.ErrInvalidPeriod) {
		return invalidArgument("Unknown period", map[string]any{
			"period":  id,
			"allowed": []popular.Period{popular.Day, popular.Week, popular.Month, popular.Year},
		})
	}
	var schemaErr *message.SchemaError
	if errors.As(err, &schemaErr) {
		return invalidArgument(schemaErr.Reason, schemaErr)
	}
	return err
}
