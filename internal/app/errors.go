package app

import "fmt"

// DomainError is a chat-domain failure carrying the HTTP status and the
// stable machine code the API contract exposes (VALIDATION_ERROR, FORBIDDEN,
// NOT_FOUND, CONFLICT, UNAUTHORIZED).
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
