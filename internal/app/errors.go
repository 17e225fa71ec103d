package app

import "fmt"

// StatusClientClosedRequest reports a client that disconnected mid-upload;
// it is distinct from any server failure.
const StatusClientClosedRequest = 499

type DomainError struct {
	Status  int
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func domainError(status int, message string) *DomainError {
	return &DomainError{Status: status, Message: message}
}
