package mgmt

import (
	"errors"
	"strings"
)

var (
	// ErrConfiguration marks bootstrap-time configuration failures. Callers
	// fail fast on it and never retry.
	ErrConfiguration = errors.New("configuration error")

	ErrMalformedName      = errors.New("malformed object name")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrInstanceExists     = errors.New("instance already exists")
	ErrOperationNotFound  = errors.New("operation not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// OperationError carries the object and operation a failure belongs to while
// keeping the sentinel kind reachable through errors.Is.
type OperationError struct {
	Name      string
	Operation string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil {
		return ""
	}
	base := ""
	if e.Err != nil {
		base = strings.TrimSpace(e.Err.Error())
	}
	subject := strings.TrimSpace(e.Name)
	if op := strings.TrimSpace(e.Operation); op != "" {
		if subject != "" {
			subject += " "
		}
		subject += op
	}
	if subject == "" {
		return base
	}
	if base == "" {
		return subject
	}
	return base + ": " + subject
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewOperationError(name ObjectName, operation string, err error) error {
	if err == nil {
		err = errors.New("operation failed")
	}
	return &OperationError{
		Name:      name.String(),
		Operation: strings.TrimSpace(operation),
		Err:       err,
	}
}

// ExtractOperationError reports the object name and operation recorded on the
// first OperationError in err's chain.
func ExtractOperationError(err error) (name, operation string, ok bool) {
	var typed *OperationError
	if !errors.As(err, &typed) || typed == nil {
		return "", "", false
	}
	return typed.Name, typed.Operation, true
}
