package inventory

import "fmt"

// ValidationError reports malformed input to a manual correction.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown item name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("item %q not found", e.Name)
}

// StorageError wraps a ledger failure, including exhausted conflict retries.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// finalizeError carries a caller callback's error out of the transaction
// unchanged.
type finalizeError struct {
	err error
}

func (e *finalizeError) Error() string { return e.err.Error() }

func (e *finalizeError) Unwrap() error { return e.err }
