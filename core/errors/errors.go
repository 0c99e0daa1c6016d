// Package errors classifies ledgerproof failures so the CLI can pick an exit
// code and an operator hint without parsing messages.
//
// Input problems (bad flags, malformed events, unusable key material) are
// invalid_input. A receipt or chain that was read fine but does not check out
// is verification_failed or integrity_violation. A missing key or directory
// is dependency_missing. Ledger lock waits are state_contention and are the
// only retryable class by default.
package errors

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryInvalidInput      Category = "invalid_input"
	CategoryVerification      Category = "verification_failed"
	CategoryIntegrity         Category = "integrity_violation"
	CategoryDependencyMissing Category = "dependency_missing"
	CategoryIOFailure         Category = "io_failure"
	CategoryStateContention   Category = "state_contention"
	CategoryInternalFailure   Category = "internal_failure"
)

var categories = []Category{
	CategoryInvalidInput,
	CategoryVerification,
	CategoryIntegrity,
	CategoryDependencyMissing,
	CategoryIOFailure,
	CategoryStateContention,
	CategoryInternalFailure,
}

// Categories lists every category in reporting order.
func Categories() []Category {
	return append([]Category(nil), categories...)
}

// RetryableByDefault reports whether a failure of this category can succeed
// on a plain retry. Only lock contention qualifies.
func RetryableByDefault(category Category) bool {
	return category == CategoryStateContention
}

// Details is the classification carried by an error, shaped for the JSON
// error envelope.
type Details struct {
	Category  Category `json:"error_category,omitempty"`
	Code      string   `json:"error_code,omitempty"`
	Hint      string   `json:"hint,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
}

type classifiedError struct {
	Details
	cause error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap attaches a category, stable code and operator hint to cause.
// A nil cause stays nil so call sites can wrap unconditionally.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		Details: Details{Category: category, Code: code, Hint: hint, Retryable: retryable},
		cause:   cause,
	}
}

// Newf builds a classified error from a format string. It is retryable only
// when its category is.
func Newf(category Category, code string, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), category, code, "", RetryableByDefault(category))
}

// Contention marks cause as a retryable wait on a lock held by another writer.
func Contention(cause error, code, hint string) error {
	return Wrap(cause, CategoryStateContention, code, hint, true)
}

// DetailsOf returns the outermost classification in err's chain, or the zero
// Details for unclassified errors.
func DetailsOf(err error) Details {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.Details
	}
	return Details{}
}

func CategoryOf(err error) Category {
	return DetailsOf(err).Category
}

func CodeOf(err error) string {
	return DetailsOf(err).Code
}

func HintOf(err error) string {
	return DetailsOf(err).Hint
}

func RetryableOf(err error) bool {
	return DetailsOf(err).Retryable
}
