package domain

import "errors"

// Sentinel errors shared by the segmentation and automation layers. Callers
// wrap them with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// ErrNotFound is returned when a segment, automation, or enrollment is missing.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input: unknown operators,
	// rejected SQL predicates, invalid emails, automations without steps.
	ErrValidation = errors.New("validation failed")

	// ErrDelivery is returned when the mail collaborator rejects or times out.
	ErrDelivery = errors.New("delivery failed")

	// ErrConcurrencyConflict is returned when an atomic claim lost the race
	// to another scheduler or evaluator run.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
