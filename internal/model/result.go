package model

// Status classifies the outcome of a per-document or per-job operation.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusSkipped        Status = "skipped"
	StatusError          Status = "error"
)

// ErrorKind names a failure class from the error taxonomy. Result
// carriers report it alongside Status so callers can branch without
// parsing error strings.
type ErrorKind string

const (
	ErrTransientNetwork   ErrorKind = "transient_network_error"
	ErrEmbedding          ErrorKind = "embedding_error"
	ErrExtraction         ErrorKind = "extraction_error"
	ErrValidation         ErrorKind = "validation_error"
	ErrDeadlineExceeded   ErrorKind = "deadline_exceeded"
	ErrDuplicateSkipped   ErrorKind = "duplicate_skipped"
	ErrPartialSuccess     ErrorKind = "partial_success"
	ErrFatalConfiguration ErrorKind = "fatal_configuration_error"
	ErrInternal           ErrorKind = "internal_error"
)
