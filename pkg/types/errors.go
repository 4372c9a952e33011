package types

import "fmt"

// ErrorKind classifies job failures
type ErrorKind string

const (
	ErrorKindTransport    ErrorKind = "transport"
	ErrorKindMedia        ErrorKind = "media"
	ErrorKindProcessing   ErrorKind = "processing"
	ErrorKindUnclassified ErrorKind = "unclassified"
)

// Wire names used by the local endpoint's error_type field
const (
	ErrorTypeMedia      = "media_error"
	ErrorTypeProcessing = "processing_error"
)

// Pipeline stages a failure can be attributed to
const (
	StageDownload   = "download"
	StageValidation = "validation"
	StageInference  = "inference"
	StageUpload     = "upload"
	StageGenerate   = "generate"
)

// JobError is a classified job failure. It is returned, never panicked.
type JobError struct {
	Kind ErrorKind
	// Type is the error_type declared by the local endpoint, kept verbatim
	Type      string
	Stage     string
	Message   string
	Details   map[string]any
	Retryable bool
}

func (e *JobError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s error at %s: %s", e.Kind, e.Stage, e.Message)
}

// ErrorType returns the wire name of the error. A type declared by the
// local endpoint wins; otherwise everything that is not a media error is
// reported as a processing error.
func (e *JobError) ErrorType() string {
	if e.Type != "" {
		return e.Type
	}
	if e.Kind == ErrorKindMedia {
		return ErrorTypeMedia
	}
	return ErrorTypeProcessing
}

// NewMediaError creates a non-retryable input error
func NewMediaError(stage, message string, details map[string]any) *JobError {
	return &JobError{
		Kind:    ErrorKindMedia,
		Stage:   stage,
		Message: message,
		Details: details,
	}
}

// NewProcessingError creates an execution-side error
func NewProcessingError(stage, message string, retryable bool) *JobError {
	return &JobError{
		Kind:      ErrorKindProcessing,
		Stage:     stage,
		Message:   message,
		Retryable: retryable,
	}
}

// KindFromErrorType maps the endpoint's error_type onto an ErrorKind
func KindFromErrorType(errorType string) ErrorKind {
	if errorType == ErrorTypeMedia {
		return ErrorKindMedia
	}
	return ErrorKindProcessing
}
