// Package errors provides structured error handling with i18n support.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Field validation errors
	CodeValidationFailed          Code = "VALIDATION_FAILED"
	CodeRequiredValueMissing      Code = "REQUIRED_VALUE_MISSING"
	CodeEncryptionKeyMissing      Code = "ENCRYPTION_KEY_MISSING"
	CodeCaptureSessionMissing     Code = "DOCUMENT_CAPTURE_SESSION_MISSING"
	CodeImageReferenceInvalid     Code = "IMAGE_REFERENCE_INVALID"
	CodeUnsupportedFileType       Code = "UNSUPPORTED_FILE_TYPE"
	CodeUploadTokenInvalid        Code = "UPLOAD_TOKEN_INVALID"
	CodeUploadPayloadTooLarge     Code = "UPLOAD_PAYLOAD_TOO_LARGE"
	CodeStepNotFound              Code = "STEP_NOT_FOUND"
	CodeCaptureAlreadyInProgress  Code = "CAPTURE_ALREADY_IN_PROGRESS"
	CodeCaptureUnsupported        Code = "CAPTURE_UNSUPPORTED"
	CodeUnauthenticated           Code = "UNAUTHENTICATED"
	CodeMFARequired               Code = "MFA_REQUIRED"
	CodeFlowSessionMissingPII     Code = "FLOW_SESSION_MISSING_PII"
	CodeResolutionPayloadInvalid  Code = "RESOLUTION_PAYLOAD_INVALID"
	CodeDocumentAuthenticationBad Code = "DOCUMENT_AUTHENTICATION_FAILED"

	// Image quality errors
	CodeGlareTooLow Code = "QUALITY_GLARE_TOO_LOW"
	CodeTooBlurry   Code = "QUALITY_TOO_BLURRY"

	// Capture and transport errors
	CodeCaptureFailure           Code = "CAPTURE_FAILURE"
	CodeUploadTransportFailure   Code = "UPLOAD_TRANSPORT_FAILURE"
	CodeUnknownSubmissionFailure Code = "UNKNOWN_SUBMISSION_FAILURE"

	// Throttle errors
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures, bad input
	case CodeValidationFailed,
		CodeRequiredValueMissing,
		CodeEncryptionKeyMissing,
		CodeCaptureSessionMissing,
		CodeImageReferenceInvalid,
		CodeUnsupportedFileType,
		CodeStepNotFound,
		CodeGlareTooLow,
		CodeTooBlurry,
		CodeFlowSessionMissingPII,
		CodeResolutionPayloadInvalid:
		return http.StatusBadRequest

	case CodeUploadTokenInvalid, CodeUnauthenticated:
		return http.StatusUnauthorized

	case CodeMFARequired:
		return http.StatusForbidden

	case CodeUploadPayloadTooLarge:
		return http.StatusRequestEntityTooLarge

	// Conflict - state doesn't allow operation
	case CodeCaptureAlreadyInProgress, CodeCaptureUnsupported:
		return http.StatusConflict

	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests

	case CodeNotFound:
		return http.StatusNotFound

	case CodeUploadTransportFailure, CodeDocumentAuthenticationBad:
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
