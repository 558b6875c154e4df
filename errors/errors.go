package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/livepeer/listing-pipeline/log"
	"github.com/xeipuuv/gojsonschema"
)

type APIError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func writeHttpError(w http.ResponseWriter, msg string, status int, err error) APIError {
	w.WriteHeader(status)

	var errorDetail string
	if err != nil {
		errorDetail = err.Error()
	}

	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg, "error_detail": errorDetail}); err != nil {
		log.LogNoRequestID("error writing HTTP error", "http_error_msg", msg, "error", err)
	}
	return APIError{msg, status, err}
}

// HTTP Errors
func WriteHTTPUnauthorized(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusUnauthorized, err)
}

func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPUnsupportedMediaType(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusUnsupportedMediaType, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusNotFound, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) APIError {
	return writeHttpError(w, msg, http.StatusInternalServerError, err)
}

func WriteHTTPBadBodySchema(where string, w http.ResponseWriter, errors []gojsonschema.ResultError) APIError {
	sb := strings.Builder{}
	sb.WriteString("Body validation error in ")
	sb.WriteString(where)
	sb.WriteString(" ")
	for i := 0; i < len(errors); i++ {
		sb.WriteString(errors[i].String())
		sb.WriteString(" ")
	}
	return writeHttpError(w, sb.String(), http.StatusBadRequest, nil)
}

// Special wrapper for errors that should set the `Unretriable` field in the
// error callback sent on VOD upload jobs.
type UnretriableError struct{ error }

func Unretriable(err error) error {
	return backoff.Permanent(UnretriableError{err})
}

func (e UnretriableError) Unwrap() error {
	return e.error
}

// Returns whether the given error is an unretriable error.
func IsUnretriable(err error) bool {
	return errors.As(err, &UnretriableError{})
}

type ObjectNotFoundError struct {
	msg   string
	cause error
}

func (e ObjectNotFoundError) Error() string {
	return e.msg
}

func (e ObjectNotFoundError) Unwrap() error {
	return e.cause
}

func NewObjectNotFoundError(msg string, cause error) error {
	if cause != nil {
		msg = fmt.Sprintf("ObjectNotFoundError: %s: %s", msg, cause)
	} else {
		msg = fmt.Sprintf("ObjectNotFoundError: %s", msg)
	}
	// every not found is unretriable
	return UnretriableError{ObjectNotFoundError{msg: msg, cause: cause}}
}

// IsObjectNotFound checks if the error is an ObjectNotFoundError.
func IsObjectNotFound(err error) bool {
	return errors.As(err, &ObjectNotFoundError{})
}

var (
	UnauthorisedError    = errors.New("UnauthorisedError")
	InvalidJWT           = errors.New("InvalidJWTError")
	EmptyAccessKeyError  = errors.New("EmptyAccessKeyError")
)

// Kind classifies a pipeline failure for the job's persisted errorDetails
// and for metrics labeling. See spec §7 for the full taxonomy and
// propagation policy.
type Kind string

const (
	KindLocked               Kind = "LOCKED"
	KindInputInvalid         Kind = "INPUT_INVALID"
	KindVisionFailed         Kind = "VISION_FAILED"
	KindMotionFailed         Kind = "MOTION_FAILED"
	KindMotionMissing        Kind = "MOTION_MISSING"
	KindPersistedURLMismatch Kind = "PERSISTED_URL_MISMATCH"
	KindMapFailed            Kind = "MAP_FAILED"
	KindMapRequired          Kind = "MAP_REQUIRED"
	KindNoValidClips         Kind = "NO_VALID_CLIPS"
	KindMuxFailed            Kind = "MUX_FAILED"
	KindUploadFailed         Kind = "UPLOAD_FAILED"
	KindNoTemplateSucceeded  Kind = "NO_TEMPLATE_SUCCEEDED"
	KindTimeout              Kind = "TIMEOUT"
	KindCancelled            Kind = "CANCELLED"
	KindInternal             Kind = "INTERNAL"
)

// PipelineError carries a taxonomy Kind alongside the wrapped cause, so job
// state can record errorDetails.kind without string-matching on messages.
type PipelineError struct {
	Kind Kind
	Msg  string
	Err  error
}

func NewPipelineError(kind Kind, msg string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Msg: msg, Err: cause}
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *PipelineError, defaulting to KindInternal otherwise.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// Terminal reports whether kind ends the whole job rather than being
// contained at the clip/template level, per spec §7's propagation policy.
func (k Kind) Terminal() bool {
	switch k {
	case KindLocked, KindNoValidClips, KindNoTemplateSucceeded, KindTimeout, KindCancelled, KindInternal, KindInputInvalid, KindMapRequired, KindMotionMissing:
		return true
	default:
		return false
	}
}
