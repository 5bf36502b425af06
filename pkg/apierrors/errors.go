// SPDX-License-Identifier: Apache-2.0

// Package apierrors defines the typed error taxonomy visible at the API
// surface, mirroring the Reason/Code shape of
// k8s.io/apimachinery/pkg/api/errors, scoped down to what this core
// actually returns.
package apierrors

import "fmt"

// Reason is a short machine-readable error classification.
type Reason string

const (
	ReasonBadRequest         Reason = "BadRequest"
	ReasonNotFound           Reason = "NotFound"
	ReasonAlreadyExists      Reason = "AlreadyExists"
	ReasonConflict           Reason = "Conflict"
	ReasonUnprocessableEntity Reason = "UnprocessableEntity"
	ReasonInternal           Reason = "Internal"
	ReasonServiceUnavailable Reason = "ServiceUnavailable"
	ReasonExpired            Reason = "Expired"
)

// codes maps each Reason to the HTTP status code an API layer in front
// of this process would surface; this core never speaks HTTP itself.
var codes = map[Reason]int{
	ReasonBadRequest:          400,
	ReasonNotFound:            404,
	ReasonAlreadyExists:       409,
	ReasonConflict:            409,
	ReasonUnprocessableEntity: 422,
	ReasonInternal:            500,
	ReasonServiceUnavailable:  503,
	ReasonExpired:             410,
}

// StatusError is the error type returned by every Object Store and
// controller operation that fails in a way an external API consumer
// would need to distinguish.
type StatusError struct {
	Reason  Reason
	Kind    string
	Name    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Kind != "" && e.Name != "" {
		return fmt.Sprintf("%s %q: %s", e.Kind, e.Name, e.Reason)
	}
	return string(e.Reason)
}

// Code returns the HTTP status code associated with the error's Reason.
func (e *StatusError) Code() int { return codes[e.Reason] }

// NewNotFound builds a NotFound StatusError for kind/name.
func NewNotFound(kind, name string) *StatusError {
	return &StatusError{Reason: ReasonNotFound, Kind: kind, Name: name,
		Message: fmt.Sprintf("%s %q not found", kind, name)}
}

// NewAlreadyExists builds an AlreadyExists StatusError for kind/name.
func NewAlreadyExists(kind, name string) *StatusError {
	return &StatusError{Reason: ReasonAlreadyExists, Kind: kind, Name: name,
		Message: fmt.Sprintf("%s %q already exists", kind, name)}
}

// NewConflict builds a Conflict StatusError, e.g. a resourceVersion
// precondition mismatch.
func NewConflict(kind, name, msg string) *StatusError {
	return &StatusError{Reason: ReasonConflict, Kind: kind, Name: name, Message: msg}
}

// NewBadRequest builds a BadRequest StatusError.
func NewBadRequest(msg string) *StatusError {
	return &StatusError{Reason: ReasonBadRequest, Message: msg}
}

// NewUnprocessableEntity builds an UnprocessableEntity StatusError.
func NewUnprocessableEntity(msg string) *StatusError {
	return &StatusError{Reason: ReasonUnprocessableEntity, Message: msg}
}

// NewInternal builds an Internal StatusError carrying msg.
func NewInternal(msg string) *StatusError {
	return &StatusError{Reason: ReasonInternal, Message: msg}
}

// NewExpired builds an Expired StatusError for a watch resumed before
// the retained history.
func NewExpired(msg string) *StatusError {
	return &StatusError{Reason: ReasonExpired, Message: msg}
}

// IsNotFound reports whether err is a NotFound StatusError.
func IsNotFound(err error) bool { return hasReason(err, ReasonNotFound) }

// IsAlreadyExists reports whether err is an AlreadyExists StatusError.
func IsAlreadyExists(err error) bool { return hasReason(err, ReasonAlreadyExists) }

// IsConflict reports whether err is a Conflict StatusError.
func IsConflict(err error) bool { return hasReason(err, ReasonConflict) }

// IsExpired reports whether err is an Expired StatusError.
func IsExpired(err error) bool { return hasReason(err, ReasonExpired) }

func hasReason(err error, r Reason) bool {
	se, ok := err.(*StatusError)
	return ok && se.Reason == r
}
