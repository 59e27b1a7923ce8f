package m2m

import (
	"errors"
	"fmt"
	"net/http"
)

// RSC is a oneM2M response status code.
type RSC int

const (
	RSCOK      RSC = 2000
	RSCCreated RSC = 2001
	RSCDeleted RSC = 2002
	RSCUpdated RSC = 2004

	RSCBadRequest                               RSC = 4000
	RSCNotFound                                 RSC = 4004
	RSCOperationNotAllowed                      RSC = 4005
	RSCContentsUnacceptable                     RSC = 4102
	RSCOriginatorHasNoPrivilege                 RSC = 4103
	RSCConflict                                 RSC = 4105
	RSCSubscriptionVerificationInitiationFailed RSC = 4107
	RSCUnableToRecallRequest                    RSC = 4202

	RSCInternalServerError         RSC = 5000
	RSCTargetNotReachable          RSC = 5103
	RSCAlreadyExists               RSC = 5106
	RSCRemoteEntityNotReachable    RSC = 5204
	RSCOperationDeniedByRemoteEntity RSC = 5205

	RSCInvalidChildResourceType RSC = 6003
)

// IsSuccess reports whether the status code denotes a successful operation.
func (r RSC) IsSuccess() bool {
	return r >= 2000 && r < 3000
}

// HTTPStatus maps a response status code to its HTTP binding status.
func (r RSC) HTTPStatus() int {
	switch r {
	case RSCOK, RSCUpdated, RSCDeleted:
		return http.StatusOK
	case RSCCreated:
		return http.StatusCreated
	case RSCNotFound:
		return http.StatusNotFound
	case RSCOriginatorHasNoPrivilege, RSCSubscriptionVerificationInitiationFailed:
		return http.StatusForbidden
	case RSCOperationNotAllowed, RSCOperationDeniedByRemoteEntity:
		return http.StatusMethodNotAllowed
	case RSCConflict, RSCAlreadyExists:
		return http.StatusConflict
	case RSCBadRequest, RSCContentsUnacceptable, RSCInvalidChildResourceType, RSCUnableToRecallRequest:
		return http.StatusBadRequest
	case RSCTargetNotReachable, RSCRemoteEntityNotReachable:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Error is a typed CSE error carrying a response status code and a debug
// message. All dispatcher and manager operations report failures as *Error
// values.
type Error struct {
	RSC RSC
	Dbg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rsc %d: %s", e.RSC, e.Dbg)
}

// Errorf builds a typed error with a formatted debug message.
func Errorf(rsc RSC, format string, args ...any) *Error {
	return &Error{RSC: rsc, Dbg: fmt.Sprintf(format, args...)}
}

func ErrNotFound(format string, args ...any) *Error {
	return Errorf(RSCNotFound, format, args...)
}

func ErrAlreadyExists(format string, args ...any) *Error {
	return Errorf(RSCAlreadyExists, format, args...)
}

func ErrBadRequest(format string, args ...any) *Error {
	return Errorf(RSCBadRequest, format, args...)
}

func ErrContentsUnacceptable(format string, args ...any) *Error {
	return Errorf(RSCContentsUnacceptable, format, args...)
}

func ErrNoPrivilege(format string, args ...any) *Error {
	return Errorf(RSCOriginatorHasNoPrivilege, format, args...)
}

func ErrOperationNotAllowed(format string, args ...any) *Error {
	return Errorf(RSCOperationNotAllowed, format, args...)
}

func ErrInvalidChildResourceType(format string, args ...any) *Error {
	return Errorf(RSCInvalidChildResourceType, format, args...)
}

func ErrConflict(format string, args ...any) *Error {
	return Errorf(RSCConflict, format, args...)
}

func ErrInternal(format string, args ...any) *Error {
	return Errorf(RSCInternalServerError, format, args...)
}

func ErrTargetNotReachable(format string, args ...any) *Error {
	return Errorf(RSCTargetNotReachable, format, args...)
}

// RSCOf extracts the response status code from an error. Untyped errors map
// to an internal server error, nil maps to OK.
func RSCOf(err error) RSC {
	if err == nil {
		return RSCOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.RSC
	}
	return RSCInternalServerError
}

// IsRSC reports whether the error carries the given response status code.
func IsRSC(err error, rsc RSC) bool {
	return RSCOf(err) == rsc
}
