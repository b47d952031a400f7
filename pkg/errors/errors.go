package errors

import (
	stderrors "errors"
	"fmt"
)

// Protocol errors returned to clients. Codes follow RFC 6749 §5.2 where one exists.
var (
	ErrInvalidRequest = &ServiceError{
		Code:    "invalid_request",
		Message: "The request is missing a required parameter or is otherwise malformed",
		Status:  400,
	}

	ErrInvalidClient = &ServiceError{
		Code:    "invalid_client",
		Message: "Client authentication failed",
		Status:  401,
	}

	// ErrInvalidGrant covers unknown, expired, used, mismatched and PKCE-failed
	// grants alike so callers cannot tell which check failed.
	ErrInvalidGrant = &ServiceError{
		Code:    "invalid_grant",
		Message: "The provided authorization grant is invalid, expired, or revoked",
		Status:  400,
	}

	ErrUnauthorizedClient = &ServiceError{
		Code:    "unauthorized_client",
		Message: "The client is not authorized to use this grant or response type",
		Status:  400,
	}

	ErrUnsupportedGrantType = &ServiceError{
		Code:    "unsupported_grant_type",
		Message: "The grant type is not supported",
		Status:  400,
	}

	ErrUnsupportedResponseType = &ServiceError{
		Code:    "unsupported_response_type",
		Message: "The response type is not supported",
		Status:  400,
	}

	ErrInvalidScope = &ServiceError{
		Code:    "invalid_scope",
		Message: "The requested scope is invalid or exceeds the client's allowed scopes",
		Status:  400,
	}

	ErrLoginRequired = &ServiceError{
		Code:    "login_required",
		Message: "The resource owner must be authenticated",
		Status:  401,
	}

	ErrInvalidToken = &ServiceError{
		Code:    "invalid_token",
		Message: "Invalid or expired token",
		Status:  401,
	}

	ErrInvalidCredentials = &ServiceError{
		Code:    "invalid_credentials",
		Message: "Invalid email or password",
		Status:  401,
	}

	ErrTooManyAttempts = &ServiceError{
		Code:    "too_many_attempts",
		Message: "Too many failed attempts, try again later",
		Status:  429,
	}

	ErrRateLimitExceeded = &ServiceError{
		Code:    "rate_limit_exceeded",
		Message: "Rate limit exceeded",
		Status:  429,
	}

	ErrReauthenticationRequired = &ServiceError{
		Code:    "reauthentication_required",
		Message: "The linked provider account must be re-authorized",
		Status:  401,
	}

	ErrEmailTaken = &ServiceError{
		Code:    "email_exists",
		Message: "An account with this email already exists",
		Status:  409,
	}

	ErrProviderUnavailable = &ServiceError{
		Code:    "provider_error",
		Message: "The external provider could not complete the request",
		Status:  502,
	}

	ErrNotFoundResponse = &ServiceError{
		Code:    "not_found",
		Message: "Resource not found",
		Status:  404,
	}

	ErrInternalServer = &ServiceError{
		Code:    "server_error",
		Message: "Internal server error",
		Status:  500,
	}
)

// Internal error kinds. They never reach clients verbatim.
var (
	ErrNotFound              = stderrors.New("not found")
	ErrDuplicateCodeUse      = stderrors.New("authorization code already used")
	ErrTokenAlreadyRevoked   = stderrors.New("refresh token already revoked")
	ErrTokenDecryptionFailed = stderrors.New("token could not be decrypted")
	ErrEmailExists           = stderrors.New("email already exists")
	ErrTokenExpired          = stderrors.New("token expired")
	ErrTokenInvalid          = stderrors.New("token invalid")
)

// ServiceError represents a service-level error
type ServiceError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches wrapped copies against the sentinel they were made from.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Status == t.Status
}

// Wrap wraps an error with a ServiceError
func Wrap(err error, serviceErr *ServiceError) *ServiceError {
	return &ServiceError{
		Code:    serviceErr.Code,
		Message: serviceErr.Message,
		Status:  serviceErr.Status,
		Err:     err,
	}
}

// From returns the ServiceError carried by err, or a wrapped ErrInternalServer.
func From(err error) *ServiceError {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return Wrap(err, ErrInternalServer)
}
