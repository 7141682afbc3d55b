// Package errs defines the typed errors the control plane raises and their
// HTTP mapping. Every kind has a stable title; the optional message carries
// per-occurrence detail.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the single error shape used across components.
type Error struct {
	Title   string
	Message string
	Code    int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Title
	}
	return fmt.Sprintf("%s, %s", e.Title, e.Message)
}

// As unwraps err into *Error if possible.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus returns the HTTP code for err, defaulting to 500.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok {
		return e.Code
	}
	return http.StatusInternalServerError
}

func newf(title string, code int, format string, args ...any) *Error {
	return &Error{Title: title, Message: fmt.Sprintf(format, args...), Code: code}
}

// 401

func InvalidAPIKey(format string, args ...any) *Error {
	return newf("Invalid API key", http.StatusUnauthorized, format, args...)
}

func AppNotAllowedForThisAgent(format string, args ...any) *Error {
	return newf("App not allowed for this agent", http.StatusUnauthorized, format, args...)
}

func DailyQuotaExceeded(format string, args ...any) *Error {
	return newf("Daily quota exceeded", http.StatusUnauthorized, format, args...)
}

// 403

func ProjectAccessDenied(format string, args ...any) *Error {
	return newf("Project access denied", http.StatusForbidden, format, args...)
}

func OrgAccessDenied(format string, args ...any) *Error {
	return newf("Org access denied", http.StatusForbidden, format, args...)
}

func AppConfigurationDisabled(format string, args ...any) *Error {
	return newf("App configuration disabled", http.StatusForbidden, format, args...)
}

func LinkedAccountDisabled(format string, args ...any) *Error {
	return newf("Linked account disabled", http.StatusForbidden, format, args...)
}

func CustomInstructionViolation(format string, args ...any) *Error {
	return newf("Custom instruction violation", http.StatusForbidden, format, args...)
}

func MaxProjectsReached(format string, args ...any) *Error {
	return newf("Max projects reached", http.StatusForbidden, format, args...)
}

func MaxAgentsReached(format string, args ...any) *Error {
	return newf("Max agents reached", http.StatusForbidden, format, args...)
}

// 404

func AppNotFound(format string, args ...any) *Error {
	return newf("App not found", http.StatusNotFound, format, args...)
}

func AppConfigurationNotFound(format string, args ...any) *Error {
	return newf("App configuration not found", http.StatusNotFound, format, args...)
}

func LinkedAccountNotFound(format string, args ...any) *Error {
	return newf("Linked account not found", http.StatusNotFound, format, args...)
}

func FunctionNotFound(format string, args ...any) *Error {
	return newf("Function not found", http.StatusNotFound, format, args...)
}

func AgentNotFound(format string, args ...any) *Error {
	return newf("Agent not found", http.StatusNotFound, format, args...)
}

func ProjectNotFound(format string, args ...any) *Error {
	return newf("Project not found", http.StatusNotFound, format, args...)
}

func UserNotFound(format string, args ...any) *Error {
	return newf("User not found", http.StatusNotFound, format, args...)
}

func SubscriptionPlanNotFound(format string, args ...any) *Error {
	return newf("Subscription plan not found", http.StatusNotFound, format, args...)
}

// 409

func AppConfigurationAlreadyExists(format string, args ...any) *Error {
	return newf("App configuration already exists", http.StatusConflict, format, args...)
}

func LinkedAccountAlreadyExists(format string, args ...any) *Error {
	return newf("Linked account already exists", http.StatusConflict, format, args...)
}

// 400

func InvalidFunctionInput(format string, args ...any) *Error {
	return newf("Invalid function input", http.StatusBadRequest, format, args...)
}

func InvalidFunctionDefinitionFormat(format string, args ...any) *Error {
	return newf("Invalid function definition format", http.StatusBadRequest, format, args...)
}

func AppSecuritySchemeNotSupported(format string, args ...any) *Error {
	return newf("App security scheme not supported", http.StatusBadRequest, format, args...)
}

func AgentSecretsManagerError(format string, args ...any) *Error {
	return newf("Agent secrets manager error", http.StatusBadRequest, format, args...)
}

func DependencyCheckError(format string, args ...any) *Error {
	return newf("Dependency check error", http.StatusBadRequest, format, args...)
}

// 5xx

func OAuth2Error(format string, args ...any) *Error {
	return newf("OAuth2 error", http.StatusInternalServerError, format, args...)
}

func UnexpectedError(format string, args ...any) *Error {
	return newf("Unexpected error", http.StatusInternalServerError, format, args...)
}

func NoImplementationFound(format string, args ...any) *Error {
	return newf("No implementation found", http.StatusNotImplemented, format, args...)
}
