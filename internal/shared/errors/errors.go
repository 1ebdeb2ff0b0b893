// Package errors defines the error taxonomy shared across the sandbox
// subsystem. Callers classify failures with errors.Is against the sentinel
// values; HTTPStatus maps them onto the wire.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the failure classes the subsystem distinguishes.
// Command failures with a non-zero exit are NOT errors; they are returned as
// data so an automated caller can react without unwinding.
var (
	ErrNotFound            = errors.New("not found")
	ErrNotReady            = errors.New("not ready")
	ErrProvisionFailed     = errors.New("provision failed")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrCommandTimeout      = errors.New("command timeout")
	ErrPathTraversal       = errors.New("path escapes sandbox root")
)

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// NotReadyf wraps ErrNotReady with context.
func NotReadyf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotReady)...)
}

// ProvisionFailedf wraps ErrProvisionFailed with context.
func ProvisionFailedf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrProvisionFailed)...)
}

// UpstreamUnreachablef wraps ErrUpstreamUnreachable with context.
func UpstreamUnreachablef(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrUpstreamUnreachable)...)
}

// CommandTimeoutf wraps ErrCommandTimeout with context.
func CommandTimeoutf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrCommandTimeout)...)
}

// HTTPStatus maps a classified error onto an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstreamUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrPathTraversal):
		return http.StatusBadRequest
	case errors.Is(err, ErrProvisionFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Is re-exports errors.Is so call sites don't need to import both packages.
func Is(err, target error) bool { return errors.Is(err, target) }
