package client

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// APIError is a structured error response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Message + " (" + e.Code + ")"
	}
	return e.Message
}

// IsNonRetriable reports whether repeating the request cannot succeed:
// auth failures, bad input, missing objects and exhausted invites.
func IsNonRetriable(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	// Backpressure and timeouts clear on their own.
	if ae.StatusCode == http.StatusTooManyRequests || ae.StatusCode == http.StatusRequestTimeout {
		return false
	}
	return ae.StatusCode >= 400 && ae.StatusCode < 500
}

// IsUnauthorized reports a rejected credential or token.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// IsInviteError reports a rejected invite code.
func IsInviteError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && strings.HasPrefix(ae.Code, "invite_")
}

// shortenError extracts the innermost meaningful message from nested network
// errors so logs read "connection refused" instead of the full dial trace.
func shortenError(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}

func isTLSProvisioningInProgressError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if msg == "" {
		return false
	}
	return strings.Contains(msg, "failed to verify certificate") ||
		strings.Contains(msg, "certificate is not standards compliant") ||
		strings.Contains(msg, "x509:")
}
