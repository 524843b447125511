package server

import (
	"errors"
	"net/http"

	"github.com/cat4igp/cat4igp/internal/domain"
	"github.com/cat4igp/cat4igp/internal/negotiator"
)

const (
	errCodeBadRequest     = "bad_request"
	errCodeUnauthorized   = "unauthorized"
	errCodeForbidden      = "forbidden"
	errCodeNotFound       = "not_found"
	errCodeConflict       = "conflict"
	errCodeRateLimit      = "rate_limited"
	errCodeNodeIDSpace    = "node_id_space_exhausted"
	errCodeInternal       = "internal"
	errCodeInvitePrefix   = "invite_"
	errCodeTunnelRetired  = "tunnel_retired"
	errCodeAddressFamily  = "address_family"
	errCodeInvalidPayload = "invalid_payload"
)

// writeError maps the domain error taxonomy onto HTTP statuses. Unknown
// errors become 500 without leaking their text.
func writeError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	if status == http.StatusUnauthorized {
		msg = domain.ErrUnauthorized.Error()
		w.Header().Set("WWW-Authenticate", `Bearer realm="cat4igp"`)
	}
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code})
}

func classifyError(err error) (int, string) {
	var ie *domain.InviteError
	switch {
	case errors.As(err, &ie):
		if ie.Kind == domain.InviteNotFound {
			return http.StatusBadRequest, errCodeInvitePrefix + ie.Kind.String()
		}
		return http.StatusGone, errCodeInvitePrefix + ie.Kind.String()
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, errCodeUnauthorized
	case errors.Is(err, domain.ErrNotTunnelPeer):
		return http.StatusForbidden, errCodeForbidden
	case errors.Is(err, domain.ErrTunnelRetired):
		return http.StatusConflict, errCodeTunnelRetired
	case errors.Is(err, domain.ErrAddressFamily):
		return http.StatusBadRequest, errCodeAddressFamily
	case negotiator.IsPeerError(err),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrInvalidPublicKey),
		errors.Is(err, domain.ErrSameNode):
		return http.StatusBadRequest, errCodeBadRequest
	case errors.Is(err, domain.ErrNodeNotFound),
		errors.Is(err, domain.ErrTunnelNotFound),
		errors.Is(err, domain.ErrMeshNotFound),
		errors.Is(err, domain.ErrStaticKeyNotFound),
		errors.Is(err, domain.ErrSettingNotFound):
		return http.StatusNotFound, errCodeNotFound
	case errors.Is(err, domain.ErrTunnelConflict),
		errors.Is(err, domain.ErrMeshNameInUse):
		return http.StatusConflict, errCodeConflict
	case errors.Is(err, domain.ErrNodeIDSpaceExhausted):
		return http.StatusServiceUnavailable, errCodeNodeIDSpace
	default:
		return http.StatusInternalServerError, errCodeInternal
	}
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: msg, ErrorCode: errCodeInvalidPayload})
}
