package meshgen

import (
	"net/http"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

// mapHTTPError translates a provider HTTP status into one of the fixed
// error kinds. Provider-specific detail survives only as the message.
func mapHTTPError(status int, msg, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &types.Error{Code: types.ErrFailedPrecondition, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusNotFound:
		return &types.Error{Code: types.ErrNotFound, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &types.Error{Code: types.ErrInvalidArgument, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &types.Error{Code: types.ErrResourceExhausted, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &types.Error{Code: types.ErrInternal, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: provider}
	}
}

// transportError wraps a network-level failure.
func transportError(err error, provider string) *types.Error {
	return types.NewError(types.ErrInternal, "provider request failed").
		WithCause(err).
		WithRetryable(true).
		WithProvider(provider)
}

// taskFailed wraps a provider-reported terminal failure.
func taskFailed(msg, provider string) *types.Error {
	return types.NewError(types.ErrInternal, msg).WithProvider(provider)
}
