package server

import "errors"

var (
	// ErrCredentialInvalid means the IdP rejected a basic or bearer credential.
	ErrCredentialInvalid = errors.New("credential invalid")
	// ErrTokenExpired is returned by admin calls whose token the IdP no longer accepts.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRefreshFailed means a refresh_token grant for the admin token failed.
	ErrTokenRefreshFailed = errors.New("token refresh failed")
	// ErrScopeDenied is raised by mappers when the identity is not allowed into a scope.
	ErrScopeDenied = errors.New("scope denied")
	// ErrUnknownMapper means no mapper is registered under the requested target.
	ErrUnknownMapper = errors.New("unknown mapper")
	// ErrUnknownValidator means no validator is registered for the Authorization scheme.
	ErrUnknownValidator = errors.New("unknown validator")
	// ErrIdPUnreachable covers network, timeout and non-OAuth HTTP failures talking to the IdP.
	ErrIdPUnreachable = errors.New("identity provider unreachable")
)
