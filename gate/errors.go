package gate

import "errors"

// Failure classes surfaced by the bootstrap and logout flows. Handlers catch
// these at the boundary; nothing propagates past a request.
var (
	// ErrSdkUnavailable means provider discovery did not succeed within the
	// bounded poll window.
	ErrSdkUnavailable = errors.New("identity provider unavailable")

	// ErrCallbackExchange means the code/state exchange was rejected or the
	// network failed. The user is returned to the anonymous state, never
	// silently treated as logged in.
	ErrCallbackExchange = errors.New("callback exchange failed")

	// ErrProfileFetch means the userinfo lookup failed. The session is still
	// usable; display falls back to a derived identifier.
	ErrProfileFetch = errors.New("profile fetch failed")

	// ErrLogout means the provider-side logout could not be arranged. Local
	// credentials are cleared regardless.
	ErrLogout = errors.New("logout incomplete")
)
