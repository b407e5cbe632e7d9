package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing indicates the form carried no CSRF token.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch indicates the CSRF token does not match the session.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")

	// ErrUnauthenticated indicates the request carries no usable credential.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidToken indicates a credential that failed signature or expiry checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrPrincipalInactive indicates the identity exists but is not active.
	ErrPrincipalInactive = errors.New("principal inactive")
	// ErrPrincipalUnavailable indicates the identity store could not be reached in time.
	ErrPrincipalUnavailable = errors.New("principal unavailable")
	// ErrResolutionLoop indicates principal resolution re-entered itself past the call ceiling.
	ErrResolutionLoop = errors.New("principal resolution loop detected")
	// ErrForbidden indicates an authorization denial.
	ErrForbidden = errors.New("forbidden")
	// ErrConfiguration indicates a malformed policy caught at load time.
	ErrConfiguration = errors.New("configuration error")
)

// TreatAsUnauthenticated reports whether err must degrade to an unauthenticated
// outcome at the boundary.
func TreatAsUnauthenticated(err error) bool {
	return errors.Is(err, ErrPrincipalUnavailable) || errors.Is(err, ErrResolutionLoop)
}
