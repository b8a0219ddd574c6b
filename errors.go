package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

var (
	// ErrUnauthenticated is returned when no valid credential can be
	// established for the caller (missing/expired/invalid/revoked token).
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidCredentials is returned on a failed username/password check.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrSessionLimitReached is returned when a login would exceed the
	// per-user bound on concurrent sessions. No tokens are issued.
	ErrSessionLimitReached = errors.New("session limit reached")

	// ErrForbidden is returned on a role mismatch for a privileged route.
	ErrForbidden = errors.New("forbidden")

	// ErrUserExists is returned when registering an already-taken username.
	ErrUserExists = errors.New("username already taken")

	// ErrUserNotFound is returned when the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrStoreUnavailable is returned when the shared counter store cannot
	// be reached. Infrastructure failure, never conflated with a rate-limit
	// rejection.
	ErrStoreUnavailable = errors.New("counter store unavailable")
)

// Token verification failures, distinguished per cause.
var (
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenSignature = errors.New("token signature mismatch")
	ErrTokenExpired   = errors.New("token expired")
)

// APIError is the structured error response body.
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeAuthError maps session/token errors to the HTTP surface: every
// authentication failure is a 401, role mismatch is a 403.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient role")
	case errors.Is(err, ErrSessionLimitReached):
		writeError(w, http.StatusUnauthorized, "SESSION_LIMIT_REACHED", "Maximum number of sessions reached")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Incorrect username or password")
	case isAuthFailure(err):
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid authentication credentials")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

func isAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenSignature) ||
		errors.Is(err, ErrTokenExpired)
}
