package main

import (
	"errors"
	"time"
)

// SessionTokens is the result of opening a session: one short-lived access
// token and one long-lived refresh token.
type SessionTokens struct {
	Username     string `json:"username"`
	Role         string `json:"role"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// SessionManager owns the session state machine: login, registration,
// silent renewal, logout and master-logout. Every refresh token it issues
// lives in the owning user's token list; a refresh token that has been
// removed from that list is dead even while its signature is still valid.
type SessionManager struct {
	db          DB
	codec       *TokenCodec
	accessTTL   time.Duration
	refreshTTL  time.Duration
	maxSessions int
}

func NewSessionManager(db DB, codec *TokenCodec, accessTTL, refreshTTL time.Duration, maxSessions int) *SessionManager {
	return &SessionManager{
		db:          db,
		codec:       codec,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		maxSessions: maxSessions,
	}
}

// Register creates the user record and opens its first session.
func (s *SessionManager) Register(username, password string) (*SessionTokens, error) {
	return s.register(username, password, RoleUser)
}

// CreateAdmin is identical to Register except the role is forced to admin.
// Callers gate it with the static admin API key; it is a capability check,
// not part of this state machine.
func (s *SessionManager) CreateAdmin(username, password string) (*SessionTokens, error) {
	return s.register(username, password, RoleAdmin)
}

func (s *SessionManager) register(username, password, role string) (*SessionTokens, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.CreateUser(username, hash, role); err != nil {
		return nil, err
	}
	return s.beginSession(username, role)
}

// Login verifies the password and opens a session.
func (s *SessionManager) Login(username, password string) (*SessionTokens, error) {
	u, err := s.db.GetUser(username)
	if err != nil {
		return nil, err
	}
	if u == nil || !comparePassword(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return s.beginSession(u.Username, u.Role)
}

// beginSession issues an access and a refresh token and appends the refresh
// token to the user's list. The append enforces the concurrent-session cap
// atomically in the store; when the list is full it fails with
// ErrSessionLimitReached and nothing is mutated. The cap blocks the login,
// it does not evict the oldest session.
func (s *SessionManager) beginSession(username, role string) (*SessionTokens, error) {
	refresh, err := s.codec.Issue(username, role, TokenKindRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	access, err := s.codec.Issue(username, role, TokenKindAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	if err := s.db.AppendRefreshToken(username, refresh, s.maxSessions); err != nil {
		return nil, err
	}
	return &SessionTokens{Username: username, Role: role, AccessToken: access, RefreshToken: refresh}, nil
}

// Resolve establishes the caller's identity from the presented tokens.
//
// A valid access token resolves on its own with no store access. Otherwise
// the refresh token is verified and checked against the subject's stored
// list, and on success a fresh access token is minted and returned in
// newAccess for the caller to re-issue — silent renewal, attempted exactly
// once, never touching the refresh token itself. Every failure is
// ErrUnauthenticated.
func (s *SessionManager) Resolve(accessToken, refreshToken string) (ident *Identity, newAccess string, err error) {
	if accessToken != "" {
		if claims, verr := s.codec.Verify(accessToken); verr == nil && claims.Kind == TokenKindAccess && claims.Subject != "" {
			return &Identity{Username: claims.Subject, Role: claims.Role}, "", nil
		}
	}

	if refreshToken == "" {
		return nil, "", ErrUnauthenticated
	}
	claims, verr := s.codec.Verify(refreshToken)
	if verr != nil || claims.Kind != TokenKindRefresh || claims.Subject == "" {
		return nil, "", ErrUnauthenticated
	}
	ok, err := s.db.HasRefreshToken(claims.Subject, refreshToken)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		// Signature-valid but revoked or rotated out.
		return nil, "", ErrUnauthenticated
	}
	access, err := s.codec.Issue(claims.Subject, claims.Role, TokenKindAccess, s.accessTTL)
	if err != nil {
		return nil, "", err
	}
	return &Identity{Username: claims.Subject, Role: claims.Role}, access, nil
}

// Logout removes exactly the presented refresh token from its owner's list.
// Removing a token that is already gone is a no-op, keeping logout
// idempotent.
func (s *SessionManager) Logout(refreshToken string) error {
	claims, err := s.verifyRefresh(refreshToken)
	if err != nil {
		return err
	}
	if err := s.db.RemoveRefreshToken(claims.Subject, refreshToken); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUnauthenticated
		}
		return err
	}
	return nil
}

// MasterLogout clears the subject's entire token list, invalidating every
// concurrent session for that user regardless of which device initiated it.
func (s *SessionManager) MasterLogout(refreshToken string) error {
	claims, err := s.verifyRefresh(refreshToken)
	if err != nil {
		return err
	}
	if err := s.db.ClearRefreshTokens(claims.Subject); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUnauthenticated
		}
		return err
	}
	return nil
}

func (s *SessionManager) verifyRefresh(refreshToken string) (*Claims, error) {
	if refreshToken == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := s.codec.Verify(refreshToken)
	if err != nil || claims.Kind != TokenKindRefresh || claims.Subject == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// RequireRole guards privileged operations.
func RequireRole(ident *Identity, role string) error {
	if ident == nil || ident.Role != role {
		return ErrForbidden
	}
	return nil
}
