package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T) (*SessionManager, *MemDB) {
	t.Helper()
	db := NewMemoryDB()
	codec := NewTokenCodec([]byte("test-secret"))
	return NewSessionManager(db, codec, 5*time.Minute, 15*24*time.Hour, 5), db
}

func TestRegisterOpensFirstSession(t *testing.T) {
	t.Parallel()

	s, db := newTestSessions(t)
	tokens, err := s.Register("alice", "pw")
	require.NoError(t, err)
	require.Equal(t, "alice", tokens.Username)
	require.Equal(t, RoleUser, tokens.Role)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)

	u, err := db.GetUser("alice")
	require.NoError(t, err)
	require.Len(t, u.Tokens, 1)
	require.Equal(t, tokens.RefreshToken, u.Tokens[0])
}

func TestRegisterDuplicateUsername(t *testing.T) {
	t.Parallel()

	s, _ := newTestSessions(t)
	_, err := s.Register("alice", "pw")
	require.NoError(t, err)

	_, err = s.Register("alice", "other")
	require.ErrorIs(t, err, ErrUserExists)
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()

	s, _ := newTestSessions(t)
	_, err := s.Register("alice", "pw")
	require.NoError(t, err)

	_, err = s.Login("alice", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Login("nobody", "pw")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionLimitBlocksSixthLogin(t *testing.T) {
	t.Parallel()

	s, db := newTestSessions(t)
	_, err := s.Register("alice", "pw")
	require.NoError(t, err)

	var fifth *SessionTokens
	for i := 0; i < 4; i++ {
		fifth, err = s.Login("alice", "pw")
		require.NoError(t, err)
	}

	// Five concurrent sessions exist; the next login is blocked, not evicted.
	_, err = s.Login("alice", "pw")
	require.ErrorIs(t, err, ErrSessionLimitReached)

	u, err := db.GetUser("alice")
	require.NoError(t, err)
	require.Len(t, u.Tokens, 5, "failed login must not mutate the session list")

	// One logout frees a slot.
	require.NoError(t, s.Logout(fifth.RefreshToken))
	_, err = s.Login("alice", "pw")
	require.NoError(t, err)
}

func TestResolveFastPathSkipsStore(t *testing.T) {
	t.Parallel()

	s, _ := newTestSessions(t)
	tokens, err := s.Register("alice", "pw")
	require.NoError(t, err)

	// A valid access token resolves without consulting the session list,
	// so not even a revoked session can affect it.
	require.NoError(t, s.MasterLogout(tokens.RefreshToken))

	ident, newAccess, err := s.Resolve(tokens.AccessToken, "")
	require.NoError(t, err)
	require.Empty(t, newAccess)
	require.Equal(t, "alice", ident.Username)
	require.Equal(t, RoleUser, ident.Role)
}

func TestResolveSilentRenewal(t *testing.T) {
	t.Parallel()

	s, db := newTestSessions(t)
	tokens, err := s.Register("alice", "pw")
	require.NoError(t, err)

	expired, err := s.codec.Issue("alice", RoleUser, TokenKindAccess, -time.Minute)
	require.NoError(t, err)

	ident, newAccess, err := s.Resolve(expired, tokens.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "alice", ident.Username)
	require.NotEmpty(t, newAccess)

	// The renewed token is a usable access token for the same subject.
	claims, err := s.codec.Verify(newAccess)
	require.NoError(t, err)
	require.Equal(t, TokenKindAccess, claims.Kind)
	require.Equal(t, "alice", claims.Subject)

	// Renewal never rotates or duplicates refresh tokens.
	u, err := db.GetUser("alice")
	require.NoError(t, err)
	require.Equal(t, []string{tokens.RefreshToken}, u.Tokens)
}

func TestResolveExpiredAccessWithoutRefresh(t *testing.T) {
	t.Parallel()

	s, _ := newTestSessions(t)
	_, err := s.Register("alice", "pw")
	require.NoError(t, err)

	expired, err := s.codec.Issue("alice", RoleUser, TokenKindAccess, -time.Minute)
	require.NoError(t, err)

	_, _, err = s.Resolve(expired, "")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolveRejectsRevokedRefreshToken(t *testing.T) {
	t.Parallel()

	s, _ := newTestSessions(t)
	tokens, err := s.Register("alice", "pw")
	require.NoError(t, err)

	require.NoError(t, s.Logout(tokens.RefreshToken))

	// Signature and expiry are still fine, but the token has been removed
	// from the session list.
	_, _, err = s.Resolve("", tokens.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolveRejectsWrongKind(t *testing.T) {
	t.Parallel()

	s, _ := newTestSessions(t)
	tokens, err := s.Register("alice", "pw")
	require.NoError(t, err)

	// A refresh token presented as an access token does not fast-path, and
	// an access token presented as a refresh token cannot renew.
	_, _, err = s.Resolve(tokens.RefreshToken, "")
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, _, err = s.Resolve("", tokens.AccessToken)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestLogoutIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newTestSessions(t)
	tokens, err := s.Register("alice", "pw")
	require.NoError(t, err)

	require.NoError(t, s.Logout(tokens.RefreshToken))
	require.NoError(t, s.Logout(tokens.RefreshToken), "removing an absent token is a no-op")
}

func TestLogoutInvalidatesOnlyOneSession(t *testing.T) {
	t.Parallel()

	s, _ := newTestSessions(t)
	first, err := s.Register("alice", "pw")
	require.NoError(t, err)
	second, err := s.Login("alice", "pw")
	require.NoError(t, err)

	require.NoError(t, s.Logout(first.RefreshToken))

	_, _, err = s.Resolve("", first.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, _, err = s.Resolve("", second.RefreshToken)
	require.NoError(t, err)
}

func TestMasterLogoutInvalidatesEverySession(t *testing.T) {
	t.Parallel()

	s, _ := newTestSessions(t)
	var sessions []*SessionTokens
	first, err := s.Register("alice", "pw")
	require.NoError(t, err)
	sessions = append(sessions, first)
	for i := 0; i < 3; i++ {
		tokens, err := s.Login("alice", "pw")
		require.NoError(t, err)
		sessions = append(sessions, tokens)
	}

	require.NoError(t, s.MasterLogout(sessions[1].RefreshToken))

	for _, tokens := range sessions {
		_, _, err := s.Resolve("", tokens.RefreshToken)
		require.ErrorIs(t, err, ErrUnauthenticated)
	}
}

func TestCreateAdminForcesRole(t *testing.T) {
	t.Parallel()

	s, db := newTestSessions(t)
	tokens, err := s.CreateAdmin("root", "pw")
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, tokens.Role)

	u, err := db.GetUser("root")
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, u.Role)
}

func TestRequireRole(t *testing.T) {
	t.Parallel()

	require.NoError(t, RequireRole(&Identity{Username: "root", Role: RoleAdmin}, RoleAdmin))
	require.ErrorIs(t, RequireRole(&Identity{Username: "alice", Role: RoleUser}, RoleAdmin), ErrForbidden)
	require.ErrorIs(t, RequireRole(nil, RoleAdmin), ErrForbidden)
}
