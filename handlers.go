package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

const (
	accessCookieName  = "access_token"
	refreshCookieName = "refresh_token"
)

type creds struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func setAccessCookie(w http.ResponseWriter, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
	})
}

func setRefreshCookie(w http.ResponseWriter, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
	})
}

func (a *App) setAuthCookies(w http.ResponseWriter, tokens *SessionTokens) {
	setAccessCookie(w, tokens.AccessToken, a.accessTTL)
	setRefreshCookie(w, tokens.RefreshToken, a.refreshTTL)
}

func clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{accessCookieName, refreshCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
	}
}

func decodeCreds(w http.ResponseWriter, r *http.Request) (creds, bool) {
	var c creds
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return c, false
	}
	if c.Username == "" || c.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Username and password are required")
		return c, false
	}
	return c, true
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	c, ok := decodeCreds(w, r)
	if !ok {
		return
	}
	tokens, err := a.sessions.Register(c.Username, c.Password)
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			writeError(w, http.StatusBadRequest, "USERNAME_TAKEN", "Username already taken")
			return
		}
		writeAuthError(w, err)
		return
	}
	a.setAuthCookies(w, tokens)
	writeJSON(w, http.StatusCreated, tokens)
}

func (a *App) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	c, ok := decodeCreds(w, r)
	if !ok {
		return
	}
	tokens, err := a.sessions.Login(c.Username, c.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	a.setAuthCookies(w, tokens)
	writeJSON(w, http.StatusOK, tokens)
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Logout(cookieValue(r, refreshCookieName)); err != nil {
		writeAuthError(w, err)
		return
	}
	clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "User logged out successfully"})
}

func (a *App) HandleMasterLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.MasterLogout(cookieValue(r, refreshCookieName)); err != nil {
		writeAuthError(w, err)
		return
	}
	clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out from all devices successfully"})
}

// HandleCreateAdmin sits behind the AdminAPIKey middleware.
func (a *App) HandleCreateAdmin(w http.ResponseWriter, r *http.Request) {
	c, ok := decodeCreds(w, r)
	if !ok {
		return
	}
	tokens, err := a.sessions.CreateAdmin(c.Username, c.Password)
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			writeError(w, http.StatusBadRequest, "USERNAME_TAKEN", "Username already taken")
			return
		}
		writeAuthError(w, err)
		return
	}
	a.setAuthCookies(w, tokens)
	writeJSON(w, http.StatusCreated, tokens)
}
