package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/whisper/strangers/internal/identity"
	"github.com/whisper/strangers/internal/records"
)

type ctxKey int

const (
	userKey ctxKey = iota
	tokenKey
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User  *identity.User `json:"user"`
	Token string         `json:"token"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, token, err := s.auth.CreateAccount(r.Context(), body.Email, body.Password)
	if err != nil {
		respondAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, authResponse{User: user, Token: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, token, err := s.auth.Authenticate(r.Context(), body.Email, body.Password)
	if err != nil {
		respondAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, authResponse{User: user, Token: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := r.Context().Value(tokenKey).(string)
	if err := s.auth.EndSession(r.Context(), token); err != nil {
		respondAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		respondError(w, http.StatusServiceUnavailable, "appeals unavailable")
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := currentUser(r.Context())
	appeal, err := s.records.CreateAppeal(r.Context(), records.Appeal{
		UserID:    user.ID,
		Email:     user.Email,
		IPAddress: clientIP(r),
		Text:      body.Text,
	})
	switch {
	case errors.Is(err, records.ErrAppealTooShort), errors.Is(err, records.ErrAppealTooLong):
		respondError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "records: "))
		return
	case err != nil:
		log.Printf("[gateway] create appeal user=%s: %v", user.ID, err)
		respondError(w, http.StatusInternalServerError, "Something went wrong, please try again")
		return
	}
	respondJSON(w, http.StatusCreated, appeal)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		respondError(w, http.StatusServiceUnavailable, "connections unavailable")
		return
	}
	user := currentUser(r.Context())
	conns, err := s.records.Connections(r.Context(), user.ID)
	if err != nil {
		log.Printf("[gateway] list connections user=%s: %v", user.ID, err)
		respondError(w, http.StatusInternalServerError, "Something went wrong, please try again")
		return
	}
	if conns == nil {
		conns = []records.SavedConnection{}
	}
	respondJSON(w, http.StatusOK, conns)
}

// requireUser resolves the bearer token into a user on the request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		user, err := s.auth.CurrentUser(r.Context(), token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentUser(ctx context.Context) *identity.User {
	u, _ := ctx.Value(userKey).(*identity.User)
	return u
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// clientIP strips the port left by RemoteAddr when no proxy header was set.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func respondAuthError(w http.ResponseWriter, err error) {
	var weak *identity.WeakPasswordError
	switch {
	case errors.As(err, &weak):
		respondError(w, http.StatusBadRequest, weak.Check.Feedback)
	case errors.Is(err, identity.ErrInvalidEmail):
		respondError(w, http.StatusBadRequest, "Please enter a valid email address")
	case errors.Is(err, identity.ErrEmailTaken):
		respondError(w, http.StatusConflict, "An account with this email already exists")
	case errors.Is(err, identity.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, identity.ErrInvalidToken):
		respondError(w, http.StatusUnauthorized, "authentication required")
	default:
		log.Printf("[gateway] auth error: %v", err)
		respondError(w, http.StatusInternalServerError, "Something went wrong, please try again")
	}
}
