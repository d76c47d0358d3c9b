package httpapi

import (
	"net/http"
	"strings"

	"chatgate/internal/gate"
	"chatgate/internal/session"
	"chatgate/internal/vault"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyResponse struct {
	Success  bool   `json:"success"`
	Role     string `json:"role"`
	Username string `json:"username,omitempty"`
}

func (s *Server) handleClientLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, session.RoleClient, s.clientGate)
}

func (s *Server) handleOwnerLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, session.RoleOwner, s.ownerGate)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, role string, allow *gate.AllowList) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "Password is required")
		return
	}
	username := strings.TrimSpace(req.Username)
	if !allow.Match(req.Password) {
		s.metrics.Logins.WithLabelValues(role, "rejected").Inc()
		s.logger.Info().Str("role", role).Msg("login rejected")
		s.audit(r, vault.Actor{Role: role, Username: username}, "login_rejected")
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	sess, cookie, err := s.sessions.Login(r.Context(), role, username)
	if err != nil {
		s.metrics.Logins.WithLabelValues(role, "error").Inc()
		s.logger.Error().Err(err).Str("role", role).Msg("create session")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	name, _ := session.CookieName(role)
	s.setSessionCookie(w, name, cookie, sess.ExpiresAt)

	s.metrics.Logins.WithLabelValues(role, "ok").Inc()
	s.logger.Info().Str("role", role).Str("username", username).Msg("login ok")
	s.audit(r, vault.Actor{Role: role, Username: username}, "login")
	writeOK(w, "Login successful")
}

func (s *Server) audit(r *http.Request, actor vault.Actor, action string) {
	if s.auditor == nil {
		return
	}
	ev := vault.AuditEvent{Actor: actor, Action: action, Meta: map[string]any{"ip": r.RemoteAddr}}
	if err := s.auditor.Audit(r.Context(), ev); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}

func (s *Server) handleLogout(role string) http.HandlerFunc {
	name, _ := session.CookieName(role)
	return func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			if err := s.sessions.Logout(r.Context(), c.Value); err != nil {
				s.logger.Debug().Err(err).Str("role", role).Msg("logout of unknown session")
			}
		}
		s.clearSessionCookie(w, name)
		writeOK(w, "Logged out")
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	role := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("role")))
	if role == "" {
		role = session.RoleClient
	}
	if _, err := session.CookieName(role); err != nil {
		writeError(w, http.StatusBadRequest, "role must be client or owner")
		return
	}
	sess, err := s.resolve(r, role)
	if err != nil {
		writeError(w, http.StatusForbidden, "Not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Success: true, Role: sess.Role, Username: sess.Username})
}
