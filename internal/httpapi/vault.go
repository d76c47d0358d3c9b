package httpapi

import (
	"net/http"

	"chatgate/internal/proxy"
	"chatgate/internal/vault"
)

type runnerConfigResponse struct {
	Success bool                `json:"success"`
	Models  []vault.PublicEntry `json:"models"`
}

type ownerKeysResponse struct {
	Success bool          `json:"success"`
	Keys    []vault.Entry `json:"keys"`
}

type removeKeyRequest struct {
	ID string `json:"id"`
}

type runAIResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	ModelID  string `json:"modelId"`
}

func (s *Server) handleRunnerConfig(w http.ResponseWriter, r *http.Request) {
	models, err := s.vault.ListForClient(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runnerConfigResponse{Success: true, Models: models})
}

func (s *Server) handleOwnerKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.vault.ListForOwner(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ownerKeysResponse{Success: true, Keys: keys})
}

func (s *Server) handleAddOrUpdateKey(w http.ResponseWriter, r *http.Request) {
	var e vault.Entry
	if err := decodeJSON(w, r, &e); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.vault.AddOrUpdate(r.Context(), s.actor(r), e); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, "Key saved")
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	var req removeKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.vault.Remove(r.Context(), s.actor(r), req.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeOK(w, "Key removed")
}

func (s *Server) handleRunAI(w http.ResponseWriter, r *http.Request) {
	var req proxy.Request
	if err := decodeJSONLimit(w, r, &req, maxRunAIBodyBytes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.proxy.Run(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runAIResponse{Success: true, Response: resp.Text, ModelID: resp.ModelID})
}

func (s *Server) actor(r *http.Request) vault.Actor {
	sess, _ := sessionFrom(r.Context())
	return vault.Actor{Role: sess.Role, Username: sess.Username}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	writeError(w, status, publicMessage(status, err))
}
