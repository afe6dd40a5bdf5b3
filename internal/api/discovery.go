// Discovery and trust proxy endpoints (spec §4.1, §6.1, §6.4): thin
// forwards to the upstream DirectoryClient collaborator, which is
// explicitly out of scope for this core to implement (spec §1).
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/directory"
)

func (s *Server) directoryError(w http.ResponseWriter, err error) {
	var unavailable *directory.UnavailableError
	var badGateway *directory.BadGatewayError
	switch {
	case errors.As(err, &unavailable):
		writeError(w, newUnavailable())
	case errors.As(err, &badGateway):
		writeError(w, newBadGateway())
	default:
		writeError(w, newBadGateway())
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// handleDiscoverAgents implements GET /discovery/agents (spec §6.1).
func (s *Server) handleDiscoverAgents(w http.ResponseWriter, r *http.Request) {
	if !s.directory.Configured() {
		writeError(w, newUnavailable())
		return
	}
	q := r.URL.Query()
	query := directory.DiscoveryQuery{Q: q.Get("q")}
	if v := q.Get("minTrust"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, newValidation([]Issue{{Path: "minTrust", Reason: "must be numeric"}}))
			return
		}
		query.MinTrust = f
	}
	if v := q.Get("maxPrice"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, newValidation([]Issue{{Path: "maxPrice", Reason: "must be numeric"}}))
			return
		}
		query.MaxPrice = f
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, newValidation([]Issue{{Path: "limit", Reason: "must be an integer"}}))
			return
		}
		query.Limit = n
	}

	result, err := s.directory.SearchAgents(r.Context(), query)
	if err != nil {
		s.directoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDiscoverySearch implements POST /discovery/search (spec §6.1): same
// query shape as GET /discovery/agents, delivered as a JSON body instead of
// query parameters.
func (s *Server) handleDiscoverySearch(w http.ResponseWriter, r *http.Request) {
	if !s.directory.Configured() {
		writeError(w, newUnavailable())
		return
	}
	var query directory.DiscoveryQuery
	if err := decodeJSON(r, &query); err != nil {
		writeError(w, newValidation([]Issue{{Path: "body", Reason: "invalid JSON"}}))
		return
	}
	result, err := s.directory.SearchAgents(r.Context(), query)
	if err != nil {
		s.directoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDiscoverAgentByDID implements GET /discovery/agents/{did}.
func (s *Server) handleDiscoverAgentByDID(w http.ResponseWriter, r *http.Request) {
	if !s.directory.Configured() {
		writeError(w, newUnavailable())
		return
	}
	did := chi.URLParam(r, "did")
	agent, err := s.directory.AgentByDID(r.Context(), did)
	if err != nil {
		s.directoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleTrustByDID implements GET /trust/{did}: combines the local trust
// profile with the upstream's network view (spec §6.1's "proxy+local").
func (s *Server) handleTrustByDID(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	local := s.trustDB.Get(did)

	resp := map[string]interface{}{
		"local": map[string]interface{}{
			"tier":           local.Tier(),
			"tasksCompleted": local.TasksCompleted,
			"tasksFailed":    local.TasksFailed,
		},
	}

	if !s.directory.Configured() {
		resp["network"] = nil
		writeJSON(w, http.StatusOK, resp)
		return
	}

	network, err := s.directory.NetworkTrust(r.Context(), did)
	if err != nil {
		s.directoryError(w, err)
		return
	}
	resp["network"] = network
	writeJSON(w, http.StatusOK, resp)
}
