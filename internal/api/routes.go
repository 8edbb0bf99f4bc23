package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/xswitch/xswitch/internal/common"
	"github.com/xswitch/xswitch/internal/dnr"
	"github.com/xswitch/xswitch/internal/engine"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("json.Encode", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *APIServer) dispatch(w http.ResponseWriter, r *http.Request, cmd engine.Command) {
	resp := s.engine.Dispatch(r.Context(), cmd)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := *s.cfg
	if cfg.API.Secret != "" {
		cfg.API.Secret = "********"
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *APIServer) handleGetGlobal(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, engine.GetGlobalState{})
}

func (s *APIServer) handleToggleGlobal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("missing enabled"))
		return
	}
	s.dispatch(w, r, engine.ToggleGlobal{Enabled: *body.Enabled})
}

func (s *APIServer) handleReload(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, engine.ReloadConfigs{})
}

func (s *APIServer) handleConfigs(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, engine.GetConfigs{})
}

func (s *APIServer) handleGroups(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, engine.GetRuleGroups{})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, engine.GetStatus{})
}

// handleMessage accepts the admin UI message shape {"action": ...}.
func (s *APIServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd, err := engine.DecodeCommand(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, engine.Response{Success: false, Error: err.Error()})
		return
	}
	s.dispatch(w, r, cmd)
}

func (s *APIServer) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Rules())
}

func (s *APIServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing url"))
		return
	}
	resourceType := dnr.ResourceType(r.URL.Query().Get("type"))
	if resourceType == "" {
		resourceType = dnr.ResourceScript
	}

	target, matched, err := s.engine.Resolve(url, resourceType)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":     url,
		"type":    resourceType,
		"matched": matched,
		"target":  target,
		"mode":    s.engine.Mode(),
	})
}

// handleObserve feeds one passively observed request to the engine.
func (s *APIServer) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req common.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	observing := s.engine.Observe(req)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"observing": observing,
		"mode":      s.engine.Mode(),
	})
}
