package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"zigbee-actions/internal/action"
	"zigbee-actions/internal/automation"
	"zigbee-actions/internal/coordinator"
	"zigbee-actions/internal/store"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	ID    string `json:"id,omitempty"`
}

type actionResult struct {
	ID       string          `json:"id"`
	Action   string          `json:"action"`
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type scriptView struct {
	*automation.Script
	Running bool `json:"running"`
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIListActions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Actions())
}

func (s *Server) handleAPIRunAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "read request body: " + err.Error(), Code: action.CodeMalformedRequest})
		return
	}
	var args map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body must be a JSON object", Code: action.CodeMalformedRequest})
			return
		}
	}

	inv, res, err := s.coord.Execute(coordinator.WithSource(r.Context(), "http"), name, args)
	if err != nil {
		body := errorBody{Error: err.Error(), Code: action.ErrorCode(err)}
		if inv != nil {
			body.ID = inv.ID
		}
		s.writeJSON(w, statusForError(err), body)
		return
	}

	out := actionResult{ID: inv.ID, Action: inv.Action, Status: string(inv.Status)}
	if res != nil {
		out.Response = res.Response
	}
	s.writeJSON(w, http.StatusOK, out)
}

// statusForError maps the action error taxonomy onto HTTP.
func statusForError(err error) int {
	switch action.ErrorCode(err) {
	case action.CodeMalformedRequest, action.CodeValidation, action.CodeUnknownAction:
		return http.StatusBadRequest
	case action.CodeLockContention:
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func (s *Server) handleAPIListHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	history, err := s.coord.History(limit)
	if err != nil {
		s.logger.Error("list history", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
		return
	}
	if history == nil {
		history = []*store.Invocation{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleAPIGetInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.coord.Invocation(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "invocation not found"})
		return
	}
	if err != nil {
		s.logger.Error("get invocation", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleAPINetwork(w http.ResponseWriter, r *http.Request) {
	info, err := s.coord.NetworkParameters(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Code: action.CodeStack})
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPITouchlink(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.TouchlinkState())
}

func (s *Server) handleAPIListClusters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Clusters())
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	out := []scriptView{}
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusOK, out)
		return
	}
	scripts, err := s.autoEngine.Scripts()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
		return
	}
	for _, sc := range scripts {
		out = append(out, scriptView{Script: sc, Running: s.autoEngine.Running(sc.ID)})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "automation not available"})
		return
	}
	res, err := s.autoEngine.RunScript(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, automation.ErrScriptNotFound) {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "script not found"})
		return
	}
	if err != nil {
		s.logger.Error("run script", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
