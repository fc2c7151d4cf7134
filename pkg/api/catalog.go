package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/scenario"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	defs, err := s.catalog.ListScenarios(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if defs == nil {
		defs = []scenario.Definition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	def, err := s.catalog.GetScenario(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handlePutScenario accepts JSON, or YAML when the content type says so.
func (s *Server) handlePutScenario(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	format := "json"
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		format = "yaml"
	}
	def, err := scenario.Parse(body, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := def.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.catalog.PutScenario(r.Context(), *def); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleDeleteScenario(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteScenario(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	dests, err := s.catalog.ListDestinations(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]destination.Destination, 0, len(dests))
	for _, d := range dests {
		out = append(out, d.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDestination(w http.ResponseWriter, r *http.Request) {
	d, err := s.catalog.GetDestination(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Redacted())
}

func (s *Server) handlePutDestination(w http.ResponseWriter, r *http.Request) {
	var d destination.Destination
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body")
		return
	}
	if err := d.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.catalog.PutDestination(r.Context(), d); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d.Redacted())
}

func (s *Server) handleDeleteDestination(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteDestination(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
