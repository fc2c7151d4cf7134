package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rmax-ai/pulse/pkg/engine"
)

// progressStream holds a run's progress lines until one client attaches.
type progressStream struct {
	run      *engine.Run
	lines    <-chan string
	attached bool
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var cfg engine.RunConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body")
		return
	}

	run, lines, err := s.engine.Start(r.Context(), cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.mu.Lock()
	s.streams[run.ID()] = &progressStream{run: run, lines: lines}
	s.mu.Unlock()
	go s.watch(run)

	s.logger.Info("run_started",
		zap.String("trace_id", getTraceID(r.Context())),
		zap.String("run_id", run.ID()),
		zap.String("scenario_id", cfg.ScenarioID),
		zap.String("destination_id", cfg.DestinationID),
	)
	writeJSON(w, http.StatusCreated, StartRunResponse{
		RunID:   run.ID(),
		Status:  string(run.Status().Status),
		TraceID: run.Config().TraceID,
	})
}

// watch archives a finished run and forgets its progress stream if nobody
// attached before the reporter gave up on it.
func (s *Server) watch(run *engine.Run) {
	<-run.Done()

	if s.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.archive.SaveRun(ctx, run.Status()); err != nil {
			s.logger.Warn("failed_to_archive_run", zap.String("run_id", run.ID()), zap.Error(err))
		}
		cancel()
	}

	time.AfterFunc(s.engine.Config().ProgressLinger, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if st, ok := s.streams[run.ID()]; ok && !st.attached {
			delete(s.streams, run.ID())
		}
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runSource().Runs(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := runs[:0]
		for _, st := range runs {
			if string(st.Status) == status {
				filtered = append(filtered, st)
			}
		}
		runs = filtered
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	st, err := s.runSource().Run(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Cancel(id); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.engine.Status(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, CancelResponse{RunID: id, Status: string(st.Status)})
}

// handleProgress streams a run's progress as NDJSON. Only one client may
// consume a run's stream; it is released when that client disconnects.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	stream, ok := s.streams[id]
	switch {
	case !ok:
		s.mu.Unlock()
		if _, err := s.engine.Get(id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeError(w, http.StatusGone, "progress_stream_expired")
		return
	case stream.attached:
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "progress_stream_already_attached")
		return
	}
	stream.attached = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
	}()

	rc := http.NewResponseController(w)
	// The stream lives as long as the run; lift the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			stream.run.DetachProgress()
			return
		case line, ok := <-stream.lines:
			if !ok {
				return
			}
			rec := ProgressLine{RunID: id, Time: time.Now().UTC(), Line: line, Error: strings.HasPrefix(line, "ERROR ")}
			if err := enc.Encode(rec); err != nil {
				stream.run.DetachProgress()
				return
			}
			_ = rc.Flush()
		}
	}
}

// runSource resolves runs from the engine first and the archive second.
func (s *Server) runSource() *runSource {
	return &runSource{engine: s.engine, archive: s.archive}
}

type runSource struct {
	engine  *engine.Engine
	archive RunArchive
}

func (rs *runSource) Run(ctx context.Context, id string) (engine.RunState, error) {
	st, err := rs.engine.Status(id)
	if err == nil || rs.archive == nil || !errors.Is(err, engine.ErrRunNotFound) {
		return st, err
	}
	return rs.archive.GetRun(ctx, id)
}

func (rs *runSource) Runs(ctx context.Context) ([]engine.RunState, error) {
	runs := rs.engine.Runs()
	if rs.archive == nil {
		return runs, nil
	}
	archived, err := rs.archive.ListRuns(ctx, 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(runs))
	for _, st := range runs {
		seen[st.RunID] = true
	}
	for _, st := range archived {
		if !seen[st.RunID] {
			runs = append(runs, st)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}
