// ABOUTME: HTTP surface for the pipeline runner: submit graphs, watch events over SSE, answer human gates.
// ABOUTME: Each run gets its own buffer sink and web interviewer; the run store persists across restarts.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/basin-run/basin/dot"
	"github.com/basin-run/basin/pipeline"
	"github.com/basin-run/basin/runstore"
)

// Server exposes pipeline runs over HTTP.
type Server struct {
	cfg     pipeline.Config
	store   *runstore.Store
	backend pipeline.Backend

	mu   sync.Mutex
	runs map[string]*managedRun
}

// managedRun is one in-flight (or finished) run and its attachments.
type managedRun struct {
	id          string
	graph       *dot.Graph
	events      *pipeline.BufferSink
	interviewer *pipeline.WebInterviewer
	cancel      context.CancelFunc
	done        chan struct{}

	mu     sync.Mutex
	result *pipeline.RunResult
	err    error
}

// NewServer creates a server backed by the given store and backend.
func NewServer(cfg pipeline.Config, store *runstore.Store, backend pipeline.Backend) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		backend: backend,
		runs:    make(map[string]*managedRun),
	}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/events", s.handleEvents)
			r.Get("/context", s.handleContext)
			r.Post("/cancel", s.handleCancel)
			r.Get("/question", s.handleQuestion)
			r.Post("/answer", s.handleAnswer)
		})
	})
	return r
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.Routes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type createRequest struct {
	DOT    string `json:"dot"`
	Source string `json:"source,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		httpError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}

	req := createRequest{Source: "inline"}
	if r.Header.Get("Content-Type") == "text/vnd.graphviz" {
		req.DOT = string(body)
	} else if err := json.Unmarshal(body, &req); err != nil {
		httpError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}

	g, err := dot.Parse(req.DOT)
	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, "parse graph: %v", err)
		return
	}
	if g.FindStartNode() == nil {
		httpError(w, http.StatusUnprocessableEntity, "no start node")
		return
	}

	run, err := s.startRun(g, req.Source)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "start run: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": run.id})
}

// startRun launches a run in its own goroutine with a per-run event
// buffer and web interviewer.
func (s *Server) startRun(g *dot.Graph, source string) (*managedRun, error) {
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())

	events := pipeline.NewBufferSink()
	interviewer := pipeline.NewWebInterviewer(0)
	run := &managedRun{
		id:          id,
		graph:       g,
		events:      events,
		interviewer: interviewer,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	sinks := pipeline.MultiSink{events}
	if s.store != nil {
		if err := s.store.CreateRun(runCtx, id, source); err != nil {
			cancel()
			return nil, err
		}
		sinks = append(sinks, s.store.Sink(context.Background()))
	}

	cfg := s.cfg.RunnerConfig()
	cfg.PipelineID = id
	// Each run owns its own subtree so concurrent runs never share
	// status, checkpoint, or artifact files.
	cfg.LogsRoot = filepath.Join(cfg.LogsRoot, id)
	cfg.Events = sinks
	cfg.Interviewer = interviewer
	cfg.Backend = s.backend
	runner := pipeline.NewRunner(cfg)

	s.mu.Lock()
	s.runs[id] = run
	s.mu.Unlock()

	go func() {
		defer close(run.done)
		defer events.Close()
		result, err := runner.Run(runCtx, g)
		run.mu.Lock()
		run.result = result
		run.err = err
		run.mu.Unlock()

		if s.store != nil {
			status := runstore.RunStatusFailed
			errText := ""
			snapshot := map[string]any{}
			if err != nil {
				errText = err.Error()
			} else if result != nil {
				snapshot = result.Context.SnapshotAny()
				if result.FinalStatus == pipeline.StatusSuccess {
					status = runstore.RunStatusCompleted
				} else {
					errText = result.FailureReason
				}
			}
			s.store.FinishRun(context.Background(), id, status, errText, snapshot)
		}
	}()
	return run, nil
}

func (s *Server) findRun(id string) *managedRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.mu.Lock()
		ids := make([]string, 0, len(s.runs))
		for id := range s.runs {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"runs": ids})
		return
	}
	runs, err := s.store.ListRuns(r.Context(), 50)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "list runs: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run := s.findRun(id)
	if run == nil {
		if s.store != nil {
			if stored, err := s.store.GetRun(r.Context(), id); err == nil {
				writeJSON(w, http.StatusOK, map[string]any{
					"id":     stored.ID,
					"status": stored.Status,
					"error":  stored.Error,
				})
				return
			}
		}
		httpError(w, http.StatusNotFound, "run %s not found", id)
		return
	}

	run.mu.Lock()
	result, runErr := run.result, run.err
	run.mu.Unlock()

	payload := map[string]any{"id": run.id, "status": "running"}
	switch {
	case runErr != nil:
		payload["status"] = "failed"
		payload["error"] = runErr.Error()
	case result != nil:
		if result.FinalStatus == pipeline.StatusSuccess {
			payload["status"] = "completed"
		} else {
			payload["status"] = "failed"
			payload["error"] = result.FailureReason
		}
		payload["completed_nodes"] = result.CompletedNodes
	}
	if q := run.interviewer.PendingQuestion(); q != nil {
		payload["waiting_on_human"] = true
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleEvents streams the run's events as server-sent events, replaying
// from the optional ?cursor= offset first. Each frame's id field carries
// the cursor to resume from, so a client whose stream ends early (a slow
// consumer falls off the buffer) reconnects with ?cursor= or the standard
// Last-Event-ID header and misses nothing.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	run := s.findRun(chi.URLParam(r, "id"))
	if run == nil {
		httpError(w, http.StatusNotFound, "run not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	cursor := 0
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cursor = n
		}
	}
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cursor = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for e := range run.events.Subscribe(r.Context(), cursor) {
		cursor++
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", cursor, e.JSON())
		flusher.Flush()
	}
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	run := s.findRun(chi.URLParam(r, "id"))
	if run == nil {
		httpError(w, http.StatusNotFound, "run not found")
		return
	}
	run.mu.Lock()
	result := run.result
	run.mu.Unlock()
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, result.Context.SnapshotAny())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	run := s.findRun(chi.URLParam(r, "id"))
	if run == nil {
		httpError(w, http.StatusNotFound, "run not found")
		return
	}
	run.cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.id, "status": "cancelling"})
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	run := s.findRun(chi.URLParam(r, "id"))
	if run == nil {
		httpError(w, http.StatusNotFound, "run not found")
		return
	}
	q := run.interviewer.PendingQuestion()
	if q == nil {
		writeJSON(w, http.StatusOK, map[string]any{"pending": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": true, "question": q})
}

type answerRequest struct {
	QuestionID string `json:"question_id,omitempty"`
	Value      string `json:"value"`
	Text       string `json:"text,omitempty"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	run := s.findRun(chi.URLParam(r, "id"))
	if run == nil {
		httpError(w, http.StatusNotFound, "run not found")
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "decode answer: %v", err)
		return
	}
	answer := pipeline.Answer{Value: req.Value, Text: req.Text}
	if err := run.interviewer.SubmitAnswer(req.QuestionID, answer); err != nil {
		httpError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
