package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/loomhq/loom/internal/kernel"
	"github.com/loomhq/loom/internal/reducer"
	"github.com/loomhq/loom/pkg/models"
)

// apiServer exposes run dispatch, queries, and folded run state over HTTP.
// It holds one reducer per run, fed by the runtime's global event callback.
type apiServer struct {
	kern *kernel.Kernel

	mu       sync.Mutex
	reducers map[string]*reducer.Reducer
	states   map[string]reducer.State
}

func newAPIServer(kern *kernel.Kernel) *apiServer {
	return &apiServer{
		kern:     kern,
		reducers: make(map[string]*reducer.Reducer),
		states:   make(map[string]reducer.State),
	}
}

// onEvent folds every run event into that run's reducer. Events for one run
// arrive in sequence order, so the per-run fold stays deterministic.
func (a *apiServer) onEvent(ev *models.AgentEvent) {
	if ev.RunID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.reducers[ev.RunID]
	if !ok {
		r = reducer.New()
		a.reducers[ev.RunID] = r
	}
	a.states[ev.RunID] = r.Ingest(*ev)
}

func (a *apiServer) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", a.handleDispatch)
	mux.HandleFunc("GET /v1/runs", a.handleQuery)
	mux.HandleFunc("GET /v1/runs/{id}", a.handleStatus)
	mux.HandleFunc("GET /v1/runs/{id}/state", a.handleState)
}

func (a *apiServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Goal string `json:"goal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Goal) == "" {
		httpError(w, http.StatusBadRequest, "body must be a JSON object with a non-empty goal")
		return
	}
	record, err := a.kern.Execute(r.Context(), body.Goal)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

func (a *apiServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := kernel.RunFilter{
		RunID:         q.Get("run_id"),
		AgentID:       q.Get("agent_id"),
		ParentRunID:   q.Get("parent_run_id"),
		ParentAgentID: q.Get("parent_agent_id"),
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			httpError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, models.RunStatus(s))
	}
	writeJSON(w, http.StatusOK, a.kern.QueryRuns(filter))
}

func (a *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	record, err := a.kern.Runtime().Status(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *apiServer) handleState(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	a.mu.Lock()
	state, ok := a.states[runID]
	a.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, "no events recorded for run "+runID)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
