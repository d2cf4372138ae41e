package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/condition"
	"github.com/flexrt/flexcore/engine"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/hooks"
	"github.com/flexrt/flexcore/stream"
)

const shutdownTimeout = 10 * time.Second

// server holds the shared collaborators every handler needs. Each run/resume
// request builds its own engine.Coordinator over a fresh hooks.Bus so one
// request's SSE subscriber never observes another concurrent request's
// events — the simplification a single-process demo server can make that a
// real multi-tenant deployment could not.
type server struct {
	catalog  *facet.Catalog
	registry *capreg.Registry
	deps     engine.Dependencies
}

func newServer(catalog *facet.Catalog, registry *capreg.Registry, deps engine.Dependencies) *server {
	return &server{catalog: catalog, registry: registry, deps: deps}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /facets", s.handleRegisterFacet)
	mux.HandleFunc("POST /capabilities", s.handleRegisterCapability)
	mux.HandleFunc("POST /flex/run", s.handleRun)
	mux.HandleFunc("POST /flex/run.stream", s.handleRunStream)
	mux.HandleFunc("POST /flex/resume", s.handleResume)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}

func (s *server) handleRegisterFacet(w http.ResponseWriter, r *http.Request) {
	var def facet.Definition
	if !decodeJSON(w, r, &def) {
		return
	}
	if err := s.catalog.Register(def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_facet", err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *server) handleRegisterCapability(w http.ResponseWriter, r *http.Request) {
	var reg capreg.Registration
	if !decodeJSON(w, r, &reg) {
		return
	}
	rec, err := s.registry.Register(r.Context(), reg)
	if err != nil {
		writeError(w, http.StatusBadRequest, "registration_rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// compileEnvelopeConditions validates and compiles every runtime-policy
// trigger DSL at ingress, failing fast before a run starts rather than
// discovering a malformed DSL mid-execution.
func compileEnvelopeConditions(env *envelope.Envelope) error {
	for i := range env.Policies.Runtime {
		cond := env.Policies.Runtime[i].Trigger.Condition
		if cond == nil || cond.DSL == "" {
			continue
		}
		canonical, logic, err := condition.CompileDSL(cond.DSL)
		if err != nil {
			return err
		}
		cond.CanonicalDSL = canonical
		cond.JSONLogic = logic
	}
	return nil
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if !decodeJSON(w, r, &env) {
		return
	}
	if err := compileEnvelopeConditions(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_condition_dsl", err)
		return
	}

	coord := engine.New(s.deps)
	result, err := coord.Run(r.Context(), env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	var opts engine.ResumeOptions
	if !decodeJSON(w, r, &opts) {
		return
	}
	coord := engine.New(s.deps)
	result, err := coord.Resume(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "resume_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if !decodeJSON(w, r, &env) {
		return
	}
	if err := compileEnvelopeConditions(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_condition_dsl", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	deps := s.deps
	deps.Bus = hooks.NewBus()
	deps.Bus.Subscribe(func(ev hooks.Event) {
		payload, err := stream.Marshal(stream.ToEnvelope(ev))
		if err != nil {
			return
		}
		w.Write([]byte("data: "))
		w.Write(payload)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	})

	coord := engine.New(deps)
	if _, err := coord.Run(r.Context(), env); err != nil {
		errEvent, _ := json.Marshal(map[string]string{"error": err.Error()})
		w.Write([]byte("event: error\ndata: "))
		w.Write(errEvent)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}
