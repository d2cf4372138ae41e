package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/engine"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/hitl"
	"github.com/flexrt/flexcore/persistence/inmem"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	catalog := facet.NewCatalog()
	registry := capreg.New(inmem.NewCapabilityStore(), catalog)
	deps := engine.Dependencies{
		Catalog:  catalog,
		Registry: registry,
		Store:    inmem.New(),
		HITL:     hitl.NewInMemoryService(3, nil),
		AI:       demoAIDispatcher{},
	}
	return newServer(catalog, registry, deps)
}

func doJSON(t *testing.T, srv *server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleRegisterFacet_Success(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/facets", facet.Definition{
		Name:      "input_text",
		Pointer:   "/input_text",
		Schema:    map[string]any{"type": "string"},
		Direction: facet.DirectionBoth,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandleRegisterFacet_RejectsMissingName(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/facets", facet.Definition{
		Pointer:   "/input_text",
		Schema:    map[string]any{"type": "string"},
		Direction: facet.DirectionBoth,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRegisterCapability_RejectsMissingCapabilityID(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/capabilities", capreg.Registration{
		DisplayName: "summarizer",
		AgentType:   capreg.AgentTypeAI,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "registration_rejected", resp["code"])
}

func TestHandleRegisterCapability_RejectsMissingOutputContract(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/capabilities", capreg.Registration{
		CapabilityID: "summarize",
		DisplayName:  "summarizer",
		AgentType:    capreg.AgentTypeAI,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRun_RejectsInvalidConditionDSL(t *testing.T) {
	srv := newTestServer(t)
	env := envelope.Envelope{
		Objective: "demo",
		Policies: envelope.Policies{
			Runtime: []envelope.RuntimePolicy{{
				Trigger: envelope.Trigger{
					Condition: &envelope.Condition{DSL: "this is not valid ((("},
				},
			}},
		},
	}
	rec := doJSON(t, srv, http.MethodPost, "/flex/run", env)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "invalid_condition_dsl", resp["code"])
}

func TestHandleRun_RejectsInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/flex/run", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleResume_FailsForUnknownRun(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/flex/resume", engine.ResumeOptions{RunID: "does-not-exist"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
