package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmarkets/nexus-deploy/internal/approval"
	"github.com/nexusmarkets/nexus-deploy/internal/artifact"
	"github.com/nexusmarkets/nexus-deploy/internal/config"
	"github.com/nexusmarkets/nexus-deploy/internal/engine"
	"github.com/nexusmarkets/nexus-deploy/internal/events"
	"github.com/nexusmarkets/nexus-deploy/internal/fleet"
	"github.com/nexusmarkets/nexus-deploy/internal/httpserver"
	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
	"github.com/nexusmarkets/nexus-deploy/internal/provision"
	"github.com/nexusmarkets/nexus-deploy/internal/store"
	"github.com/nexusmarkets/nexus-deploy/internal/trigger"
)

type fixture struct {
	server *httptest.Server
	engine *engine.Engine
	store  *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, st store.Store) *fixture {
	t.Helper()
	hub := approval.NewHub()
	prov := provision.New(provision.NewMemoryCloudFormation(), provision.Config{PollInterval: time.Millisecond})
	fl, err := fleet.New(artifact.StaticBuilder{}, prov, hub, fleet.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	eng := engine.New(ctx, trigger.Resolver{}, fl, st, events.Nop{}, nil, hub, nil, engine.Config{
		Concurrency:  4,
		StageTimeout: 10 * time.Second,
	})

	cfg := config.Config{AllowDebugToken: true, DebugToken: "test-token"}
	srv := httptest.NewServer(httpserver.New(cfg, eng, st, nil).Router())
	t.Cleanup(srv.Close)
	mem, _ := st.(*store.MemoryStore)
	return &fixture{server: srv, engine: eng, store: mem}
}

func (f *fixture) post(t *testing.T, path string, body interface{}, authed bool) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-Debug-Token", "test-token")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestTriggerRequiresAuth(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/deploy/trigger", engine.TriggerRequest{Event: "push", Branch: "main", Commit: "abc123"}, false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTriggerRejectsUnknownEvent(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/deploy/trigger", engine.TriggerRequest{Event: "cron", Branch: "main"}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// brokenStore fails every write, standing in for a database outage.
type brokenStore struct {
	*store.MemoryStore
}

func (b brokenStore) CreateRun(ctx context.Context, run *pipeline.Run) error {
	return errors.New("connection refused")
}

func TestTriggerStoreFailureIsServerError(t *testing.T) {
	f := newFixtureWithStore(t, brokenStore{store.NewMemoryStore()})
	resp := f.post(t, "/deploy/trigger", engine.TriggerRequest{Event: "push", Branch: "main", Commit: "abc123"}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestTriggerAndApproveFlow(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/deploy/trigger", engine.TriggerRequest{
		Event: "push", Branch: "main", Commit: "abc123", Actor: "ci",
	}, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var rec store.RunRecord
	decodeBody(t, resp, &rec)
	require.NotEmpty(t, rec.ID)

	require.Eventually(t, func() bool {
		return len(f.engine.PendingApprovals()) > 0
	}, 5*time.Second, 5*time.Millisecond)

	listResp, err := http.Get(f.server.URL + "/deploy/approvals")
	require.NoError(t, err)
	var pending struct {
		Pending []approval.PendingGate `json:"pending"`
	}
	decodeBody(t, listResp, &pending)
	require.Len(t, pending.Pending, 1)
	assert.Equal(t, rec.ID, pending.Pending[0].RunID)

	approveResp := f.post(t, "/deploy/approvals", map[string]interface{}{
		"runId":    rec.ID,
		"stageId":  pending.Pending[0].StageID,
		"approved": true,
		"actor":    "release-manager",
	}, true)
	defer approveResp.Body.Close()
	assert.Equal(t, http.StatusOK, approveResp.StatusCode)

	f.engine.Wait()

	runResp, err := http.Get(f.server.URL + "/deploy/runs/" + rec.ID)
	require.NoError(t, err)
	var final store.RunRecord
	decodeBody(t, runResp, &final)
	assert.True(t, final.Healthy)
	assert.True(t, final.Terminal)
}

func TestResolveApprovalNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/deploy/approvals", map[string]interface{}{
		"runId":    "missing",
		"stageId":  "deploy-approval",
		"approved": true,
		"actor":    "release-manager",
	}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRunNotFound(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/deploy/runs/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRunsEmpty(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/deploy/runs")
	require.NoError(t, err)
	var body struct {
		Runs []store.RunRecord `json:"runs"`
	}
	decodeBody(t, resp, &body)
	assert.Empty(t, body.Runs)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
