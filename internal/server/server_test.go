package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/engine/scope"
	"fieldline/internal/migrate"
)

const testSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	eng    engine.Engine

	adminID string
	coordID string
	agentID string
	formID  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	ctx := context.Background()

	top, err := eng.Bootstrap(ctx, "root", "org-1")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	topP := scope.Principal{ActorID: top.ID, Role: top.Role, Scope: top.Scope}
	admin, err := eng.RegisterActor(ctx, topP, engine.ActorCreateOptions{Name: "admin", Role: domain.RoleFormAdmin})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	adminP := scope.Principal{ActorID: admin.ID, Role: admin.Role, Scope: admin.Scope}
	coord, err := eng.RegisterActor(ctx, adminP, engine.ActorCreateOptions{Name: "coord", Role: domain.RoleCoordinator})
	if err != nil {
		t.Fatalf("create coordinator: %v", err)
	}
	coordP := scope.Principal{ActorID: coord.ID, Role: coord.Role, Scope: coord.Scope}
	agent, err := eng.RegisterActor(ctx, coordP, engine.ActorCreateOptions{Name: "agent", Role: domain.RoleAgent})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	form, err := eng.CreateForm(ctx, adminP, engine.FormCreateOptions{Name: "Household survey"})
	if err != nil {
		t.Fatalf("create form: %v", err)
	}
	if _, err := eng.SetFormStatus(ctx, adminP, form.ID, "active"); err != nil {
		t.Fatalf("activate form: %v", err)
	}

	handler, err := New(Config{
		Engine: eng,
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})

	return &testServer{
		URL:     "http://" + ln.Addr().String(),
		client:  &http.Client{Timeout: 5 * time.Second},
		eng:     eng,
		adminID: admin.ID,
		coordID: coord.ID,
		agentID: agent.ID,
		formID:  form.ID,
	}
}

func (ts *testServer) doJSON(t *testing.T, method, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return envelope.Error.Code
}

func sampleCSV(n int) string {
	var b strings.Builder
	b.WriteString("Subject Name,Subject Phone,Subject Address,City,State,Postal Code\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Subject %d,555-000%d,%d Main St,Springfield,IL,62701\n", i, i, i)
	}
	return b.String()
}

func (ts *testServer) ingest(t *testing.T, n int) engine.BatchResult {
	t.Helper()
	status, data := ts.doJSON(t, http.MethodPost, "/v0/forms/"+ts.formID+"/batches", map[string]any{
		"csv":            sampleCSV(n),
		"coordinator_id": ts.coordID,
	}, asActor(ts.adminID))
	if status != http.StatusCreated {
		t.Fatalf("ingest returned %d: %s", status, data)
	}
	var res engine.BatchResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode batch result: %v", err)
	}
	return res
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	status, data := ts.doJSON(t, http.MethodGet, "/v0/health", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("health returned %d: %s", status, data)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	ts := newTestServer(t)
	status, data := ts.doJSON(t, http.MethodGet, "/v0/leads", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", status, data)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}
}

func TestDevLoginAndWhoAmI(t *testing.T) {
	ts := newTestServer(t)
	status, data := ts.doJSON(t, http.MethodPost, "/v0/auth/dev/login", map[string]any{
		"actor_id": ts.coordID,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("dev login returned %d: %s", status, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	status, data = ts.doJSON(t, http.MethodGet, "/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if status != http.StatusOK {
		t.Fatalf("me returned %d: %s", status, data)
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ActorID != ts.coordID || me.Role != domain.RoleCoordinator || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestDevLoginUnknownActor(t *testing.T) {
	ts := newTestServer(t)
	status, data := ts.doJSON(t, http.MethodPost, "/v0/auth/dev/login", map[string]any{
		"actor_id": "no-such-actor",
	}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", status, data)
	}
}

func TestBadTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	status, data := ts.doJSON(t, http.MethodGet, "/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", status, data)
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials code, got %q", code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t)
	status, data := ts.doJSON(t, http.MethodPost, "/v0/actors/"+ts.agentID+"/keys", map[string]any{
		"name": "field device",
	}, asActor(ts.agentID))
	if status != http.StatusCreated {
		t.Fatalf("mint key returned %d: %s", status, data)
	}
	var minted struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if !strings.HasPrefix(minted.Key, "flk_") {
		t.Fatalf("unexpected key format %q", minted.Key)
	}

	status, data = ts.doJSON(t, http.MethodGet, "/v0/me", nil, map[string]string{
		"X-Api-Key": minted.Key,
	})
	if status != http.StatusOK {
		t.Fatalf("me returned %d: %s", status, data)
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ActorID != ts.agentID || me.Role != domain.RoleAgent || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestLeadLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	res := ts.ingest(t, 2)
	if res.Count != 2 {
		t.Fatalf("expected 2 leads, got %d", res.Count)
	}
	leadID := res.LeadIDs[0]

	status, data := ts.doJSON(t, http.MethodPost, "/v0/leads/"+leadID+"/assign", map[string]any{
		"agent_id": ts.agentID,
	}, asActor(ts.coordID))
	if status != http.StatusOK {
		t.Fatalf("assign returned %d: %s", status, data)
	}
	var lead LeadResponse
	if err := json.Unmarshal(data, &lead); err != nil {
		t.Fatalf("decode lead: %v", err)
	}
	if lead.Status != domain.StatusAssigned || lead.AgentID != ts.agentID {
		t.Fatalf("unexpected lead after assign: %+v", lead)
	}

	status, data = ts.doJSON(t, http.MethodPost, "/v0/leads/"+leadID+"/verification", map[string]any{
		"identity_confirmed": true,
		"details_confirmed":  true,
		"result":             map[string]any{"id_number": "X1"},
	}, asActor(ts.agentID))
	if status != http.StatusOK {
		t.Fatalf("verification returned %d: %s", status, data)
	}
	if err := json.Unmarshal(data, &lead); err != nil {
		t.Fatalf("decode lead: %v", err)
	}
	if lead.Status != domain.StatusVerified {
		t.Fatalf("expected verified, got %s", lead.Status)
	}
	if !strings.HasPrefix(lead.ReportRef, "report:") {
		t.Fatalf("expected report ref, got %q", lead.ReportRef)
	}

	// re-submitting a resolved lead conflicts
	status, data = ts.doJSON(t, http.MethodPost, "/v0/leads/"+leadID+"/verification", map[string]any{
		"identity_confirmed": false,
		"details_confirmed":  false,
	}, asActor(ts.agentID))
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", status, data)
	}
	if code := errorCode(t, data); code != "conflict" {
		t.Fatalf("expected conflict code, got %q", code)
	}
}

func TestIngestRejectsBadBatchAtomically(t *testing.T) {
	ts := newTestServer(t)
	csv := "Subject Name,Subject Phone,Subject Address,State,Postal Code\n" +
		"Jane,555,1 Main St,IL,62701\n"
	status, data := ts.doJSON(t, http.MethodPost, "/v0/forms/"+ts.formID+"/batches", map[string]any{
		"csv": csv,
	}, asActor(ts.adminID))
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", status, data)
	}
	if code := errorCode(t, data); code != "validation_failed" {
		t.Fatalf("expected validation_failed code, got %q", code)
	}

	status, data = ts.doJSON(t, http.MethodGet, "/v0/leads", nil, asActor(ts.adminID))
	if status != http.StatusOK {
		t.Fatalf("list returned %d: %s", status, data)
	}
	var page paginatedLeads
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected no leads after rejected batch, got %d", len(page.Items))
	}
}

func TestForbiddenEnvelope(t *testing.T) {
	ts := newTestServer(t)
	status, data := ts.doJSON(t, http.MethodPost, "/v0/actors", map[string]any{
		"name": "rogue",
		"role": domain.RoleAgent,
	}, asActor(ts.agentID))
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", status, data)
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", code)
	}
}

func TestOutOfScopeLeadReadsAsMissing(t *testing.T) {
	ts := newTestServer(t)
	res := ts.ingest(t, 1)

	status, data := ts.doJSON(t, http.MethodGet, "/v0/leads/"+res.LeadIDs[0], nil, asActor(ts.agentID))
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unassigned agent, got %d: %s", status, data)
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found code, got %q", code)
	}
}

func TestLeadListPagination(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, 3)

	status, data := ts.doJSON(t, http.MethodGet, "/v0/leads?limit=2", nil, asActor(ts.adminID))
	if status != http.StatusOK {
		t.Fatalf("list returned %d: %s", status, data)
	}
	var page1 paginatedLeads
	if err := json.Unmarshal(data, &page1); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page1.Items) != 2 || page1.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %d items cursor=%q", len(page1.Items), page1.NextCursor)
	}

	status, data = ts.doJSON(t, http.MethodGet, "/v0/leads?limit=2&cursor="+page1.NextCursor, nil, asActor(ts.adminID))
	if status != http.StatusOK {
		t.Fatalf("second page returned %d: %s", status, data)
	}
	var page2 paginatedLeads
	if err := json.Unmarshal(data, &page2); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page2.Items) != 1 || page2.NextCursor != "" {
		t.Fatalf("expected final page of 1, got %d items cursor=%q", len(page2.Items), page2.NextCursor)
	}
	seen := map[string]bool{}
	for _, l := range append(page1.Items, page2.Items...) {
		if seen[l.ID] {
			t.Fatalf("lead %s appeared on both pages", l.ID)
		}
		seen[l.ID] = true
	}
}

func TestMalformedCursorRejected(t *testing.T) {
	ts := newTestServer(t)
	status, data := ts.doJSON(t, http.MethodGet, "/v0/leads?cursor=oops", nil, asActor(ts.adminID))
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", status, data)
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("expected bad_request code, got %q", code)
	}
}

func TestStatusCountsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	res := ts.ingest(t, 3)
	status, data := ts.doJSON(t, http.MethodPost, "/v0/leads/"+res.LeadIDs[0]+"/assign", map[string]any{
		"agent_id": ts.agentID,
	}, asActor(ts.coordID))
	if status != http.StatusOK {
		t.Fatalf("assign returned %d: %s", status, data)
	}

	status, data = ts.doJSON(t, http.MethodGet, "/v0/forms/"+ts.formID+"/status-counts", nil, asActor(ts.adminID))
	if status != http.StatusOK {
		t.Fatalf("counts returned %d: %s", status, data)
	}
	var counts map[string]int
	if err := json.Unmarshal(data, &counts); err != nil {
		t.Fatalf("decode counts: %v", err)
	}
	if counts[domain.StatusPending] != 2 || counts[domain.StatusAssigned] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestEventsScopedToPrincipal(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, 1)

	status, data := ts.doJSON(t, http.MethodGet, "/v0/events?type=leads.ingested", nil, asActor(ts.coordID))
	if status != http.StatusOK {
		t.Fatalf("events returned %d: %s", status, data)
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 ingestion event, got %d", len(page.Items))
	}
	if page.Items[0].Type != "leads.ingested" {
		t.Fatalf("unexpected event type %q", page.Items[0].Type)
	}

	// the agent has no assignment yet, so no events reach it
	status, data = ts.doJSON(t, http.MethodGet, "/v0/events", nil, asActor(ts.agentID))
	if status != http.StatusOK {
		t.Fatalf("events returned %d: %s", status, data)
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected no events for idle agent, got %d", len(page.Items))
	}
}

func TestEventsPaginationContinuity(t *testing.T) {
	ts := newTestServer(t)
	ts.ingest(t, 1)
	ts.ingest(t, 1)
	ts.ingest(t, 1)

	seen := map[int64]bool{}
	path := "/v0/events?type=leads.ingested&limit=2"
	for pages := 0; ; pages++ {
		if pages > 3 {
			t.Fatal("pagination did not terminate")
		}
		status, data := ts.doJSON(t, http.MethodGet, path, nil, asActor(ts.coordID))
		if status != http.StatusOK {
			t.Fatalf("events returned %d: %s", status, data)
		}
		var page paginatedEvents
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("decode events: %v", err)
		}
		for _, evt := range page.Items {
			if seen[evt.ID] {
				t.Fatalf("event %d appeared on two pages", evt.ID)
			}
			seen[evt.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		path = "/v0/events?type=leads.ingested&limit=2&cursor=" + page.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 ingestion events across pages, got %d", len(seen))
	}
}

func TestWebhookDispatcherStopsOnCancel(t *testing.T) {
	d := &webhookDispatcher{
		client:  &http.Client{Timeout: time.Second},
		cursors: make(map[int]int64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher kept running after cancellation")
	}
}

func TestBulkAssignOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	res := ts.ingest(t, 2)

	sheet := "Lead ID\n" + res.LeadIDs[0] + "\n" + res.LeadIDs[1] + "\nno-such-lead\n"
	status, data := ts.doJSON(t, http.MethodPost, "/v0/leads/assign/bulk", map[string]any{
		"agent_id": ts.agentID,
		"csv":      sheet,
	}, asActor(ts.coordID))
	if status != http.StatusOK {
		t.Fatalf("bulk assign returned %d: %s", status, data)
	}
	var out engine.BulkAssignResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(out.Assigned) != 2 {
		t.Fatalf("expected 2 assigned, got %v", out.Assigned)
	}
	if len(out.Skipped) != 1 || out.Skipped[0].Reason != "not_found" {
		t.Fatalf("expected one not_found skip, got %v", out.Skipped)
	}
}

func TestFormStatusPatch(t *testing.T) {
	ts := newTestServer(t)
	status, data := ts.doJSON(t, http.MethodPatch, "/v0/forms/"+ts.formID, map[string]any{
		"status": "inactive",
	}, asActor(ts.adminID))
	if status != http.StatusOK {
		t.Fatalf("patch returned %d: %s", status, data)
	}
	var form FormResponse
	if err := json.Unmarshal(data, &form); err != nil {
		t.Fatalf("decode form: %v", err)
	}
	if form.Status != "inactive" {
		t.Fatalf("expected inactive, got %s", form.Status)
	}

	// ingestion against an inactive form conflicts
	status, data = ts.doJSON(t, http.MethodPost, "/v0/forms/"+ts.formID+"/batches", map[string]any{
		"csv": sampleCSV(1),
	}, asActor(ts.adminID))
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", status, data)
	}
}
