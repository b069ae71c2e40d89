package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/config"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/db"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/engine"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("tower")
	eng := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   eng,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String() + "/v0",
		client: &http.Client{Timeout: 5 * time.Second},
	}
	ts.close = func() {
		srv.Close()
		conn.Close()
	}
	return ts, ts.close
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = strings.NewReader(v)
		case []byte:
			reader = bytes.NewReader(v)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("marshal body: %v", err)
			}
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "ops@local"}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope %s: %v", body, err)
	}
	return envelope.Error.Code
}

func TestHealthNoAuth(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()

	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health without credentials = %d, want 200: %s", resp.StatusCode, body)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Status != "ok" {
		t.Fatalf("unexpected health body %s (err %v)", body, err)
	}
}

func TestTowerVerdictAccept(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()

	// planner_state is not a field the evaluator knows; whole agent
	// states must post as-is without tripping validation.
	artifact := `{
		"title": "Coffee roasters in Sheffield",
		"requested_count_user": 2,
		"leads": [
			{"name": "Steel City Roasters", "address": "1 Trafalgar St"},
			{"name": "Kelham Island Coffee", "address": "5 Alma St"}
		],
		"planner_state": {"phase": "delivery", "attempt": 3}
	}`
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/tower/tower-verdict", artifact, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tower-verdict = %d, want 200: %s", resp.StatusCode, body)
	}
	var v domain.Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if v.Verdict != domain.VerdictAccept || v.Action != domain.ActionContinue {
		t.Fatalf("got %s/%s, want ACCEPT/continue: %s", v.Verdict, v.Action, body)
	}
	if v.Delivered != 2 || v.Requested != 2 {
		t.Fatalf("delivered/requested = %d/%d, want 2/2", v.Delivered, v.Requested)
	}
	if len(v.Gaps) != 0 || v.StopReason != nil {
		t.Fatalf("accept must carry no gaps or stop reason: %s", body)
	}
}

func TestTowerVerdictMissingRequestedCountIsBusinessStop(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/tower/tower-verdict",
		`{"title": "unbounded crawl", "leads": []}`, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("business-invalid artifact must still be 200, got %d: %s", resp.StatusCode, body)
	}
	var v domain.Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if v.Verdict != domain.VerdictStop {
		t.Fatalf("verdict = %s, want STOP", v.Verdict)
	}
	if v.StopReason == nil || v.StopReason.Code != "MISSING_REQUESTED_COUNT" {
		t.Fatalf("stop reason = %+v, want MISSING_REQUESTED_COUNT", v.StopReason)
	}
}

func TestTowerVerdictMalformedJSON(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/tower/tower-verdict",
		`{"title": "broken"`, adminHeaders())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed json = %d, want 400: %s", resp.StatusCode, body)
	}
	if code := errorCode(t, body); code != "bad_request" {
		t.Fatalf("error code = %q, want bad_request", code)
	}
}

func TestTowerVerdictRequiresAuth(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/tower/tower-verdict",
		`{"requested_count_user": 1, "leads": []}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials = %d, want 401: %s", resp.StatusCode, body)
	}
	if code := errorCode(t, body); code != "unauthorized" {
		t.Fatalf("error code = %q, want unauthorized", code)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/tower/tower-verdict",
		`{"requested_count_user": 1, "leads": []}`,
		map[string]string{"Authorization": "Bearer garbage"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token = %d, want 401: %s", resp.StatusCode, body)
	}
	if code := errorCode(t, body); code != "invalid_credentials" {
		t.Fatalf("error code = %q, want invalid_credentials", code)
	}
}

func TestRunLifecycle(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/runs", map[string]any{
		"goal": "50 verified plumbers in Leeds",
		"success_criteria": map[string]any{
			"target_leads": 5,
			"max_cost_gbp": 50,
		},
	}, adminHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register run = %d, want 201: %s", resp.StatusCode, body)
	}
	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &run); err != nil || run.ID == "" {
		t.Fatalf("bad run response %s (err %v)", body, err)
	}
	if run.Status != domain.RunActive {
		t.Fatalf("new run status = %q, want active", run.Status)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/evaluate", map[string]any{
		"run_id":   run.ID,
		"snapshot": map[string]any{"leads_found": 2, "cost_gbp": 12.5},
	}, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate = %d, want 200: %s", resp.StatusCode, body)
	}
	var judgement struct {
		ID         string `json:"id"`
		RunID      string `json:"run_id"`
		Verdict    string `json:"verdict"`
		ReasonCode string `json:"reason_code"`
	}
	if err := json.Unmarshal(body, &judgement); err != nil {
		t.Fatalf("decode judgement: %v", err)
	}
	if judgement.Verdict != "CONTINUE" || judgement.ReasonCode != "RUNNING" {
		t.Fatalf("got %s/%s, want CONTINUE/RUNNING: %s", judgement.Verdict, judgement.ReasonCode, body)
	}
	if judgement.RunID != run.ID || judgement.ID == "" {
		t.Fatalf("judgement not bound to run: %s", body)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/evaluate", map[string]any{
		"run_id":   run.ID,
		"snapshot": map[string]any{"leads_found": 6, "cost_gbp": 14.0},
	}, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate = %d, want 200: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &judgement); err != nil {
		t.Fatalf("decode judgement: %v", err)
	}
	if judgement.Verdict != "STOP" || judgement.ReasonCode != "SUCCESS_ACHIEVED" {
		t.Fatalf("got %s/%s, want STOP/SUCCESS_ACHIEVED: %s", judgement.Verdict, judgement.ReasonCode, body)
	}

	// Reaching the target stops the run.
	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/runs/"+run.ID, nil, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run = %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != domain.RunStopped {
		t.Fatalf("run status after success = %q, want stopped", run.Status)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/runs/"+run.ID+"/judgements", nil, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list judgements = %d: %s", resp.StatusCode, body)
	}
	var history []struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decode judgements: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("judgement history length = %d, want 2", len(history))
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/events?entity=run", nil, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list events = %d: %s", resp.StatusCode, body)
	}
	var events struct {
		Items []struct {
			Kind string `json:"kind"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	kinds := map[string]bool{}
	for _, evt := range events.Items {
		kinds[evt.Kind] = true
	}
	for _, want := range []string{"run.registered", "run.judged", "run.stopped"} {
		if !kinds[want] {
			t.Fatalf("missing %s event, got %v", want, kinds)
		}
	}
}

func TestVerdictListPagination(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()

	for i := 0; i < 3; i++ {
		artifact := fmt.Sprintf(`{
			"title": "batch %d",
			"requested_count_user": 1,
			"leads": [{"name": "Lead %d", "address": "somewhere"}]
		}`, i, i)
		resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/tower/tower-verdict", artifact, adminHeaders())
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("seed verdict %d = %d: %s", i, resp.StatusCode, body)
		}
	}

	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/verdicts?limit=2", nil, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list verdicts = %d: %s", resp.StatusCode, body)
	}
	var page struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
		NextCursor string `json:"next_cursor"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %d items, cursor %q; want 2 items and a cursor", len(page.Items), page.NextCursor)
	}
	seen := map[string]bool{}
	for _, item := range page.Items {
		seen[item.ID] = true
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/verdicts?limit=2&cursor="+page.NextCursor, nil, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second page = %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("second page length = %d, want 1", len(page.Items))
	}
	// Pages must neither overlap nor drop records.
	for _, item := range page.Items {
		if seen[item.ID] {
			t.Fatalf("verdict %s appeared on both pages", item.ID)
		}
		seen[item.ID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("paged through %d distinct verdicts, want 3", len(seen))
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/verdicts?cursor=mangled", nil, adminHeaders())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mangled cursor = %d, want 400: %s", resp.StatusCode, body)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/keys",
		map[string]any{"name": "ci", "role": "judge"}, adminHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create key = %d, want 201: %s", resp.StatusCode, body)
	}
	var created struct {
		ID   string `json:"id"`
		Role string `json:"role"`
		Key  string `json:"key"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if created.ID == "" || created.Role != "judge" || !strings.HasPrefix(created.Key, "tower_") {
		t.Fatalf("unexpected key response: %s", body)
	}

	keyHeaders := map[string]string{"X-Api-Key": created.Key}
	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/runs", nil, keyHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list runs with key = %d, want 200: %s", resp.StatusCode, body)
	}

	// A judge key cannot manage keys.
	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/keys",
		map[string]any{"name": "sneaky"}, keyHeaders)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("judge creating keys = %d, want 403: %s", resp.StatusCode, body)
	}
	if code := errorCode(t, body); code != "forbidden" {
		t.Fatalf("error code = %q, want forbidden", code)
	}

	resp, body = doJSON(t, ts.client, http.MethodDelete, ts.URL+"/keys/"+created.ID, nil, adminHeaders())
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke key = %d, want 204: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/runs", nil, keyHeaders)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key = %d, want 401: %s", resp.StatusCode, body)
	}
}

func TestMintTokenAndWhoAmI(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/auth/token", map[string]any{
		"actor_id":    "agent-7",
		"roles":       []string{"judge"},
		"ttl_seconds": 600,
	}, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint token = %d, want 200: %s", resp.StatusCode, body)
	}
	var minted struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &minted); err != nil || minted.Token == "" {
		t.Fatalf("bad token response %s (err %v)", body, err)
	}
	if _, err := time.Parse(time.RFC3339, minted.ExpiresAt); err != nil {
		t.Fatalf("expires_at %q is not RFC3339: %v", minted.ExpiresAt, err)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/me", nil,
		map[string]string{"Authorization": "Bearer " + minted.Token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("whoami = %d, want 200: %s", resp.StatusCode, body)
	}
	var me struct {
		ActorID     string   `json:"actor_id"`
		Permissions []string `json:"permissions"`
		Source      string   `json:"source"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode whoami: %v", err)
	}
	if me.ActorID != "agent-7" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %s", body)
	}
	var canWrite bool
	for _, perm := range me.Permissions {
		if perm == "verdicts.write" {
			canWrite = true
		}
	}
	if !canWrite {
		t.Fatalf("judge token missing verdicts.write: %v", me.Permissions)
	}
}

func TestFactoryVerdict(t *testing.T) {
	ts, done := newTestServer(t)
	defer done()

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/factory/verdict",
		`{"machine_profile": "cnc-a", "scrap_rate_percent": 3.5, "max_scrap_percent": 5}`, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("factory verdict = %d, want 200: %s", resp.StatusCode, body)
	}
	var v domain.Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if v.Verdict != domain.VerdictAccept {
		t.Fatalf("verdict = %s, want ACCEPT: %s", v.Verdict, body)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/verdicts?kind=factory", nil, adminHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list factory verdicts = %d: %s", resp.StatusCode, body)
	}
	var page struct {
		Items []struct {
			Kind string `json:"kind"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Kind != "factory" {
		t.Fatalf("expected one stored factory verdict, got %s", body)
	}
}
