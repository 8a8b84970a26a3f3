package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

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
	e := engine.New(conn, config.Default("jobline"))
	e.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"milestones": []map[string]any{
			{"description_ref": "design", "amount": 100},
			{"description_ref": "build", "amount": 200},
		},
	}, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post job status %d: %s", res.StatusCode, string(data))
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.Status != domain.JobStatusOpen {
		t.Fatalf("posted job status = %s", job.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/applications", map[string]any{
		"settle_domain":  "chainx",
		"settle_address": "0xbob",
	}, asActor("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/start", map[string]any{
		"application_id": 1,
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/submissions", map[string]any{
		"work_ref": "ref:work-1",
	}, asActor("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/release", map[string]any{
		"gross": 100,
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release status %d: %s", res.StatusCode, string(data))
	}
	var released ReleaseResponse
	if err := json.Unmarshal(data, &released); err != nil {
		t.Fatalf("unmarshal release: %v", err)
	}
	if released.Transfer.Net != 99 || released.Job.CurrentMilestone != 2 {
		t.Fatalf("release result: net=%d pointer=%d", released.Transfer.Net, released.Job.CurrentMilestone)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/transfers", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transfers status %d: %s", res.StatusCode, string(data))
	}
	var transfers []domain.Transfer
	if err := json.Unmarshal(data, &transfers); err != nil {
		t.Fatalf("unmarshal transfers: %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(transfers))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/hub-999", nil, asActor("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %q, want not_found", envelope.Error.Code)
	}
}

func TestSentinelStatusMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"milestones": []map[string]any{{"description_ref": "fix", "amount": 100}},
	}, asActor("alice"))
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatal(err)
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/applications", map[string]any{}, asActor("bob"))

	// duplicate application conflicts
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/applications", map[string]any{}, asActor("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate apply status %d: %s", res.StatusCode, string(data))
	}

	// cancel by a stranger is forbidden
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/cancel", nil, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger cancel status %d: %s", res.StatusCode, string(data))
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/start", map[string]any{"application_id": 1}, asActor("alice"))

	// wrong release amount is unprocessable
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/release", map[string]any{
		"gross": 55,
	}, asActor("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("wrong amount status %d: %s", res.StatusCode, string(data))
	}

	// dispute payout without the arbiter identity is forbidden
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/disputes/payout", map[string]any{
		"job_id":      job.ID,
		"recipient":   "bob",
		"gross":       100,
		"dest_domain": "chainx",
	}, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-arbiter payout status %d: %s", res.StatusCode, string(data))
	}
}

func TestOpsEnvelopeEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/ops", map[string]any{
		"function":      "post_job",
		"source_domain": "chainx",
		"payload": map[string]any{
			"milestones": []map[string]any{{"description_ref": "fix", "amount": 100}},
		},
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ops status %d: %s", res.StatusCode, string(data))
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatal(err)
	}
	if job.ID != "chainx-1" {
		t.Fatalf("envelope job id = %q, want chainx-1", job.ID)
	}
	// The envelope carried no actor, so the authenticated principal applies.
	if job.Creator != "alice" {
		t.Fatalf("envelope creator = %q, want the authenticated actor", job.Creator)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/ops", map[string]any{
		"function": "explode_job",
		"payload":  map[string]any{},
	}, asActor("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown op status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status %d, want 401", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", res.StatusCode)
	}
}
