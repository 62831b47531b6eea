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

	"pharmaline/internal/config"
	"pharmaline/internal/db"
	"pharmaline/internal/domain"
	"pharmaline/internal/engine"
	"pharmaline/internal/engine/auth"
	"pharmaline/internal/migrate"
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
	cfg := config.Default("plant-1")
	e := engine.New(conn, cfg)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, "tester", "Tester", now); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := e.Repo.AssignRole(ctx, "tester", auth.RoleAdmin); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{AllowLegacyActorHeader: true},
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
	req.Header.Set("X-Actor-Id", "tester")
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

func createProduct(t *testing.T, srv *testServer) domain.Product {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/products", map[string]any{
		"name": "Zinc Ointment",
		"type": "ointment",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create product: %d %s", res.StatusCode, string(data))
	}
	var p domain.Product
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal product: %v", err)
	}
	return p
}

func TestHealthAndAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, err := srv.Client().Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	// Everything else needs a principal.
	res, err = srv.Client().Get(srv.URL + "/v1/batches")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status %d", res.StatusCode)
	}
}

func TestBatchCreateAndFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProduct(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", map[string]any{
		"batch_number":    "0012025",
		"product_id":      p.ID,
		"batch_size":      50,
		"batch_size_unit": "kg",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create batch: %d %s", res.StatusCode, string(data))
	}
	var created domain.Batch
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if created.Status != domain.BatchDraft {
		t.Fatalf("status %s", created.Status)
	}

	// Fetch by id and by number.
	for _, key := range []string{created.ID, "0012025"} {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/batches/"+key, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get %s: %d %s", key, res.StatusCode, string(data))
		}
	}

	// Bad batch number is rejected before anything is written.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", map[string]any{
		"batch_number": "12025",
		"product_id":   p.ID,
		"batch_size":   50,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad number status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "precondition_failed" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestTransitionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProduct(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", map[string]any{
		"batch_number": "0012025",
		"product_id":   p.ID,
		"batch_size":   50,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create batch: %d %s", res.StatusCode, string(data))
	}
	var created domain.Batch
	_ = json.Unmarshal(data, &created)

	// Approving a draft skips review and conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches/"+created.ID+"/approve", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("approve draft status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches/"+created.ID+"/submit", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches/"+created.ID+"/approve", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	// Plan materialized on approval.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/batches/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("detail status %d", res.StatusCode)
	}
	var detail struct {
		Phases []domain.PhaseExecution `json:"phases"`
	}
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if len(detail.Phases) != 8 {
		t.Fatalf("ointment plan has %d phases", len(detail.Phases))
	}
}

func TestPhaseStartOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProduct(t, srv)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", map[string]any{
		"batch_number": "0012025",
		"product_id":   p.ID,
		"batch_size":   50,
	}, nil)
	var created domain.Batch
	_ = json.Unmarshal(data, &created)
	for _, step := range []string{"submit", "approve"} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches/"+created.ID+"/"+step, map[string]any{}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", step, res.StatusCode, string(body))
		}
	}

	// Out-of-order start is an unmet precondition.
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches/"+created.ID+"/phases/mixing/start", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("early start status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches/"+created.ID+"/phases/raw_material_release/start", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(body))
	}
	var ex domain.PhaseExecution
	if err := json.Unmarshal(body, &ex); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	if ex.Status != domain.PhaseInProgress {
		t.Fatalf("status %s", ex.Status)
	}
}
