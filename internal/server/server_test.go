package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"envline/internal/config"
	"envline/internal/db"
	"envline/internal/driver"
	"envline/internal/engine"
	"envline/internal/migrate"
	"envline/internal/storage"
)

const testJWTSecret = "server-test-secret"

const serverTestDriver = `driver:
  id: simple.test
  version: 1.0.0
  title: Simple Test Driver
payload:
  schema:
    format: json-schema
    inline:
      type: object
      properties:
        name:
          type: string
      required: [name]
documents:
  registry:
    - type: TEST_DOC
      title: Test Document
      allowed_mimes: [application/pdf]
      max_size_mb: 10
checklist:
  template:
    - key: name_provided
      label: Name provided
      kind: payload_field
      payload_pointer: /name
      required: true
    - key: test_doc
      label: Test document
      kind: document
      doc_type: TEST_DOC
      required: true
      review: required
    - key: approved_signal
      label: Approval granted
      kind: signal
      signal_key: approved
      required: true
signals:
  definitions:
    - key: approved
      type: boolean
      source: host
      default: false
      required: true
gates:
  definitions:
    - key: settleable
      rule: "checklist.required_accepted && !signal._blocking"
`

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	driversDir := filepath.Join(ws, ".envline", "drivers")
	if err := os.MkdirAll(driversDir, 0o755); err != nil {
		t.Fatalf("mkdir drivers: %v", err)
	}
	if err := os.WriteFile(filepath.Join(driversDir, "simple.test.yaml"), []byte(serverTestDriver), 0o644); err != nil {
		t.Fatalf("write driver: %v", err)
	}
	files, err := storage.NewLocal(filepath.Join(ws, ".envline", "files"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	e := engine.New(conn, config.Default(), driver.NewRegistry(driversDir), files)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testJWTSecret}})
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
			srv.Close()
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func staffHeaders(t *testing.T) map[string]string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "reviewer",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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

func createTestEnvelope(t *testing.T, srv *testServer, ref string) EnvelopeResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/envelopes", map[string]any{
		"reference_code": ref,
		"driver":         "simple.test",
		"payload":        map[string]any{"name": "Acme Corp"},
	}, staffHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create envelope: %d %s", res.StatusCode, string(data))
	}
	var env EnvelopeResponse
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/envelopes", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected code unauthorized, got %q", envelope.Error.Code)
	}

	// Health stays open.
	health, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", health.StatusCode, string(body))
	}
}

func TestSettlementFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := staffHeaders(t)

	env := createTestEnvelope(t, srv, "INV-100")
	if env.Status != "draft" {
		t.Fatalf("expected draft after create, got %s", env.Status)
	}

	upRes, upData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/envelopes/"+env.ID+"/attachments", map[string]any{
		"doc_type":  "TEST_DOC",
		"filename":  "invoice.pdf",
		"mime_type": "application/pdf",
		"content":   base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 test")),
	}, auth)
	if upRes.StatusCode != http.StatusCreated {
		t.Fatalf("upload: %d %s", upRes.StatusCode, string(upData))
	}
	var attachment struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(upData, &attachment)

	sigRes, sigData := doJSON(t, client, http.MethodPut, srv.URL+"/v1/envelopes/"+env.ID+"/signals/approved", map[string]any{
		"value": true,
	}, auth)
	if sigRes.StatusCode != http.StatusOK {
		t.Fatalf("set signal: %d %s", sigRes.StatusCode, string(sigData))
	}

	revRes, revData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/attachments/"+attachment.ID+"/review", map[string]any{
		"decision": "accepted",
	}, auth)
	if revRes.StatusCode != http.StatusOK {
		t.Fatalf("review: %d %s", revRes.StatusCode, string(revData))
	}

	getRes, getData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/envelopes/"+env.ID, nil, auth)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", getRes.StatusCode, string(getData))
	}
	var detail EnvelopeDetailResponse
	if err := json.Unmarshal(getData, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Status != "ready_to_settle" {
		t.Fatalf("expected ready_to_settle, got %s", detail.Status)
	}
	if !detail.Gates["settleable"] {
		t.Fatalf("expected settleable gate open: %v", detail.Gates)
	}

	lockRes, lockData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/envelopes/"+env.ID+"/lock", nil, auth)
	if lockRes.StatusCode != http.StatusOK {
		t.Fatalf("lock: %d %s", lockRes.StatusCode, string(lockData))
	}

	// Locked envelopes refuse payload patches.
	patchRes, patchData := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/envelopes/"+env.ID+"/payload", map[string]any{
		"patch": map[string]any{"name": "Other"},
	}, auth)
	if patchRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on locked patch, got %d %s", patchRes.StatusCode, string(patchData))
	}

	settleRes, settleData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/envelopes/"+env.ID+"/settle", nil, auth)
	if settleRes.StatusCode != http.StatusOK {
		t.Fatalf("settle: %d %s", settleRes.StatusCode, string(settleData))
	}
	var settled EnvelopeResponse
	_ = json.Unmarshal(settleData, &settled)
	if settled.Status != "settled" || settled.SettledAt == nil {
		t.Fatalf("expected settled with timestamp, got %+v", settled)
	}
}

func TestEnvelopeNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/envelopes/missing", nil, staffHeaders(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected code not_found, got %q", envelope.Error.Code)
	}
}

func TestInvalidPayloadRejectedOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/envelopes", map[string]any{
		"reference_code": "INV-BAD",
		"driver":         "simple.test",
		"payload":        map[string]any{"name": 42},
	}, staffHeaders(t))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "payload_validation_failed" {
		t.Fatalf("expected payload_validation_failed, got %q", envelope.Error.Code)
	}
}

func TestContributeSessionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := staffHeaders(t)

	env := createTestEnvelope(t, srv, "INV-200")

	tokRes, tokData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/envelopes/"+env.ID+"/tokens", map[string]any{
		"label": "supplier upload",
	}, auth)
	if tokRes.StatusCode != http.StatusCreated {
		t.Fatalf("create token: %d %s", tokRes.StatusCode, string(tokData))
	}
	var tok TokenResponse
	if err := json.Unmarshal(tokData, &tok); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if tok.Token == "" {
		t.Fatalf("expected token secret in create response")
	}

	// Listing never re-exposes the secret.
	listRes, listData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/envelopes/"+env.ID+"/tokens", nil, auth)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list tokens: %d %s", listRes.StatusCode, string(listData))
	}
	var listed []TokenResponse
	_ = json.Unmarshal(listData, &listed)
	if len(listed) != 1 || listed[0].Token != "" {
		t.Fatalf("expected one secretless token, got %s", string(listData))
	}

	sessRes, sessData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/contribute/session", map[string]any{
		"token": tok.Token,
	}, nil)
	if sessRes.StatusCode != http.StatusCreated {
		t.Fatalf("session: %d %s", sessRes.StatusCode, string(sessData))
	}
	var sess SessionResponse
	if err := json.Unmarshal(sessData, &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if sess.EnvelopeID != env.ID || sess.SessionToken == "" {
		t.Fatalf("unexpected session %+v", sess)
	}
	sessionHeaders := map[string]string{"Authorization": "Bearer " + sess.SessionToken}

	viewRes, viewData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/contribute/envelope", nil, sessionHeaders)
	if viewRes.StatusCode != http.StatusOK {
		t.Fatalf("contribute view: %d %s", viewRes.StatusCode, string(viewData))
	}
	var view ContributeViewResponse
	if err := json.Unmarshal(viewData, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view.ReferenceCode != "INV-200" || !view.CanEdit {
		t.Fatalf("unexpected view %+v", view)
	}

	upRes, upData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/contribute/attachments", map[string]any{
		"doc_type":  "TEST_DOC",
		"filename":  "receipt.pdf",
		"mime_type": "application/pdf",
		"content":   base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 contributed")),
	}, sessionHeaders)
	if upRes.StatusCode != http.StatusCreated {
		t.Fatalf("contribute upload: %d %s", upRes.StatusCode, string(upData))
	}

	// Revocation cuts off live sessions.
	revokeRes, revokeData := doJSON(t, client, http.MethodDelete, srv.URL+"/v1/tokens/"+tok.ID, nil, auth)
	if revokeRes.StatusCode != http.StatusNoContent && revokeRes.StatusCode != http.StatusOK {
		t.Fatalf("revoke: %d %s", revokeRes.StatusCode, string(revokeData))
	}
	deniedRes, deniedData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/contribute/envelope", nil, sessionHeaders)
	if deniedRes.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 after revoke, got %d %s", deniedRes.StatusCode, string(deniedData))
	}
}

func TestContributeSessionRequiresValidToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/contribute/session", map[string]any{
		"token": "nonsense",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown token, got %d %s", res.StatusCode, string(data))
	}
}

func TestListEnvelopesPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := staffHeaders(t)

	for _, ref := range []string{"INV-1", "INV-2", "INV-3"} {
		createTestEnvelope(t, srv, ref)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/envelopes?limit=2", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEnvelopes
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %d %q", len(page.Items), page.NextCursor)
	}

	res2, data2 := doJSON(t, client, http.MethodGet, srv.URL+"/v1/envelopes?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, auth)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res2.StatusCode, string(data2))
	}
	var page2 paginatedEnvelopes
	_ = json.Unmarshal(data2, &page2)
	if len(page2.Items) != 1 || page2.NextCursor != "" {
		t.Fatalf("expected final page of 1, got %d %q", len(page2.Items), page2.NextCursor)
	}
}
