package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terellcodes/claim-assist/agent"
	"github.com/terellcodes/claim-assist/claims"
	"github.com/terellcodes/claim-assist/config"
	"github.com/terellcodes/claim-assist/decision"
	"github.com/terellcodes/claim-assist/index"
	"github.com/terellcodes/claim-assist/metrics"
	"github.com/terellcodes/claim-assist/model"
	"github.com/terellcodes/claim-assist/policy"
	"github.com/terellcodes/claim-assist/retrieval"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClaims struct {
	err  error
	got  model.ClaimRequest
	resp *claims.Response
}

func (f *fakeClaims) Submit(_ context.Context, req model.ClaimRequest) (*claims.Response, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClaims) Status(_ context.Context, policyID string) (*claims.StatusResponse, error) {
	if policyID != "P1" {
		return nil, &index.NamespaceNotFoundError{Namespace: policyID}
	}
	return &claims.StatusResponse{PolicyID: policyID, Status: "ready", Message: "Policy ready for claim submission"}, nil
}

type fakePolicies struct {
	uploaded map[string][]byte
	deleted  []string
}

func (f *fakePolicies) Upload(_ context.Context, filename string, data []byte) (model.PolicyMetadata, error) {
	if !strings.HasSuffix(filename, ".pdf") {
		return model.PolicyMetadata{}, policy.ErrNotPDF
	}
	if f.uploaded == nil {
		f.uploaded = map[string][]byte{}
	}
	f.uploaded[filename] = data
	return model.PolicyMetadata{PolicyID: "policy_home_1234abcd", Filename: filename, Insurer: "Shelter",
		Summary: "Processed 3 pages from Shelter", TotalPages: 3, Chunks: 7}, nil
}

func (f *fakePolicies) Metadata(_ context.Context, id string) (policy.Metadata, error) {
	if id != "P1" {
		return policy.Metadata{}, &index.NamespaceNotFoundError{Namespace: id}
	}
	return policy.Metadata{PolicyMetadata: model.PolicyMetadata{PolicyID: "P1", TotalPages: 3}}, nil
}

func (f *fakePolicies) Delete(_ context.Context, id string) error {
	if id != "P1" {
		return &index.NamespaceNotFoundError{Namespace: id}
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeAgents []agent.Entry

func (f fakeAgents) Entries() []agent.Entry { return f }

func newTestServer(t *testing.T, c *fakeClaims, p *fakePolicies) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv := New(config.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}, MaxUploadBytes: 1 << 20}, Deps{
		Claims:   c,
		Policies: p,
		Agents:   fakeAgents{{Requested: retrieval.AdvancedCohere, Effective: retrieval.Basic}},
		Gatherer: reg,
	})
	return srv, reg
}

func perform(srv http.Handler, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func validClaimJSON() []byte {
	body, _ := json.Marshal(map[string]string{
		"policy_id":          "P1",
		"policy_holder_name": "Jane Doe",
		"incident_date":      "2026-02-01",
		"location":           "Tulsa, OK",
		"description":        "A pipe burst in the upstairs bathroom and water soaked the ceiling below.",
	})
	return body
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeClaims{}, &fakePolicies{})
	w := perform(srv, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"ok"}`, w.Body.String())
}

func TestAgentHealthListsEffectiveStrategies(t *testing.T) {
	srv, _ := newTestServer(t, &fakeClaims{}, &fakePolicies{})
	w := perform(srv, http.MethodGet, "/api/v1/health/agent", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","agents":[{"requested":"advanced_cohere","effective":"basic"}]}`, w.Body.String())
}

func TestSubmitClaim(t *testing.T) {
	email := "Dear claims team"
	fc := &fakeClaims{resp: &claims.Response{
		Success:           true,
		PolicyID:          "P1",
		IsValid:           true,
		ClaimStatus:       model.StatusValid,
		EmailDraft:        &email,
		Citations:         []model.Citation{{Excerpt: "water discharge", SourceLocator: "page 2"}},
		RetrievalStrategy: retrieval.Basic,
		EffectiveStrategy: retrieval.Basic,
	}}
	srv, _ := newTestServer(t, fc, &fakePolicies{})

	w := perform(srv, http.MethodPost, "/api/v1/claims/submit", validClaimJSON(), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Jane Doe", fc.got.PolicyHolderName)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "valid", body["claim_status"])
	assert.Equal(t, "Dear claims team", body["email_draft"])
}

func TestSubmitErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &model.ValidationError{Fields: map[string]string{"description": "too short"}}, http.StatusBadRequest},
		{"unknown policy", &index.NamespaceNotFoundError{Namespace: "P9"}, http.StatusNotFound},
		{"malformed decision", &decision.FormatError{Problems: []string{"missing claim_status"}}, http.StatusBadGateway},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &fakeClaims{err: tc.err}, &fakePolicies{})
			w := perform(srv, http.MethodPost, "/api/v1/claims/submit", validClaimJSON(), "application/json")
			assert.Equal(t, tc.want, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestSubmitValidationFieldsInBody(t *testing.T) {
	fc := &fakeClaims{err: &model.ValidationError{Fields: map[string]string{"description": "too short"}}}
	srv, _ := newTestServer(t, fc, &fakePolicies{})
	w := perform(srv, http.MethodPost, "/api/v1/claims/submit", validClaimJSON(), "application/json")

	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"description": "too short"}, body.Fields)
}

func TestSubmitMalformedJSON(t *testing.T) {
	fc := &fakeClaims{}
	srv, _ := newTestServer(t, fc, &fakePolicies{})
	w := perform(srv, http.MethodPost, "/api/v1/claims/submit", []byte(`{"policy_id":`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, fc.got.PolicyID)
}

func TestClaimStatus(t *testing.T) {
	srv, _ := newTestServer(t, &fakeClaims{}, &fakePolicies{})

	w := perform(srv, http.MethodGet, "/api/v1/claims/status/P1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ready"`)

	w = perform(srv, http.MethodGet, "/api/v1/claims/status/P9", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func multipartBody(t *testing.T, filename string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestUploadPolicy(t *testing.T) {
	fp := &fakePolicies{}
	srv, _ := newTestServer(t, &fakeClaims{}, fp)

	body, ct := multipartBody(t, "home.pdf", []byte("%PDF-1.4 fake"))
	w := perform(srv, http.MethodPost, "/api/v1/policies/upload", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []byte("%PDF-1.4 fake"), fp.uploaded["home.pdf"])

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "policy_home_1234abcd", resp.PolicyID)
	assert.Equal(t, "Processed 3 pages from Shelter", resp.Message)
}

func TestUploadRejectsNonPDF(t *testing.T) {
	srv, _ := newTestServer(t, &fakeClaims{}, &fakePolicies{})
	body, ct := multipartBody(t, "notes.txt", []byte("hello"))
	w := perform(srv, http.MethodPost, "/api/v1/policies/upload", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadMissingFile(t *testing.T) {
	srv, _ := newTestServer(t, &fakeClaims{}, &fakePolicies{})
	w := perform(srv, http.MethodPost, "/api/v1/policies/upload", []byte("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPolicyMetadataAndDelete(t *testing.T) {
	fp := &fakePolicies{}
	srv, _ := newTestServer(t, &fakeClaims{}, fp)

	w := perform(srv, http.MethodGet, "/api/v1/policies/P1/metadata", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_pages":3`)

	w = perform(srv, http.MethodGet, "/api/v1/policies/P9/metadata", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = perform(srv, http.MethodDelete, "/api/v1/policies/P1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"P1"}, fp.deleted)

	w = perform(srv, http.MethodDelete, "/api/v1/policies/P9", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, reg := newTestServer(t, &fakeClaims{}, &fakePolicies{})
	m := metrics.New(reg)
	m.PolicyUploaded(4)

	w := perform(srv, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "claimassist_policies_uploaded_total 1")
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, &fakeClaims{}, &fakePolicies{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/claims/submit", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOpenAPIDocument(t *testing.T) {
	srv, _ := newTestServer(t, &fakeClaims{}, &fakePolicies{})
	w := perform(srv, http.MethodGet, "/openapi.yaml", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/v1/claims/submit")
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := newTestServer(t, &fakeClaims{}, &fakePolicies{})

	w := perform(srv, http.MethodGet, "/health", nil, "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "claim-42")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, "claim-42", rec.Header().Get("X-Request-ID"))
}
