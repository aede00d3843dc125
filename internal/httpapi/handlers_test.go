package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"vendorverify.io/internal/audit"
	"vendorverify.io/internal/auth"
	"vendorverify.io/internal/credential"
	"vendorverify.io/internal/issuance"
	"vendorverify.io/internal/stream"
	"vendorverify.io/internal/token"
	"vendorverify.io/internal/verify"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *credential.InMemory
	auth    *auth.Verifier
	t       *testing.T
}

func newTestAPI(t *testing.T, withAuth bool) *apiClient {
	t.Helper()

	store := credential.NewInMemory()
	codec := token.New(token.WithPepper("test-pepper"))
	alertStream := stream.New()
	auditLog := audit.New(store, nil, audit.WithPublisher(alertStream))

	var verifier *auth.Verifier
	if withAuth {
		var err error
		verifier, err = auth.NewVerifier("test-secret", "vendorverify")
		if err != nil {
			t.Fatalf("NewVerifier: %v", err)
		}
	}

	api := New(Deps{
		Issuer:        issuance.New(store, codec, auditLog, nil),
		Verifier:      verify.New(store, codec, auditLog, nil),
		Reports:       store,
		Alerts:        alertStream,
		Auth:          verifier,
		Ready:         ReadyProbe{Store: store},
		Version:       "test",
		RateBurst:     100,
		RatePerSecond: 100,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		auth:    verifier,
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) bearer(user string, roles ...string) map[string]string {
	c.t.Helper()
	tok, err := c.auth.GenerateToken(user, roles, time.Hour)
	if err != nil {
		c.t.Fatalf("GenerateToken: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

// seedProduct registers a vendor directly in the store and returns a product.
func (c *apiClient) seedProduct(userID, name string) credential.Product {
	c.t.Helper()
	ctx := c.t.Context()
	v := &credential.Vendor{UserID: userID, CompanyName: "Acme " + userID}
	if err := c.store.CreateVendor(ctx, v); err != nil {
		c.t.Fatalf("CreateVendor: %v", err)
	}
	p := &credential.Product{VendorID: v.ID, Name: name, BatchID: "B-42"}
	if err := c.store.CreateProduct(ctx, p); err != nil {
		c.t.Fatalf("CreateProduct: %v", err)
	}
	return *p
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body := decode[map[string]any](t, resp)
		t.Fatalf("expected status %d, got %d: %v", want, resp.StatusCode, body)
	}
}

func TestAPIIssueVerifyFlow(t *testing.T) {
	c := newTestAPI(t, false)
	p := c.seedProduct("user-1", "Sneaker")

	resp := c.post("/issue", map[string]any{"productId": p.ID}, nil)
	expectStatus(t, resp, http.StatusOK)
	issued := decode[issueResponse](t, resp)
	if !issued.Success || issued.Secret == "" || issued.CredentialID == "" {
		t.Fatalf("unexpected issue response: %+v", issued)
	}

	resp = c.post("/verify", map[string]any{
		"token":    issued.Secret,
		"metadata": map[string]any{"ip": "1.2.3.4", "location": "Lagos"},
	}, nil)
	expectStatus(t, resp, http.StatusOK)
	first := decode[verifyResponse](t, resp)
	if first.Status != "valid" || first.Message != msgValid {
		t.Fatalf("unexpected first verify: %+v", first)
	}
	if first.Product == nil || first.Product.Name != "Sneaker" || first.Product.BatchID != "B-42" {
		t.Fatalf("expected product details, got %+v", first.Product)
	}

	resp = c.post("/verify", map[string]any{"token": issued.Secret}, nil)
	expectStatus(t, resp, http.StatusOK)
	second := decode[verifyResponse](t, resp)
	if second.Status != "used" || second.Message != msgUsed {
		t.Fatalf("unexpected second verify: %+v", second)
	}

	resp = c.post("/verify", map[string]any{"token": "vv1_doesnotexistdoesnotexistdoesnotexist"}, nil)
	expectStatus(t, resp, http.StatusNotFound)
	bad := decode[verifyResponse](t, resp)
	if bad.Status != "invalid" || bad.Message != msgInvalid || bad.Product != nil {
		t.Fatalf("unexpected invalid verify: %+v", bad)
	}

	attempts := c.store.Attempts()
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	if attempts[0].Metadata.NetworkAddress != "1.2.3.4" || attempts[0].Metadata.Location != "Lagos" {
		t.Fatalf("metadata not recorded: %+v", attempts[0].Metadata)
	}
	if attempts[2].Metadata.NetworkAddress == "" {
		t.Fatal("expected client address fallback")
	}
	if got := len(c.store.Alerts()); got != 2 {
		t.Fatalf("expected 2 alerts, got %d", got)
	}
}

func TestAPIVerifyValidation(t *testing.T) {
	c := newTestAPI(t, false)

	resp := c.post("/verify", map[string]any{"token": "  "}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[map[string]any](t, resp)
	if body["error"] != "token is required" || body["request_id"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}

	resp = c.post("/verify", map[string]any{"token": 42}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.get("/verify", nil, nil)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header, got %q", resp.Header.Get("Allow"))
	}
	resp.Body.Close()

	if got := len(c.store.Attempts()); got != 0 {
		t.Fatalf("rejected requests must not be audited, got %d attempts", got)
	}
}

func TestAPIVerifyToleratesArbitraryMetadata(t *testing.T) {
	c := newTestAPI(t, false)
	p := c.seedProduct("user-1", "Jacket")

	resp := c.post("/issue", map[string]any{"productId": p.ID}, nil)
	expectStatus(t, resp, http.StatusOK)
	issued := decode[issueResponse](t, resp)

	resp = c.post("/verify", map[string]any{
		"token":    issued.Secret,
		"metadata": map[string]any{"networkAddress": "1.2.3.4", "device": "android"},
		"client":   "scanner/2.1",
	}, nil)
	expectStatus(t, resp, http.StatusOK)
	if out := decode[verifyResponse](t, resp); out.Status != "valid" {
		t.Fatalf("expected valid, got %+v", out)
	}

	resp = c.post("/verify", map[string]any{
		"token":    issued.Secret,
		"metadata": map[string]any{"location": map[string]any{"lat": 1, "lng": 2}},
	}, nil)
	expectStatus(t, resp, http.StatusOK)
	if out := decode[verifyResponse](t, resp); out.Status != "used" {
		t.Fatalf("expected used, got %+v", out)
	}

	resp = c.post("/verify", map[string]any{
		"token":    "not-a-real-token",
		"metadata": map[string]any{"ip": "5.6.7.8", "userAgent": "x"},
	}, nil)
	expectStatus(t, resp, http.StatusNotFound)
	if out := decode[verifyResponse](t, resp); out.Status != "invalid" {
		t.Fatalf("expected invalid, got %+v", out)
	}

	resp = c.post("/verify", map[string]any{"token": "not-a-real-token", "metadata": "free text"}, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	attempts := c.store.Attempts()
	if len(attempts) != 4 {
		t.Fatalf("expected every scan audited, got %d attempts", len(attempts))
	}
	if attempts[0].Metadata.NetworkAddress != "1.2.3.4" {
		t.Fatalf("known metadata dropped: %+v", attempts[0].Metadata)
	}
	if attempts[1].Metadata.Location != "" {
		t.Fatalf("non-string location must be ignored, got %q", attempts[1].Metadata.Location)
	}
	if attempts[2].Metadata.NetworkAddress != "5.6.7.8" || attempts[2].Result != credential.ResultInvalid {
		t.Fatalf("unexpected invalid attempt: %+v", attempts[2])
	}
	var invalidAlerts int
	for _, a := range c.store.Alerts() {
		if a.Type == credential.AlertInvalidToken {
			invalidAlerts++
		}
	}
	if invalidAlerts != 2 {
		t.Fatalf("expected 2 INVALID_TOKEN alerts, got %d", invalidAlerts)
	}
}

func TestAPIIssueErrors(t *testing.T) {
	c := newTestAPI(t, false)

	resp := c.post("/issue", map[string]any{"productId": ""}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[map[string]any](t, resp)
	if body["error"] != "productId is required" {
		t.Fatalf("unexpected error: %v", body)
	}

	resp = c.post("/issue", map[string]any{"productId": "prd_missing"}, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	p := c.seedProduct("user-1", "Bag")
	resp = c.post("/v1/issue/batch", map[string]any{"productId": p.ID, "count": 0}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.post("/v1/issue/batch", map[string]any{"productId": p.ID, "count": 3}, nil)
	expectStatus(t, resp, http.StatusOK)
	batch := decode[issueBatchResponse](t, resp)
	if len(batch.Credentials) != 3 {
		t.Fatalf("expected 3 credentials, got %d", len(batch.Credentials))
	}
	seen := map[string]bool{}
	for _, cr := range batch.Credentials {
		if seen[cr.Secret] {
			t.Fatalf("duplicate secret %q", cr.Secret)
		}
		seen[cr.Secret] = true
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	c := newTestAPI(t, true)
	p := c.seedProduct("user-1", "Watch")

	resp := c.post("/issue", map[string]any{"productId": p.ID}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	resp = c.post("/issue", map[string]any{"productId": p.ID}, map[string]string{"Authorization": "Bearer garbage"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.post("/issue", map[string]any{"productId": p.ID}, c.bearer("user-9", auth.RoleVerifier))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	// A vendor cannot issue for another vendor's product.
	other := c.bearer("user-2", auth.RoleVendor)
	resp = c.post("/v1/vendors", map[string]any{"companyName": "Rival"}, other)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	resp = c.post("/issue", map[string]any{"productId": p.ID}, other)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	// Vendor without a profile.
	resp = c.post("/issue", map[string]any{"productId": p.ID}, c.bearer("user-3", auth.RoleVendor))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post("/issue", map[string]any{"productId": p.ID}, c.bearer("user-1", auth.RoleVendor))
	expectStatus(t, resp, http.StatusOK)
	issued := decode[issueResponse](t, resp)

	resp = c.post("/issue", map[string]any{"productId": p.ID}, c.bearer("ops", auth.RoleAdmin))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// Verification stays public.
	resp = c.post("/verify", map[string]any{"token": issued.Secret}, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestAPIVendorProducts(t *testing.T) {
	c := newTestAPI(t, true)
	vendor := c.bearer("user-1", auth.RoleVendor)

	resp := c.post("/v1/products", map[string]any{"name": "Perfume"}, vendor)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post("/v1/vendors", map[string]any{"companyName": "Scent Co"}, vendor)
	expectStatus(t, resp, http.StatusCreated)
	v := decode[credential.Vendor](t, resp)
	if v.UserID != "user-1" || v.CompanyName != "Scent Co" {
		t.Fatalf("unexpected vendor: %+v", v)
	}

	resp = c.post("/v1/vendors", map[string]any{"companyName": "Again"}, vendor)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.post("/v1/products", map[string]any{"name": "", "batchId": "B"}, vendor)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.post("/v1/products", map[string]any{"name": "Perfume", "batchId": "P-1", "description": "50ml"}, vendor)
	expectStatus(t, resp, http.StatusCreated)
	p := decode[credential.Product](t, resp)
	if p.VendorID != v.ID || p.VendorName != "Scent Co" {
		t.Fatalf("unexpected product: %+v", p)
	}

	resp = c.post("/v1/issue/batch", map[string]any{"productId": p.ID, "count": 2}, vendor)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.get("/v1/products", nil, vendor)
	expectStatus(t, resp, http.StatusOK)
	list := decode[listProductsResponse](t, resp)
	if len(list.Items) != 1 || list.Items[0].Active != 2 {
		t.Fatalf("unexpected product list: %+v", list.Items)
	}

	resp = c.get("/v1/products", url.Values{"limit": {"0"}}, vendor)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAPIReportsAndRevoke(t *testing.T) {
	c := newTestAPI(t, true)
	p := c.seedProduct("user-1", "Phone")
	admin := c.bearer("ops", auth.RoleAdmin)

	resp := c.post("/v1/issue/batch", map[string]any{"productId": p.ID, "count": 2}, admin)
	expectStatus(t, resp, http.StatusOK)
	batch := decode[issueBatchResponse](t, resp)

	resp = c.post("/verify", map[string]any{"token": batch.Credentials[0].Secret}, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	revokePath := "/v1/admin/credentials/" + batch.Credentials[1].CredentialID + "/revoke"
	resp = c.post(revokePath, nil, c.bearer("user-1", auth.RoleVendor))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post(revokePath, nil, admin)
	expectStatus(t, resp, http.StatusOK)
	revoked := decode[credential.Credential](t, resp)
	if revoked.Status != credential.StatusRevoked {
		t.Fatalf("expected revoked, got %s", revoked.Status)
	}

	resp = c.post(revokePath, nil, admin)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.post("/v1/admin/credentials/crd_missing/revoke", nil, admin)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.post("/verify", map[string]any{"token": batch.Credentials[1].Secret}, nil)
	expectStatus(t, resp, http.StatusOK)
	out := decode[verifyResponse](t, resp)
	if out.Status != "used" {
		t.Fatalf("revoked credential must not verify, got %+v", out)
	}

	resp = c.get("/v1/attempts", url.Values{"limit": {"5"}}, c.bearer("auditor", auth.RoleVerifier))
	expectStatus(t, resp, http.StatusOK)
	attempts := decode[listAttemptsResponse](t, resp)
	if len(attempts.Items) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts.Items))
	}
	if attempts.Items[0].Result != credential.ResultDuplicate || attempts.Items[0].ProductName != "Phone" {
		t.Fatalf("unexpected latest attempt: %+v", attempts.Items[0])
	}

	resp = c.get("/v1/admin/stats", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	st := decode[credential.Stats](t, resp)
	want := credential.Stats{Vendors: 1, Products: 1, Credentials: 2, Attempts: 2, Alerts: 1}
	if st != want {
		t.Fatalf("stats=%+v, want %+v", st, want)
	}
}

func TestAPIHealthAndInfo(t *testing.T) {
	c := newTestAPI(t, true)

	resp := c.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.get("/readyz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.get("/v1/info", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	info := decode[map[string]any](t, resp)
	if info["auth_enabled"] != true || info["version"] != "test" {
		t.Fatalf("unexpected info: %v", info)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}

	resp = c.get("/nope", nil, c.bearer("ops", auth.RoleAdmin))
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
