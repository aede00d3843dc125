package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"vendorverify.io/internal/auth"
)

type client struct {
	base  string
	http  *http.Client
	token string
}

func (c *client) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func main() {
	log.SetFlags(0)
	var (
		addr    = pflag.String("addr", envOr("VENDORVERIFY_SMOKE_ADDR", "http://localhost:8080"), "API base URL")
		secret  = pflag.String("jwt-secret", os.Getenv("VENDORVERIFY_AUTH_JWT_SECRET"), "Secret used to mint a vendor token")
		issuer  = pflag.String("issuer", "vendorverify", "Token issuer")
		timeout = pflag.Duration("timeout", 10*time.Second, "Overall timeout")
	)
	pflag.Parse()

	c := &client{base: strings.TrimRight(*addr, "/"), http: &http.Client{Timeout: 5 * time.Second}}
	user := "smoke-" + uuid.NewString()[:8]
	// Vendor registration needs an authenticated user, so the target server
	// must run with auth enabled and share this secret.
	v, err := auth.NewVerifier(*secret, *issuer)
	if err != nil {
		log.Fatalf("init verifier (set --jwt-secret): %v", err)
	}
	c.token, err = v.GenerateToken(user, []string{auth.RoleVendor}, 10*time.Minute)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var vendor struct {
		ID string `json:"id"`
	}
	if code, err := c.post(ctx, "/v1/vendors", map[string]any{"companyName": "Smoke " + user}, &vendor); err != nil || code != http.StatusCreated {
		log.Fatalf("register vendor: status=%d err=%v", code, err)
	}

	var product struct {
		ID string `json:"id"`
	}
	if code, err := c.post(ctx, "/v1/products", map[string]any{"name": "Smoke Widget", "batchId": "SMOKE-1"}, &product); err != nil || code != http.StatusCreated {
		log.Fatalf("create product: status=%d err=%v", code, err)
	}

	var issued struct {
		CredentialID string `json:"credentialId"`
		Secret       string `json:"secret"`
	}
	if code, err := c.post(ctx, "/issue", map[string]any{"productId": product.ID}, &issued); err != nil || code != http.StatusOK {
		log.Fatalf("issue: status=%d err=%v", code, err)
	}

	type verdict struct {
		Status string `json:"status"`
	}
	check := func(token string, wantCode int, wantStatus string) {
		var v verdict
		code, err := c.post(ctx, "/verify", map[string]any{"token": token, "metadata": map[string]any{"location": "smoke"}}, &v)
		if err != nil {
			log.Fatalf("verify: %v", err)
		}
		if code != wantCode || v.Status != wantStatus {
			log.Fatalf("verify: got %d/%q, want %d/%q", code, v.Status, wantCode, wantStatus)
		}
	}
	check(issued.Secret, http.StatusOK, "valid")
	check(issued.Secret, http.StatusOK, "used")
	check("vv1_not-a-real-credential", http.StatusNotFound, "invalid")

	fmt.Printf("✅ verify smoke test passed: vendor=%s product=%s credential=%s\n", vendor.ID, product.ID, issued.CredentialID)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
