package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"vendorverify.io/internal/auth"
	"vendorverify.io/internal/credential"
	"vendorverify.io/internal/issuance"
	"vendorverify.io/internal/obs"
	"vendorverify.io/internal/stream"
	"vendorverify.io/internal/verify"
)

const serviceName = "vendorverify-api"

// Pinger is satisfied by every credential store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness by pinging the store.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Deps wires the HTTP layer to the domain services.
type Deps struct {
	Issuer   *issuance.Service
	Verifier *verify.Engine
	Reports  credential.Reports
	Alerts   *stream.Stream
	// Auth validates bearer tokens. Nil disables authentication.
	Auth   *auth.Verifier
	Logger *zap.Logger
	Ready  ReadyProbe

	Version        string
	RateBurst      int
	RatePerSecond  int
	AllowedOrigins []string
	// TrustedProxies may set X-Forwarded-For. Empty means the peer address
	// is always the client.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	issuer     *issuance.Service
	verifier   *verify.Engine
	reports    credential.Reports
	stream     *stream.Stream
	auth       *auth.Verifier
	log        *zap.Logger
	readyProbe ReadyProbe
	version    string
	origins    []string
	rateBurst  int
	ratePerSec int
	proxies    []netip.Prefix
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		issuer:     d.Issuer,
		verifier:   d.Verifier,
		reports:    d.Reports,
		stream:     d.Alerts,
		auth:       d.Auth,
		log:        obs.OrNop(d.Logger),
		readyProbe: d.Ready,
		version:    d.Version,
		origins:    d.AllowedOrigins,
		rateBurst:  d.RateBurst,
		ratePerSec: d.RatePerSecond,
		proxies:    d.TrustedProxies,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	// credential lifecycle
	a.mux.Handle("/issue", a.requireRole(http.HandlerFunc(a.handleIssue), auth.RoleVendor, auth.RoleAdmin))
	a.mux.Handle("/v1/issue/batch", a.requireRole(http.HandlerFunc(a.handleIssueBatch), auth.RoleVendor, auth.RoleAdmin))
	a.mux.HandleFunc("/verify", a.handleVerify)

	// product directory
	a.mux.HandleFunc("/v1/vendors", a.handleVendors)
	a.mux.Handle("/v1/products", a.requireRole(http.HandlerFunc(a.handleProducts), auth.RoleVendor))

	// reports and administration
	a.mux.Handle("/v1/attempts", a.requireRole(http.HandlerFunc(a.handleAttempts), auth.RoleVerifier, auth.RoleAdmin))
	a.mux.Handle("/v1/admin/stats", a.requireRole(http.HandlerFunc(a.handleStats), auth.RoleAdmin))
	a.mux.Handle("/v1/admin/alerts/stream", a.requireRole(http.HandlerFunc(a.Stream), auth.RoleAdmin))
	a.mux.Handle("/v1/admin/credentials/", a.requireRole(http.HandlerFunc(a.handleCredentialResource), auth.RoleAdmin))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = a.rateLimitVerify(h)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = LoggingJSON(a.log)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// rateLimitVerify throttles the public verification endpoint per client.
func (a *API) rateLimitVerify(next http.Handler) http.Handler {
	limited := RateLimit(next, a.rateBurst, a.ratePerSec, a.proxies...)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/verify" {
			limited.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) clientIP(r *http.Request) string {
	return clientIP(r, a.proxies)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         serviceName,
		"time":         time.Now().UTC().Format(time.RFC3339),
		"version":      a.version,
		"auth_enabled": a.auth != nil,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, true)
}

// decodeJSONLenient ignores unknown fields.
func decodeJSONLenient(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, false)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, strict bool) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}
