package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"vendorverify.io/internal/auth"
	"vendorverify.io/internal/credential"
	"vendorverify.io/internal/issuance"
	"vendorverify.io/internal/verify"
)

type issueRequest struct {
	ProductID string `json:"productId"`
}

type issueResponse struct {
	Success      bool   `json:"success"`
	CredentialID string `json:"credentialId"`
	Secret       string `json:"secret"`
}

type issueBatchRequest struct {
	ProductID string `json:"productId"`
	Count     int    `json:"count"`
}

type issuedCredential struct {
	CredentialID string `json:"credentialId"`
	Secret       string `json:"secret"`
}

type issueBatchResponse struct {
	Success     bool               `json:"success"`
	Credentials []issuedCredential `json:"credentials"`
}

// verifyRequest keeps both fields raw: scanners send arbitrary metadata and
// none of it may reject a scan.
type verifyRequest struct {
	Token    json.RawMessage `json:"token"`
	Metadata json.RawMessage `json:"metadata"`
}

type productView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	BatchID     string `json:"batchId,omitempty"`
	Description string `json:"description,omitempty"`
	VendorName  string `json:"vendorName,omitempty"`
}

type verifyResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Product *productView `json:"product,omitempty"`
}

const (
	msgValid   = "Authentic Product Verified"
	msgUsed    = "QR Code already used/expired"
	msgInvalid = "Counterfeit or Invalid QR Code"
)

func (a *API) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req issueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ir, err := a.issueRequestFor(r, req.ProductID)
	if err != nil {
		handleIssueError(w, r, err)
		return
	}
	out, err := a.issuer.Issue(r.Context(), ir)
	if err != nil {
		a.log.Error("issue failed", zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
		handleIssueError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issueResponse{
		Success:      true,
		CredentialID: out.Credential.ID,
		Secret:       out.Secret,
	})
}

func (a *API) handleIssueBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req issueBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ir, err := a.issueRequestFor(r, req.ProductID)
	if err != nil {
		handleIssueError(w, r, err)
		return
	}
	out, err := a.issuer.IssueBatch(r.Context(), ir, req.Count)
	if err != nil {
		a.log.Error("batch issue failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Int("issued", len(out)),
			zap.Error(err))
		handleIssueError(w, r, err)
		return
	}
	resp := issueBatchResponse{Success: true, Credentials: make([]issuedCredential, 0, len(out))}
	for _, o := range out {
		resp.Credentials = append(resp.Credentials, issuedCredential{CredentialID: o.Credential.ID, Secret: o.Secret})
	}
	writeJSON(w, http.StatusOK, resp)
}

// issueRequestFor scopes issuance to the caller's vendor unless the caller
// is an admin or authentication is disabled.
func (a *API) issueRequestFor(r *http.Request, productID string) (issuance.Request, error) {
	req := issuance.Request{ProductID: strings.TrimSpace(productID)}
	if req.ProductID == "" {
		return req, credential.ErrInvalidInput
	}
	if a.auth == nil || auth.HasRole(r.Context(), auth.RoleAdmin) {
		return req, nil
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	v, err := a.issuer.VendorByUser(r.Context(), userID)
	if err != nil {
		return req, err
	}
	req.VendorID = v.ID
	return req, nil
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyRequest
	if err := decodeJSONLenient(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	scanned := strings.TrimSpace(rawString(req.Token))
	if scanned == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	meta := rawObject(req.Metadata)
	md := credential.Metadata{
		NetworkAddress: firstKnown(rawString(meta["networkAddress"]), rawString(meta["ip"]), a.clientIP(r)),
		Location:       firstKnown(rawString(meta["location"])),
		UserAgent:      r.UserAgent(),
	}
	out, err := a.verifier.Verify(r.Context(), scanned, md)
	if err != nil {
		handleVerifyError(w, r, err)
		return
	}

	switch out.Kind {
	case verify.Valid:
		writeJSON(w, http.StatusOK, verifyResponse{Status: string(out.Kind), Message: msgValid, Product: toProductView(out.Product)})
	case verify.AlreadyUsed:
		writeJSON(w, http.StatusOK, verifyResponse{Status: string(out.Kind), Message: msgUsed, Product: toProductView(out.Product)})
	default:
		writeJSON(w, http.StatusNotFound, verifyResponse{Status: string(verify.Invalid), Message: msgInvalid})
	}
}

func (a *API) handleCredentialResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/credentials/")
	id, action, ok := strings.Cut(path, "/")
	if !ok || id == "" || action != "revoke" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	c, err := a.verifier.Revoke(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, credential.ErrNotFound):
			writeError(w, r, http.StatusNotFound, err.Error())
		case errors.Is(err, credential.ErrNotRevocable):
			writeError(w, r, http.StatusConflict, err.Error())
		default:
			a.log.Error("revoke failed", zap.String("credential_id", id), zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func toProductView(p credential.Product) *productView {
	if p.ID == "" {
		return nil
	}
	return &productView{
		ID:          p.ID,
		Name:        p.Name,
		BatchID:     p.BatchID,
		Description: p.Description,
		VendorName:  p.VendorName,
	}
}

// firstKnown returns the first value that is neither blank nor the
// "Unknown" placeholder some scanners send.
func firstKnown(vals ...string) string {
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v != "" && !strings.EqualFold(v, "unknown") {
			return v
		}
	}
	return ""
}

// rawString returns the JSON string in raw, or "" for any other JSON type.
func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// rawObject returns the members of a JSON object, or nil for anything else.
func rawObject(raw json.RawMessage) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return m
}

func handleIssueError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, credential.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "productId is required")
	case errors.Is(err, issuance.ErrInvalidCount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, credential.ErrProductNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, credential.ErrVendorNotFound):
		writeError(w, r, http.StatusForbidden, "vendor profile required")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func handleVerifyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, verify.ErrTransient) {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusInternalServerError, verify.ErrTransient.Error())
		return
	}
	writeError(w, r, http.StatusInternalServerError, "internal error")
}
