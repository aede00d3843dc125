package httpapi

import (
	"errors"
	"net/http"
	"time"

	"vendorverify.io/internal/auth"
	"vendorverify.io/internal/credential"
)

type registerVendorRequest struct {
	CompanyName string `json:"companyName"`
}

type createProductRequest struct {
	Name        string `json:"name"`
	BatchID     string `json:"batchId"`
	Description string `json:"description"`
}

type listProductsResponse struct {
	Items []credential.ProductSummary `json:"items"`
	AsOf  time.Time                   `json:"as_of"`
}

type listAttemptsResponse struct {
	Items []credential.AttemptView `json:"items"`
	AsOf  time.Time                `json:"as_of"`
}

func (a *API) handleVendors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req registerVendorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.issuer.RegisterVendor(r.Context(), userID, req.CompanyName)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createProduct(w, r)
	case http.MethodGet:
		a.listProducts(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createProduct(w http.ResponseWriter, r *http.Request) {
	v, ok := a.currentVendor(w, r)
	if !ok {
		return
	}
	var req createProductRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.issuer.CreateProduct(r.Context(), v.ID, req.Name, req.BatchID, req.Description)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/products/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) listProducts(w http.ResponseWriter, r *http.Request) {
	v, ok := a.currentVendor(w, r)
	if !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.issuer.ListProducts(r.Context(), v.ID, limit)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	if items == nil {
		items = []credential.ProductSummary{}
	}
	writeJSON(w, http.StatusOK, listProductsResponse{Items: items, AsOf: time.Now().UTC()})
}

// currentVendor resolves the caller's vendor profile or writes the error.
func (a *API) currentVendor(w http.ResponseWriter, r *http.Request) (credential.Vendor, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return credential.Vendor{}, false
	}
	v, err := a.issuer.VendorByUser(r.Context(), userID)
	if err != nil {
		handleDirectoryError(w, r, err)
		return credential.Vendor{}, false
	}
	return v, true
}

func (a *API) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 10, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.reports.ListAttempts(r.Context(), limit)
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	if items == nil {
		items = []credential.AttemptView{}
	}
	writeJSON(w, http.StatusOK, listAttemptsResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	st, err := a.reports.Stats(r.Context())
	if err != nil {
		handleDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func handleDirectoryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, credential.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, credential.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "vendor already registered")
	case errors.Is(err, credential.ErrVendorNotFound):
		writeError(w, r, http.StatusForbidden, "vendor profile required")
	case errors.Is(err, credential.ErrProductNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
