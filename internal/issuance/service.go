// Package issuance creates credentials for products and manages the vendor
// product directory they belong to.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"vendorverify.io/internal/audit"
	"vendorverify.io/internal/credential"
	"vendorverify.io/internal/obs"
	"vendorverify.io/internal/token"
)

// MaxBatch bounds IssueBatch.
const MaxBatch = 500

var (
	// ErrIssuanceFailed wraps store failures while persisting a credential.
	ErrIssuanceFailed = errors.New("issuance failed")
	// ErrInvalidCount is returned for batch sizes outside 1..MaxBatch.
	ErrInvalidCount = errors.New("count must be between 1 and 500")
)

// Store is the persistence the service needs.
type Store interface {
	credential.Directory
	InsertCredential(ctx context.Context, c *credential.Credential) error
}

// Generator produces secrets and their fingerprints.
type Generator interface {
	Generate() (secret, fingerprint string, err error)
}

var _ Generator = (*token.Codec)(nil)

// Request identifies the product to issue for. When VendorID is set the
// product must belong to that vendor.
type Request struct {
	ProductID string
	VendorID  string
}

// Issued carries the only copy of the secret. It is returned to the caller
// once and never stored.
type Issued struct {
	Credential credential.Credential
	Secret     string
}

// Service issues credentials.
type Service struct {
	store Store
	codec Generator
	audit *audit.Logger
	log   *zap.Logger
}

// New builds a Service. auditLog may be nil.
func New(store Store, codec Generator, auditLog *audit.Logger, log *zap.Logger) *Service {
	return &Service{
		store: store,
		codec: codec,
		audit: auditLog,
		log:   obs.OrNop(log).Named("issuance"),
	}
}

// Issue creates one active credential for the product. Not idempotent: every
// call produces a distinct credential.
func (s *Service) Issue(ctx context.Context, req Request) (Issued, error) {
	if _, err := s.product(ctx, req); err != nil {
		return Issued{}, err
	}
	out, err := s.issueOne(ctx, req.ProductID)
	if err != nil {
		return Issued{}, err
	}
	obs.ObserveIssued(1)
	s.event(ctx, "credential.issue", map[string]any{
		"product_id":    req.ProductID,
		"credential_id": out.Credential.ID,
	})
	return out, nil
}

// IssueBatch issues n independent credentials for one product. On failure the
// credentials issued so far are returned with the error.
func (s *Service) IssueBatch(ctx context.Context, req Request, n int) ([]Issued, error) {
	if n < 1 || n > MaxBatch {
		return nil, ErrInvalidCount
	}
	if _, err := s.product(ctx, req); err != nil {
		return nil, err
	}
	out := make([]Issued, 0, n)
	var err error
	for i := 0; i < n; i++ {
		if err = ctx.Err(); err != nil {
			err = fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
			break
		}
		var one Issued
		if one, err = s.issueOne(ctx, req.ProductID); err != nil {
			break
		}
		out = append(out, one)
	}
	obs.ObserveIssued(len(out))
	s.event(ctx, "credential.issue_batch", map[string]any{
		"product_id": req.ProductID,
		"requested":  n,
		"issued":     len(out),
	})
	return out, err
}

func (s *Service) product(ctx context.Context, req Request) (credential.Product, error) {
	if strings.TrimSpace(req.ProductID) == "" {
		return credential.Product{}, credential.ErrInvalidInput
	}
	p, err := s.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, credential.ErrProductNotFound) {
			return credential.Product{}, credential.ErrProductNotFound
		}
		return credential.Product{}, fmt.Errorf("%w: lookup product: %v", ErrIssuanceFailed, err)
	}
	if req.VendorID != "" && p.VendorID != req.VendorID {
		// Foreign products are indistinguishable from missing ones.
		return credential.Product{}, credential.ErrProductNotFound
	}
	return p, nil
}

func (s *Service) issueOne(ctx context.Context, productID string) (Issued, error) {
	secret, fp, err := s.codec.Generate()
	if err != nil {
		s.log.Error("credential generation failed", zap.Error(err))
		return Issued{}, err
	}
	c := credential.Credential{ProductID: productID, Fingerprint: fp, Status: credential.StatusActive}
	if err := s.store.InsertCredential(ctx, &c); err != nil {
		if errors.Is(err, credential.ErrProductNotFound) {
			return Issued{}, credential.ErrProductNotFound
		}
		s.log.Error("insert credential failed", zap.String("product_id", productID), zap.Error(err))
		return Issued{}, fmt.Errorf("%w: %w", ErrIssuanceFailed, err)
	}
	return Issued{Credential: c, Secret: secret}, nil
}

// RegisterVendor creates the vendor profile for an identity. Each identity
// may own one vendor.
func (s *Service) RegisterVendor(ctx context.Context, userID, companyName string) (credential.Vendor, error) {
	v := credential.Vendor{
		UserID:      strings.TrimSpace(userID),
		CompanyName: strings.TrimSpace(companyName),
	}
	if err := s.store.CreateVendor(ctx, &v); err != nil {
		return credential.Vendor{}, err
	}
	s.event(ctx, "vendor.register", map[string]any{"vendor_id": v.ID})
	return v, nil
}

// VendorByUser resolves the vendor owned by an identity.
func (s *Service) VendorByUser(ctx context.Context, userID string) (credential.Vendor, error) {
	return s.store.VendorByUser(ctx, userID)
}

// CreateProduct registers a product under a vendor.
func (s *Service) CreateProduct(ctx context.Context, vendorID, name, batchID, description string) (credential.Product, error) {
	p := credential.Product{
		VendorID:    vendorID,
		Name:        strings.TrimSpace(name),
		BatchID:     strings.TrimSpace(batchID),
		Description: strings.TrimSpace(description),
	}
	if err := s.store.CreateProduct(ctx, &p); err != nil {
		return credential.Product{}, err
	}
	s.event(ctx, "product.create", map[string]any{"vendor_id": vendorID, "product_id": p.ID})
	return p, nil
}

// ListProducts returns the vendor's products with credential counts.
func (s *Service) ListProducts(ctx context.Context, vendorID string, limit int) ([]credential.ProductSummary, error) {
	return s.store.ListProducts(ctx, vendorID, limit)
}

func (s *Service) event(ctx context.Context, name string, fields map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Event(ctx, name, fields); err != nil {
		s.log.Warn("audit event failed", zap.String("event", name), zap.Error(err))
	}
}
