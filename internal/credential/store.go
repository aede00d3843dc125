package credential

import "context"

// ProductDirectory resolves products for display and ownership checks.
type ProductDirectory interface {
	GetProduct(ctx context.Context, id string) (Product, error)
}

// Directory manages vendors and their products.
type Directory interface {
	ProductDirectory
	CreateVendor(ctx context.Context, v *Vendor) error
	VendorByUser(ctx context.Context, userID string) (Vendor, error)
	CreateProduct(ctx context.Context, p *Product) error
	ListProducts(ctx context.Context, vendorID string, limit int) ([]ProductSummary, error)
}

// CredentialStore holds credentials keyed by fingerprint.
type CredentialStore interface {
	InsertCredential(ctx context.Context, c *Credential) error
	// Consume atomically moves the credential with the given fingerprint from
	// active to used. consumed is true only for the call that performed the
	// transition; any other call gets the current state with consumed=false.
	// Returns ErrNotFound when no credential has that fingerprint.
	Consume(ctx context.Context, fingerprint string) (c Credential, consumed bool, err error)
	// Revoke moves an active credential to revoked.
	Revoke(ctx context.Context, id string) (Credential, error)
}

// AuditStore appends verification attempts and security alerts.
type AuditStore interface {
	AppendAttempt(ctx context.Context, a *Attempt) error
	AppendAlert(ctx context.Context, a *Alert) error
}

// Reports serves read-only dashboard queries.
type Reports interface {
	ListAttempts(ctx context.Context, limit int) ([]AttemptView, error)
	Stats(ctx context.Context) (Stats, error)
}

// Store is the full persistence surface implemented by every adapter.
type Store interface {
	Directory
	CredentialStore
	AuditStore
	Reports
	Ping(ctx context.Context) error
	Close() error
}

// ClampLimit bounds list sizes the same way across adapters.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
