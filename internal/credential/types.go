package credential

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a credential. Transitions are forward-only.
type Status string

const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusRevoked Status = "revoked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusUsed, StatusRevoked:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// Only active credentials may change state.
func (s Status) CanTransition(next Status) bool {
	return s == StatusActive && (next == StatusUsed || next == StatusRevoked)
}

// Credential is one issued QR code. Only the fingerprint of its secret is kept.
type Credential struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"product_id"`
	Fingerprint string     `json:"-"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Vendor owns products. UserID is the subject issued by the identity provider.
type Vendor struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CompanyName string    `json:"company_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Product is the item a credential authenticates.
type Product struct {
	ID          string    `json:"id"`
	VendorID    string    `json:"vendor_id"`
	VendorName  string    `json:"vendor_name,omitempty"`
	Name        string    `json:"name"`
	BatchID     string    `json:"batch_id,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProductSummary is a product with per-status credential counts.
type ProductSummary struct {
	Product
	Active  int `json:"active_credentials"`
	Used    int `json:"used_credentials"`
	Revoked int `json:"revoked_credentials"`
}

// Result is the recorded result of a verification attempt.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultDuplicate Result = "duplicate"
	ResultInvalid   Result = "invalid"
)

// Metadata is best-effort, untrusted context supplied with a scan.
type Metadata struct {
	NetworkAddress string `json:"network_address,omitempty"`
	Location       string `json:"location,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
}

// Attempt is an append-only record of one verification.
// CredentialID is empty when the token matched nothing.
type Attempt struct {
	ID           string    `json:"id"`
	CredentialID string    `json:"credential_id,omitempty"`
	Result       Result    `json:"result"`
	Detail       string    `json:"detail"`
	Metadata     Metadata  `json:"metadata"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// AttemptView joins an attempt with the product it concerned, if any.
type AttemptView struct {
	Attempt
	ProductName string `json:"product_name,omitempty"`
	BatchID     string `json:"batch_id,omitempty"`
	VendorName  string `json:"vendor_name,omitempty"`
}

// AlertType classifies a security alert.
type AlertType string

const (
	AlertInvalidToken  AlertType = "INVALID_TOKEN"
	AlertDuplicateScan AlertType = "DUPLICATE_SCAN"
)

// Severity of a security alert.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// Severity is fixed per alert type.
func (t AlertType) Severity() Severity {
	if t == AlertInvalidToken {
		return SeverityHigh
	}
	return SeverityMedium
}

// AlertFor returns the alert raised for a result, if any.
func AlertFor(r Result) (AlertType, bool) {
	switch r {
	case ResultInvalid:
		return AlertInvalidToken, true
	case ResultDuplicate:
		return AlertDuplicateScan, true
	}
	return "", false
}

// Alert is an append-only security alert derived from an attempt.
type Alert struct {
	ID           string    `json:"id"`
	AttemptID    string    `json:"attempt_id"`
	CredentialID string    `json:"credential_id,omitempty"`
	Type         AlertType `json:"alert_type"`
	Severity     Severity  `json:"severity"`
	CreatedAt    time.Time `json:"created_at"`
}

// Stats are the aggregate counts shown on the admin dashboard.
type Stats struct {
	Vendors           int64 `json:"vendors"`
	Products          int64 `json:"products"`
	Credentials       int64 `json:"credentials"`
	ActiveCredentials int64 `json:"active_credentials"`
	Attempts          int64 `json:"attempts"`
	Alerts            int64 `json:"alerts"`
}

var (
	ErrNotFound        = errors.New("credential not found")
	ErrProductNotFound = errors.New("product not found")
	ErrVendorNotFound  = errors.New("vendor not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotRevocable    = errors.New("credential is not active")
	ErrInvalidInput    = errors.New("invalid input")
)
