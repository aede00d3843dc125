package credential

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"vendorverify.io/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. It backs
// tests and the "memory" database driver; nothing survives a restart.
type InMemory struct {
	mu sync.RWMutex

	vendors       map[string]*Vendor
	vendorsByUser map[string]string
	products      map[string]*Product
	creds         map[string]*Credential
	byFingerprint map[string]string
	attempts      []Attempt
	alerts        []Alert

	now func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		vendors:       make(map[string]*Vendor),
		vendorsByUser: make(map[string]string),
		products:      make(map[string]*Product),
		creds:         make(map[string]*Credential),
		byFingerprint: make(map[string]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) Ping(ctx context.Context) error { return ctx.Err() }

func (s *InMemory) Close() error { return nil }

func (s *InMemory) CreateVendor(ctx context.Context, v *Vendor) error {
	if strings.TrimSpace(v.UserID) == "" || strings.TrimSpace(v.CompanyName) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vendorsByUser[v.UserID]; ok {
		return ErrAlreadyExists
	}
	if v.ID == "" {
		v.ID = ids.New(ids.PrefixVendor)
	}
	v.CreatedAt = s.now()
	cp := *v
	s.vendors[v.ID] = &cp
	s.vendorsByUser[v.UserID] = v.ID
	return nil
}

func (s *InMemory) VendorByUser(ctx context.Context, userID string) (Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.vendorsByUser[userID]
	if !ok {
		return Vendor{}, ErrVendorNotFound
	}
	return *s.vendors[id], nil
}

func (s *InMemory) CreateProduct(ctx context.Context, p *Product) error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vendors[p.VendorID]
	if !ok {
		return ErrVendorNotFound
	}
	if p.ID == "" {
		p.ID = ids.New(ids.PrefixProduct)
	}
	p.VendorName = v.CompanyName
	p.CreatedAt = s.now()
	cp := *p
	s.products[p.ID] = &cp
	return nil
}

func (s *InMemory) GetProduct(ctx context.Context, id string) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return *p, nil
}

func (s *InMemory) ListProducts(ctx context.Context, vendorID string, limit int) ([]ProductSummary, error) {
	limit = ClampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]*ProductSummary)
	var res []ProductSummary
	for _, p := range s.products {
		if p.VendorID != vendorID {
			continue
		}
		counts[p.ID] = &ProductSummary{Product: *p}
	}
	for _, c := range s.creds {
		sum, ok := counts[c.ProductID]
		if !ok {
			continue
		}
		switch c.Status {
		case StatusActive:
			sum.Active++
		case StatusUsed:
			sum.Used++
		case StatusRevoked:
			sum.Revoked++
		}
	}
	for _, sum := range counts {
		res = append(res, *sum)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *InMemory) InsertCredential(ctx context.Context, c *Credential) error {
	if c.Fingerprint == "" || c.ProductID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[c.ProductID]; !ok {
		return ErrProductNotFound
	}
	if _, ok := s.byFingerprint[c.Fingerprint]; ok {
		return ErrAlreadyExists
	}
	if c.ID == "" {
		c.ID = ids.New(ids.PrefixCredential)
	}
	c.Status = StatusActive
	c.CreatedAt = s.now()
	cp := *c
	s.creds[c.ID] = &cp
	s.byFingerprint[c.Fingerprint] = c.ID
	return nil
}

func (s *InMemory) Consume(ctx context.Context, fingerprint string) (Credential, bool, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byFingerprint[fingerprint]
	if !ok {
		return Credential{}, false, ErrNotFound
	}
	c := s.creds[id]
	if !c.Status.CanTransition(StatusUsed) {
		return *c, false, nil
	}
	now := s.now()
	c.Status = StatusUsed
	c.UsedAt = &now
	return *c, true, nil
}

func (s *InMemory) Revoke(ctx context.Context, id string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	if !c.Status.CanTransition(StatusRevoked) {
		return *c, ErrNotRevocable
	}
	now := s.now()
	c.Status = StatusRevoked
	c.RevokedAt = &now
	return *c, nil
}

func (s *InMemory) AppendAttempt(ctx context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = ids.New(ids.PrefixAttempt)
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = s.now()
	}
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *InMemory) AppendAlert(ctx context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = ids.New(ids.PrefixAlert)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.alerts = append(s.alerts, *a)
	return nil
}

func (s *InMemory) ListAttempts(ctx context.Context, limit int) ([]AttemptView, error) {
	limit = ClampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]AttemptView, 0, min(limit, len(s.attempts)))
	for i := len(s.attempts) - 1; i >= 0 && len(res) < limit; i-- {
		view := AttemptView{Attempt: s.attempts[i]}
		if c, ok := s.creds[view.CredentialID]; ok {
			if p, ok := s.products[c.ProductID]; ok {
				view.ProductName = p.Name
				view.BatchID = p.BatchID
				view.VendorName = p.VendorName
			}
		}
		res = append(res, view)
	}
	return res, nil
}

func (s *InMemory) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Vendors:     int64(len(s.vendors)),
		Products:    int64(len(s.products)),
		Credentials: int64(len(s.creds)),
		Attempts:    int64(len(s.attempts)),
		Alerts:      int64(len(s.alerts)),
	}
	for _, c := range s.creds {
		if c.Status == StatusActive {
			st.ActiveCredentials++
		}
	}
	return st, nil
}

// Alerts returns a copy of the recorded alerts.
func (s *InMemory) Alerts() []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Alert(nil), s.alerts...)
}

// Attempts returns a copy of the recorded attempts in insertion order.
func (s *InMemory) Attempts() []Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Attempt(nil), s.attempts...)
}

// Credential returns a copy of the credential with the given id.
func (s *InMemory) Credential(id string) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return Credential{}, false
	}
	return *c, true
}
