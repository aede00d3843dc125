package issuance

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"vendorverify.io/internal/audit"
	"vendorverify.io/internal/credential"
	"vendorverify.io/internal/token"
)

type failingInsert struct {
	*credential.InMemory
	after int
	n     int
}

func (f *failingInsert) InsertCredential(ctx context.Context, c *credential.Credential) error {
	f.n++
	if f.n > f.after {
		return errors.New("connection reset")
	}
	return f.InMemory.InsertCredential(ctx, c)
}

type brokenGenerator struct{}

func (brokenGenerator) Generate() (string, string, error) {
	return "", "", token.ErrEntropy
}

func newService(t *testing.T) (*Service, *credential.InMemory, credential.Product) {
	t.Helper()
	store := credential.NewInMemory()
	svc := New(store, token.New(), nil, zap.NewNop())
	ctx := context.Background()
	v, err := svc.RegisterVendor(ctx, "user-1", "Acme")
	if err != nil {
		t.Fatalf("RegisterVendor: %v", err)
	}
	p, err := svc.CreateProduct(ctx, v.ID, "P123 Widget", "B-7", "")
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	return svc, store, p
}

func TestIssue(t *testing.T) {
	svc, store, p := newService(t)
	ctx := context.Background()

	a, err := svc.Issue(ctx, Request{ProductID: p.ID})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	b, err := svc.Issue(ctx, Request{ProductID: p.ID})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if a.Credential.ID == b.Credential.ID || a.Secret == b.Secret {
		t.Fatal("issuance must not be idempotent")
	}
	if !token.WellFormed(a.Secret) {
		t.Fatalf("secret not well formed: %q", a.Secret)
	}
	got, ok := store.Credential(a.Credential.ID)
	if !ok || got.Status != credential.StatusActive {
		t.Fatalf("stored credential: %+v %v", got, ok)
	}
	if got.Fingerprint == a.Secret || got.Fingerprint != token.New().FingerprintOf(a.Secret) {
		t.Fatal("only the fingerprint may be stored")
	}
}

func TestIssueErrors(t *testing.T) {
	svc, store, p := newService(t)
	ctx := context.Background()

	if _, err := svc.Issue(ctx, Request{ProductID: "prd_missing"}); !errors.Is(err, credential.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
	if _, err := svc.Issue(ctx, Request{}); !errors.Is(err, credential.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.Issue(ctx, Request{ProductID: p.ID, VendorID: "vnd_other"}); !errors.Is(err, credential.ErrProductNotFound) {
		t.Fatalf("foreign product must look missing, got %v", err)
	}

	failing := New(&failingInsert{InMemory: store}, token.New(), nil, nil)
	if _, err := failing.Issue(ctx, Request{ProductID: p.ID}); !errors.Is(err, ErrIssuanceFailed) {
		t.Fatalf("expected ErrIssuanceFailed, got %v", err)
	}

	broken := New(store, brokenGenerator{}, nil, nil)
	if _, err := broken.Issue(ctx, Request{ProductID: p.ID}); !errors.Is(err, token.ErrEntropy) {
		t.Fatalf("expected ErrEntropy, got %v", err)
	}
	if st, _ := store.Stats(ctx); st.Credentials != 0 {
		t.Fatalf("failed issuance must not persist credentials, got %d", st.Credentials)
	}
}

func TestIssueBatch(t *testing.T) {
	svc, store, p := newService(t)
	ctx := context.Background()

	out, err := svc.IssueBatch(ctx, Request{ProductID: p.ID}, 5)
	if err != nil || len(out) != 5 {
		t.Fatalf("IssueBatch: %d %v", len(out), err)
	}
	seen := map[string]bool{}
	for _, o := range out {
		seen[o.Secret] = true
	}
	if len(seen) != 5 {
		t.Fatal("batch secrets must be distinct")
	}

	for _, n := range []int{0, -1, MaxBatch + 1} {
		if _, err := svc.IssueBatch(ctx, Request{ProductID: p.ID}, n); !errors.Is(err, ErrInvalidCount) {
			t.Fatalf("n=%d: expected ErrInvalidCount, got %v", n, err)
		}
	}

	partial := New(&failingInsert{InMemory: store, after: 2}, token.New(), nil, nil)
	out, err = partial.IssueBatch(ctx, Request{ProductID: p.ID}, 4)
	if !errors.Is(err, ErrIssuanceFailed) || len(out) != 2 {
		t.Fatalf("partial batch: %d %v", len(out), err)
	}
}

func TestDirectoryAndAuditEvents(t *testing.T) {
	store := credential.NewInMemory()
	core, logs := observer.New(zap.InfoLevel)
	svc := New(store, token.New(), audit.New(store, zap.New(core)), zap.NewNop())
	ctx := context.Background()

	v, err := svc.RegisterVendor(ctx, "user-9", "  Globex ")
	if err != nil || v.CompanyName != "Globex" {
		t.Fatalf("RegisterVendor: %+v %v", v, err)
	}
	if _, err := svc.RegisterVendor(ctx, "user-9", "Again"); !errors.Is(err, credential.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if got, err := svc.VendorByUser(ctx, "user-9"); err != nil || got.ID != v.ID {
		t.Fatalf("VendorByUser: %+v %v", got, err)
	}
	p, err := svc.CreateProduct(ctx, v.ID, "Gadget", "", "")
	if err != nil {
		t.Fatal(err)
	}
	issued, err := svc.Issue(ctx, Request{ProductID: p.ID, VendorID: v.ID})
	if err != nil {
		t.Fatal(err)
	}
	list, err := svc.ListProducts(ctx, v.ID, 0)
	if err != nil || len(list) != 1 || list[0].Active != 1 {
		t.Fatalf("ListProducts: %+v %v", list, err)
	}

	events := logs.FilterMessage("audit event").All()
	if len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(events))
	}
	for _, e := range events {
		for k, v := range e.ContextMap() {
			if s, ok := v.(string); ok && s == issued.Secret {
				t.Fatalf("secret leaked into audit field %q", k)
			}
		}
	}
}
