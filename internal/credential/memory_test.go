package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func seedProduct(t *testing.T, s *InMemory) Product {
	t.Helper()
	ctx := context.Background()
	v := &Vendor{UserID: "user-1", CompanyName: "Acme"}
	if err := s.CreateVendor(ctx, v); err != nil {
		t.Fatalf("CreateVendor: %v", err)
	}
	p := &Product{VendorID: v.ID, Name: "Widget", BatchID: "B-1"}
	if err := s.CreateProduct(ctx, p); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	return *p
}

func TestStatusTransitions(t *testing.T) {
	if !StatusActive.CanTransition(StatusUsed) || !StatusActive.CanTransition(StatusRevoked) {
		t.Fatal("active must move to used or revoked")
	}
	for _, from := range []Status{StatusUsed, StatusRevoked} {
		for _, to := range []Status{StatusActive, StatusUsed, StatusRevoked} {
			if from.CanTransition(to) {
				t.Fatalf("unexpected transition %s -> %s", from, to)
			}
		}
	}
	if Status("expired").Valid() {
		t.Fatal("unknown status reported valid")
	}
}

func TestAlertMapping(t *testing.T) {
	if typ, ok := AlertFor(ResultInvalid); !ok || typ != AlertInvalidToken || typ.Severity() != SeverityHigh {
		t.Fatalf("invalid -> %v %v", typ, ok)
	}
	if typ, ok := AlertFor(ResultDuplicate); !ok || typ != AlertDuplicateScan || typ.Severity() != SeverityMedium {
		t.Fatalf("duplicate -> %v %v", typ, ok)
	}
	if _, ok := AlertFor(ResultSuccess); ok {
		t.Fatal("success must not raise an alert")
	}
}

func TestInMemoryConsumeOnce(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	p := seedProduct(t, s)

	c := &Credential{ProductID: p.ID, Fingerprint: "fp-1"}
	if err := s.InsertCredential(ctx, c); err != nil {
		t.Fatalf("InsertCredential: %v", err)
	}

	got, consumed, err := s.Consume(ctx, "fp-1")
	if err != nil || !consumed || got.Status != StatusUsed || got.UsedAt == nil {
		t.Fatalf("first consume: %+v consumed=%v err=%v", got, consumed, err)
	}
	got, consumed, err = s.Consume(ctx, "fp-1")
	if err != nil || consumed || got.Status != StatusUsed {
		t.Fatalf("second consume: %+v consumed=%v err=%v", got, consumed, err)
	}
	if _, _, err := s.Consume(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryConcurrentConsume(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	p := seedProduct(t, s)
	if err := s.InsertCredential(ctx, &Credential{ProductID: p.ID, Fingerprint: "fp-race"}); err != nil {
		t.Fatal(err)
	}

	const n = 64
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, consumed, err := s.Consume(ctx, "fp-race")
			if err != nil {
				t.Errorf("Consume: %v", err)
				return
			}
			if consumed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestInMemoryRevoke(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	p := seedProduct(t, s)
	c := &Credential{ProductID: p.ID, Fingerprint: "fp-rev"}
	if err := s.InsertCredential(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, err := s.Revoke(ctx, c.ID)
	if err != nil || got.Status != StatusRevoked {
		t.Fatalf("Revoke: %+v %v", got, err)
	}
	if _, err := s.Revoke(ctx, c.ID); !errors.Is(err, ErrNotRevocable) {
		t.Fatalf("expected ErrNotRevocable, got %v", err)
	}
	if _, consumed, _ := s.Consume(ctx, "fp-rev"); consumed {
		t.Fatal("revoked credential must not be consumable")
	}
	if _, err := s.Revoke(ctx, "crd_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryDirectoryAndReports(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	p := seedProduct(t, s)

	if err := s.CreateVendor(ctx, &Vendor{UserID: "user-1", CompanyName: "Again"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := s.InsertCredential(ctx, &Credential{ProductID: "prd_missing", Fingerprint: "x"}); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}

	c := &Credential{ProductID: p.ID, Fingerprint: "fp-a"}
	_ = s.InsertCredential(ctx, c)
	_ = s.InsertCredential(ctx, &Credential{ProductID: p.ID, Fingerprint: "fp-b"})
	_, _, _ = s.Consume(ctx, "fp-a")

	_ = s.AppendAttempt(ctx, &Attempt{CredentialID: c.ID, Result: ResultSuccess, Detail: "ok"})
	_ = s.AppendAttempt(ctx, &Attempt{Result: ResultInvalid, Detail: "bad"})
	_ = s.AppendAlert(ctx, &Alert{Type: AlertInvalidToken, Severity: SeverityHigh})

	list, err := s.ListProducts(ctx, p.VendorID, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListProducts: %v %v", list, err)
	}
	if list[0].Active != 1 || list[0].Used != 1 {
		t.Fatalf("unexpected counts: %+v", list[0])
	}

	views, err := s.ListAttempts(ctx, 10)
	if err != nil || len(views) != 2 {
		t.Fatalf("ListAttempts: %v %v", views, err)
	}
	if views[0].Result != ResultInvalid || views[1].ProductName != "Widget" {
		t.Fatalf("unexpected ordering or join: %+v", views)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{Vendors: 1, Products: 1, Credentials: 2, ActiveCredentials: 1, Attempts: 2, Alerts: 1}
	if st != want {
		t.Fatalf("Stats=%+v, want %+v", st, want)
	}
}
