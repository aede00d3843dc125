package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsPrefixedAndSortable(t *testing.T) {
	a := New(PrefixCredential)
	b := New(PrefixCredential)
	if !strings.HasPrefix(a, "crd_") {
		t.Fatalf("missing prefix: %s", a)
	}
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := New(PrefixAttempt)
	ts, ok := Time(id)
	if !ok {
		t.Fatalf("Time(%q) failed", id)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Fatalf("unexpected embedded time %v", ts)
	}
	if _, ok := Time("not-an-id"); ok {
		t.Fatal("expected parse failure")
	}
}
